// Package fleet owns bot lifecycle: durable profiles, the node command
// bus, and the manager that reconciles the two.
package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrBotNotFound maps to 404. Callers must not confuse it with transport
// errors from the node bus.
var ErrBotNotFound = errors.New("bot not found")

// BotProfile is the authoritative intended state of one bot. The running
// container is derived from it and reconciled toward it.
type BotProfile struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	ReleaseChannel string            `json:"releaseChannel"`
	Env            map[string]string `json:"env"`
	RestartPolicy  string            `json:"restartPolicy"`
	UpdatePolicy   string            `json:"updatePolicy"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

func (p *BotProfile) clone() *BotProfile {
	copied := *p
	copied.Env = make(map[string]string, len(p.Env))
	for k, v := range p.Env {
		copied.Env[k] = v
	}
	return &copied
}

// ProfileStore persists profiles as one JSON file per bot under a data
// directory. Writes go through a temp file and rename so a crash never
// leaves a half-written profile.
type ProfileStore struct {
	dir string
	mu  sync.RWMutex
}

func NewProfileStore(dir string) (*ProfileStore, error) {
	if dir == "" {
		dir = os.Getenv("FLEET_DATA_DIR")
	}
	if dir == "" {
		return nil, fmt.Errorf("profile store: no data dir (set FLEET_DATA_DIR)")
	}
	if err := os.MkdirAll(filepath.Join(dir, "profiles"), 0o755); err != nil {
		return nil, fmt.Errorf("profile store: %w", err)
	}
	return &ProfileStore{dir: dir}, nil
}

func (s *ProfileStore) path(id string) string {
	return filepath.Join(s.dir, "profiles", id+".json")
}

// Load reads the profile fresh from disk.
func (s *ProfileStore) Load(id string) (*BotProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked(id)
}

func (s *ProfileStore) loadLocked(id string) (*BotProfile, error) {
	raw, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var profile BotProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("profile %s corrupt: %w", id, err)
	}
	return &profile, nil
}

// Save writes the profile durably.
func (s *ProfileStore) Save(profile *BotProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(profile)
}

func (s *ProfileStore) saveLocked(profile *BotProfile) error {
	raw, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(profile.ID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(profile.ID))
}

// Mutate runs a read-modify-write under the store lock. fn receives a
// freshly loaded copy; concurrent mutations of the same bot serialize, so
// both land.
func (s *ProfileStore) Mutate(id string, fn func(*BotProfile) error) (*BotProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, err := s.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if err := fn(profile); err != nil {
		return nil, err
	}
	profile.UpdatedAt = time.Now().UTC()
	if err := s.saveLocked(profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// Delete removes the profile record.
func (s *ProfileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	return err
}

// ListByTenant scans the profile directory for a tenant's bots.
func (s *ProfileStore) ListByTenant(tenantID string) ([]*BotProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, "profiles"))
	if err != nil {
		return nil, err
	}
	var out []*BotProfile
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		profile, err := s.loadLocked(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if profile.TenantID == tenantID {
			out = append(out, profile)
		}
	}
	return out, nil
}
