// Package snapshot stores tenant-owned bot backups: on-demand snapshots
// counted against a tier quota, and nightly snapshots that expire on their
// own. Every archive is content-hashed on write so a restore can prove it
// got back the bytes it stored.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes user-requested snapshots from the nightly sweep.
type Kind string

const (
	KindOnDemand Kind = "on-demand"
	KindNightly  Kind = "nightly"
)

// nightlyRetention is how long nightly snapshots live.
const nightlyRetention = 7 * 24 * time.Hour

// ErrSnapshotNotFound maps to 404.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrNotDeletable maps to 403: tenants may delete only on-demand
// snapshots.
var ErrNotDeletable = errors.New("only on-demand snapshots are deletable")

// QuotaError reports an exhausted on-demand quota. Maps to 403 with code
// snapshot_quota_exceeded.
type QuotaError struct {
	Current int    `json:"current"`
	Max     int    `json:"max"`
	Tier    string `json:"tier"`
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("snapshot quota exceeded: %d/%d on tier %s", e.Current, e.Max, e.Tier)
}

// tierQuotas caps on-demand snapshots per tenant by billing tier.
var tierQuotas = map[string]int{
	"free":       2,
	"pro":        10,
	"enterprise": 50,
}

const defaultTier = "free"

// Snapshot is one stored backup.
type Snapshot struct {
	ID          string     `json:"id"`
	BotID       string     `json:"botId"`
	TenantID    string     `json:"tenantId"`
	Kind        Kind       `json:"kind"`
	StoragePath string     `json:"storagePath"`
	SizeBytes   int64      `json:"sizeBytes"`
	ContentHash string     `json:"contentHash"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// BlobStore is the object-store surface snapshots are written through.
type BlobStore interface {
	Put(ctx context.Context, storagePath string, r io.Reader, size int64) error
	Get(ctx context.Context, storagePath string) (io.ReadCloser, error)
	Delete(ctx context.Context, storagePath string) error
}

// TierLookup resolves a tenant's billing tier.
type TierLookup func(tenantID string) string

// Manager records snapshot metadata and moves blobs through the store.
type Manager struct {
	blobs  BlobStore
	tier   TierLookup
	logger *log.Logger

	mu    sync.RWMutex
	byID  map[string]*Snapshot
	byBot map[string][]string
}

func NewManager(blobs BlobStore, tier TierLookup) *Manager {
	if tier == nil {
		tier = func(string) string { return defaultTier }
	}
	return &Manager{
		blobs:  blobs,
		tier:   tier,
		logger: log.New(log.Writer(), "[SNAPSHOT] ", log.LstdFlags),
		byID:   make(map[string]*Snapshot),
		byBot:  make(map[string][]string),
	}
}

func (m *Manager) quotaFor(tenantID string) (string, int) {
	tier := m.tier(tenantID)
	max, ok := tierQuotas[tier]
	if !ok {
		tier, max = defaultTier, tierQuotas[defaultTier]
	}
	return tier, max
}

func (m *Manager) onDemandCount(tenantID string) int {
	n := 0
	for _, snap := range m.byID {
		if snap.TenantID == tenantID && snap.Kind == KindOnDemand {
			n++
		}
	}
	return n
}

// Create stores the archive and records the snapshot. On-demand snapshots
// count against the tenant's tier quota; nightly ones expire instead.
func (m *Manager) Create(ctx context.Context, tenantID, botID string, kind Kind, archive io.Reader, size int64) (*Snapshot, error) {
	m.mu.Lock()
	if kind == KindOnDemand {
		tier, max := m.quotaFor(tenantID)
		if current := m.onDemandCount(tenantID); current >= max {
			m.mu.Unlock()
			return nil, &QuotaError{Current: current, Max: max, Tier: tier}
		}
	}
	m.mu.Unlock()

	snap := &Snapshot{
		ID:        uuid.New().String(),
		BotID:     botID,
		TenantID:  tenantID,
		Kind:      kind,
		SizeBytes: size,
		CreatedAt: time.Now().UTC(),
	}
	snap.StoragePath = path.Join("snapshots", tenantID, botID, snap.ID+".tar.gz")
	if kind == KindNightly {
		expires := snap.CreatedAt.Add(nightlyRetention)
		snap.ExpiresAt = &expires
	}

	hasher := sha256.New()
	if err := m.blobs.Put(ctx, snap.StoragePath, io.TeeReader(archive, hasher), size); err != nil {
		return nil, fmt.Errorf("store snapshot blob: %w", err)
	}
	snap.ContentHash = hex.EncodeToString(hasher.Sum(nil))

	m.mu.Lock()
	m.byID[snap.ID] = snap
	m.byBot[botID] = append(m.byBot[botID], snap.ID)
	m.mu.Unlock()

	m.logger.Printf("✅ Snapshot %s (%s) stored for bot %s, %d bytes", snap.ID, kind, botID, size)
	return snap, nil
}

// Get returns one snapshot's metadata, scoped to its owner.
func (m *Manager) Get(tenantID, snapID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.byID[snapID]
	if !ok || snap.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapID)
	}
	copied := *snap
	return &copied, nil
}

// Open streams a snapshot's archive.
func (m *Manager) Open(ctx context.Context, tenantID, snapID string) (io.ReadCloser, error) {
	snap, err := m.Get(tenantID, snapID)
	if err != nil {
		return nil, err
	}
	return m.blobs.Get(ctx, snap.StoragePath)
}

// Verify re-reads the stored blob and checks it against the recorded
// content hash.
func (m *Manager) Verify(ctx context.Context, tenantID, snapID string) error {
	snap, err := m.Get(tenantID, snapID)
	if err != nil {
		return err
	}
	rc, err := m.blobs.Get(ctx, snap.StoragePath)
	if err != nil {
		return err
	}
	defer rc.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, rc); err != nil {
		return err
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != snap.ContentHash {
		return fmt.Errorf("snapshot %s integrity violation: expected %s, stored blob hashes to %s",
			snapID, snap.ContentHash, actual)
	}
	return nil
}

// ListByBot lists a bot's snapshots, newest first.
func (m *Manager) ListByBot(tenantID, botID string) []*Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Snapshot{}
	for _, id := range m.byBot[botID] {
		snap := m.byID[id]
		if snap == nil || snap.TenantID != tenantID {
			continue
		}
		copied := *snap
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Delete removes an on-demand snapshot and its blob. Nightly snapshots
// are not tenant-deletable.
func (m *Manager) Delete(ctx context.Context, tenantID, snapID string) error {
	m.mu.Lock()
	snap, ok := m.byID[snapID]
	if !ok || snap.TenantID != tenantID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapID)
	}
	if snap.Kind != KindOnDemand {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotDeletable, snapID, snap.Kind)
	}
	m.removeLocked(snap)
	m.mu.Unlock()

	if err := m.blobs.Delete(ctx, snap.StoragePath); err != nil {
		m.logger.Printf("⚠️  Snapshot %s record removed but blob delete failed: %v", snapID, err)
	}
	return nil
}

func (m *Manager) removeLocked(snap *Snapshot) {
	delete(m.byID, snap.ID)
	ids := m.byBot[snap.BotID]
	for i, id := range ids {
		if id == snap.ID {
			m.byBot[snap.BotID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// SweepExpired removes nightly snapshots past their expiry. Returns how
// many were removed.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	var expired []*Snapshot
	for _, snap := range m.byID {
		if snap.ExpiresAt != nil && now.After(*snap.ExpiresAt) {
			expired = append(expired, snap)
		}
	}
	for _, snap := range expired {
		m.removeLocked(snap)
	}
	m.mu.Unlock()

	for _, snap := range expired {
		if err := m.blobs.Delete(ctx, snap.StoragePath); err != nil {
			m.logger.Printf("⚠️  Expired snapshot %s blob delete failed: %v", snap.ID, err)
		}
	}
	if len(expired) > 0 {
		m.logger.Printf("Swept %d expired nightly snapshots", len(expired))
	}
	return len(expired)
}

// RunSweeper deletes expired nightly snapshots on an interval until ctx
// ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SweepExpired(ctx, time.Now())
		case <-ctx.Done():
			return
		}
	}
}
