package fleet

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InstanceRegistry pairs each bot with the node currently hosting it. The
// node is empty while a bot is not deployed.
type InstanceRegistry struct {
	mu     sync.RWMutex
	byBot  map[string]string
	byNode map[string]map[string]bool
}

func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{
		byBot:  make(map[string]string),
		byNode: make(map[string]map[string]bool),
	}
}

// NodeFor returns the hosting node, or "" when undeployed.
func (r *InstanceRegistry) NodeFor(botID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byBot[botID]
}

// BotsOn lists the bots assigned to one node.
func (r *InstanceRegistry) BotsOn(nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byNode[nodeID]))
	for botID := range r.byNode[nodeID] {
		out = append(out, botID)
	}
	return out
}

// Assign moves the bot's instance record to nodeID. Empty nodeID marks it
// undeployed.
func (r *InstanceRegistry) Assign(botID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev := r.byBot[botID]; prev != "" {
		delete(r.byNode[prev], botID)
	}
	if nodeID == "" {
		delete(r.byBot, botID)
		return
	}
	r.byBot[botID] = nodeID
	if r.byNode[nodeID] == nil {
		r.byNode[nodeID] = make(map[string]bool)
	}
	r.byNode[nodeID][botID] = true
}

// Manager drives bot lifecycle. The profile is the authoritative intended
// state; node commands are best-effort and the profile wins any argument.
type Manager struct {
	store     *ProfileStore
	instances *InstanceRegistry
	bus       Dispatcher
	logger    *log.Logger
}

func NewManager(store *ProfileStore, instances *InstanceRegistry, bus Dispatcher) *Manager {
	return &Manager{
		store:     store,
		instances: instances,
		bus:       bus,
		logger:    log.New(log.Writer(), "[FLEET] ", log.LstdFlags),
	}
}

func (m *Manager) Instances() *InstanceRegistry { return m.instances }

// Create registers a new bot profile. The bot starts undeployed; Move
// places it on a node.
func (m *Manager) Create(profile *BotProfile) (*BotProfile, error) {
	if profile.ID == "" {
		profile.ID = uuid.New().String()
	}
	if profile.TenantID == "" {
		return nil, fmt.Errorf("profile requires a tenant id")
	}
	if profile.Env == nil {
		profile.Env = make(map[string]string)
	}
	now := time.Now().UTC()
	profile.CreatedAt = now
	profile.UpdatedAt = now
	if err := m.store.Save(profile); err != nil {
		return nil, err
	}
	m.logger.Printf("✅ Created bot %s (%s) for tenant %s", profile.Name, profile.ID, profile.TenantID)
	return profile, nil
}

// Get loads a profile.
func (m *Manager) Get(id string) (*BotProfile, error) {
	return m.store.Load(id)
}

// ListByTenant lists a tenant's bots.
func (m *Manager) ListByTenant(tenantID string) ([]*BotProfile, error) {
	return m.store.ListByTenant(tenantID)
}

// Update applies a patch to the profile, then tells the hosting node to
// recreate the container with the new environment. The store re-reads the
// profile under its lock before the patch runs, so concurrent updates of
// the same bot compose instead of clobbering. If the node acks a
// recreation failure the profile is rolled back to its pre-patch state
// before the error surfaces.
func (m *Manager) Update(ctx context.Context, id string, patch func(*BotProfile) error) (*BotProfile, DispatchResult, error) {
	var previous *BotProfile
	updated, err := m.store.Mutate(id, func(p *BotProfile) error {
		previous = p.clone()
		return patch(p)
	})
	if err != nil {
		return nil, DispatchResult{}, err
	}

	nodeID := m.instances.NodeFor(id)
	if nodeID == "" {
		return updated, DispatchResult{Dispatched: false, DispatchError: "bot not deployed"}, nil
	}

	result := m.bus.Dispatch(ctx, nodeID, Command{
		Type:  CommandRecreate,
		BotID: id,
		Image: updated.Image,
		Env:   updated.Env,
	})
	if result.NodeError != "" {
		if _, rbErr := m.store.Mutate(id, func(p *BotProfile) error {
			*p = *previous
			return nil
		}); rbErr != nil {
			m.logger.Printf("❌ Rollback of bot %s failed after recreate error: %v", id, rbErr)
		}
		return nil, result, fmt.Errorf("node %s failed to recreate bot %s: %s", nodeID, id, result.NodeError)
	}
	if !result.Dispatched {
		m.logger.Printf("⚠️  Bot %s updated but node %s unreachable: %s", id, nodeID, result.DispatchError)
	}
	return updated, result, nil
}

// Delete stops the container, then removes the profile record. The delete
// is observable only after both.
func (m *Manager) Delete(ctx context.Context, id string) (DispatchResult, error) {
	if _, err := m.store.Load(id); err != nil {
		return DispatchResult{}, err
	}

	var result DispatchResult
	if nodeID := m.instances.NodeFor(id); nodeID != "" {
		result = m.bus.Dispatch(ctx, nodeID, Command{Type: CommandStop, BotID: id})
		m.bus.Dispatch(ctx, nodeID, Command{Type: CommandRemove, BotID: id})
	}
	if err := m.store.Delete(id); err != nil {
		return result, err
	}
	m.instances.Assign(id, "")
	m.logger.Printf("Deleted bot %s", id)
	return result, nil
}

// Move reassigns a bot to targetNode: remove from the old node, record
// the new placement, recreate there.
func (m *Manager) Move(ctx context.Context, id, targetNode string) (DispatchResult, error) {
	profile, err := m.store.Load(id)
	if err != nil {
		return DispatchResult{}, err
	}

	if prev := m.instances.NodeFor(id); prev != "" && prev != targetNode {
		m.bus.Dispatch(ctx, prev, Command{Type: CommandStop, BotID: id})
		m.bus.Dispatch(ctx, prev, Command{Type: CommandRemove, BotID: id})
	}
	m.instances.Assign(id, targetNode)

	result := m.bus.Dispatch(ctx, targetNode, Command{
		Type:  CommandRecreate,
		BotID: id,
		Image: profile.Image,
		Env:   profile.Env,
	})
	m.logger.Printf("Moved bot %s to node %s (dispatched=%v)", id, targetNode, result.Dispatched)
	return result, nil
}
