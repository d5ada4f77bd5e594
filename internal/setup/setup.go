// Package setup tracks short-lived guided plugin-setup sessions. A bot
// session walks a user through configuring one plugin; the session records
// progress so an interrupted setup can resume or roll back.
package setup

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

// maxErrors is the failure count at which a session rolls back on its own.
const maxErrors = 3

// Status is a session's lifecycle state. completed and rolled_back are
// terminal.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRolledBack Status = "rolled_back"
)

var (
	// ErrSessionNotFound maps to 404. Terminal sessions answer with it too:
	// once completed or rolled back, a session no longer accepts transitions.
	ErrSessionNotFound = errors.New("setup session not found")
	// ErrSetupInProgress maps to 409: one in-progress setup per bot session.
	ErrSetupInProgress = errors.New("a setup is already in progress for this session")
)

// Session is one guided plugin setup.
type Session struct {
	ID           string    `json:"id"`
	BotSessionID string    `json:"botSessionId"`
	PluginID     string    `json:"pluginId"`
	Status       Status    `json:"status"`
	ErrorCount   int       `json:"errorCount"`
	StartedAt    time.Time `json:"startedAt"`
}

// Store persists sessions. Implementations must enforce the single
// in-progress invariant atomically.
type Store interface {
	// Insert creates an in-progress session, failing with
	// ErrSetupInProgress when the bot session already has one.
	Insert(ctx context.Context, s *Session) error
	// GetInProgress returns the in-progress session by id, or
	// ErrSessionNotFound when missing or terminal.
	GetInProgress(ctx context.Context, id string) (*Session, error)
	// FindResumable returns the bot session's in-progress session, or nil.
	FindResumable(ctx context.Context, botSessionID string) (*Session, error)
	// Transition moves an in-progress session to a terminal status,
	// failing with ErrSessionNotFound when it is not in progress.
	Transition(ctx context.Context, id string, to Status) error
	// BumpErrors increments the error counter and returns the new count.
	BumpErrors(ctx context.Context, id string) (int, error)
}

// Manager applies the session state machine on top of a Store.
type Manager struct {
	store  Store
	logger *log.Logger
}

func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		logger: log.New(log.Writer(), "[SETUP] ", log.LstdFlags),
	}
}

// Start opens a setup session for one plugin.
func (m *Manager) Start(ctx context.Context, botSessionID, pluginID string) (*Session, error) {
	s := &Session{
		ID:           uuid.New().String(),
		BotSessionID: botSessionID,
		PluginID:     pluginID,
		Status:       StatusInProgress,
		StartedAt:    time.Now().UTC(),
	}
	if err := m.store.Insert(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Complete finishes the session. Terminal: later calls return
// ErrSessionNotFound.
func (m *Manager) Complete(ctx context.Context, id string) error {
	return m.store.Transition(ctx, id, StatusCompleted)
}

// Rollback abandons the session. Terminal like Complete.
func (m *Manager) Rollback(ctx context.Context, id string) error {
	return m.store.Transition(ctx, id, StatusRolledBack)
}

// RecordError notes one failure. The third failure rolls the session back
// automatically; the returned flag reports whether that happened.
func (m *Manager) RecordError(ctx context.Context, id string) (rolledBack bool, err error) {
	count, err := m.store.BumpErrors(ctx, id)
	if err != nil {
		return false, err
	}
	if count < maxErrors {
		return false, nil
	}
	if err := m.store.Transition(ctx, id, StatusRolledBack); err != nil {
		// Lost a race with an explicit transition; the session is terminal
		// either way.
		if errors.Is(err, ErrSessionNotFound) {
			return true, nil
		}
		return false, err
	}
	m.logger.Printf("⚠️  Setup session %s rolled back after %d errors", id, count)
	return true, nil
}

// CheckForResumable returns the bot session's in-progress setup, or nil.
func (m *Manager) CheckForResumable(ctx context.Context, botSessionID string) (*Session, error) {
	return m.store.FindResumable(ctx, botSessionID)
}

// Get returns an in-progress session by id.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.GetInProgress(ctx, id)
}
