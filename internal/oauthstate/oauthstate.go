// Package oauthstate holds the short-lived, single-use state records that
// coordinate the popup OAuth handshake.
package oauthstate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

const (
	// PendingTTL bounds how long the browser has to finish authorizing.
	PendingTTL = 10 * time.Minute
	// CompletedTTL bounds how long the tenant has to poll the token out.
	CompletedTTL = 5 * time.Minute
)

// PendingState is an initiated-but-unfinished handshake.
type PendingState struct {
	State       string    `json:"state"`
	Provider    string    `json:"provider"`
	UserID      string    `json:"user_id"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CompletedToken is an exchanged access token awaiting pickup by the
// initiating user.
type CompletedToken struct {
	State       string    `json:"state"`
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store is the one-shot state contract. Every consume operation is atomic
// return-with-delete; a second consume of the same state yields nothing.
type Store interface {
	CreatePending(ctx context.Context, p *PendingState) error
	// ConsumePending returns the record and deletes it, or nil when the
	// state is unknown or expired.
	ConsumePending(ctx context.Context, state string) (*PendingState, error)
	CompleteWithToken(ctx context.Context, state, accessToken, userID string) error
	// ConsumeCompleted returns the token and deletes it. A userID mismatch
	// returns empty without deleting; the token must not leak to another
	// user.
	ConsumeCompleted(ctx context.Context, state, userID string) (string, error)
	// PurgeExpired removes expired records, returning how many went.
	PurgeExpired(ctx context.Context) (int, error)
}

// NewState returns a 128-bit random hex token.
func NewState() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("oauthstate: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
