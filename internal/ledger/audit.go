package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// AuditLog is an append-only, hash-chained record of ledger mutations.
// Every grant and debit lands here best-effort; audit failures are never
// allowed to fail the money path.
type AuditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	// heads holds the running chain hash per tenant.
	heads map[string]string
}

type auditEntry struct {
	tenantID string
	line     string
	hash     string
}

func NewAuditLog() *AuditLog {
	return &AuditLog{heads: make(map[string]string)}
}

func auditHash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Record appends one mutation to the tenant's chain and returns the new
// chain head.
func (a *AuditLog) Record(tenantID, action, detail string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	line := fmt.Sprintf("[%s] %s: %s | %s", time.Now().UTC().Format(time.RFC3339), tenantID, action, detail)
	head := auditHash(a.heads[tenantID] + line)
	a.heads[tenantID] = head
	a.entries = append(a.entries, auditEntry{tenantID: tenantID, line: line, hash: head})
	return head
}

// Head returns the current chain hash for a tenant, empty if none.
func (a *AuditLog) Head(tenantID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heads[tenantID]
}

// Verify replays a tenant's entries and checks the chain terminates at the
// stored head.
func (a *AuditLog) Verify(tenantID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	head := ""
	for _, e := range a.entries {
		if e.tenantID != tenantID {
			continue
		}
		head = auditHash(head + e.line)
		if head != e.hash {
			return false
		}
	}
	return head == a.heads[tenantID]
}

// Entries returns the recorded lines for a tenant, oldest first.
func (a *AuditLog) Entries(tenantID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []string
	for _, e := range a.entries {
		if e.tenantID == tenantID {
			out = append(out, e.line)
		}
	}
	return out
}
