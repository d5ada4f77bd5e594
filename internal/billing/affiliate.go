package billing

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// AffiliateCode belongs to one tenant; referrals signing up with the code
// are recorded against it.
type AffiliateCode struct {
	Code      string    `json:"code"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Referral is one recorded signup attributed to a code.
type Referral struct {
	Code           string    `json:"code"`
	ReferredTenant string    `json:"referred_tenant"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// AffiliateManager keeps codes and referrals in memory.
type AffiliateManager struct {
	mu        sync.RWMutex
	codes     map[string]*AffiliateCode // code -> record
	byTenant  map[string]string         // tenant -> code
	referrals map[string][]Referral     // code -> referrals
}

func NewAffiliateManager() *AffiliateManager {
	return &AffiliateManager{
		codes:     make(map[string]*AffiliateCode),
		byTenant:  make(map[string]string),
		referrals: make(map[string][]Referral),
	}
}

func newAffiliateCode() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return "ref-" + hex.EncodeToString(buf)
}

// CodeFor returns the tenant's affiliate code, minting one on first use.
func (m *AffiliateManager) CodeFor(tenantID string) *AffiliateCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code, ok := m.byTenant[tenantID]; ok {
		return m.codes[code]
	}
	record := &AffiliateCode{Code: newAffiliateCode(), TenantID: tenantID, CreatedAt: time.Now().UTC()}
	m.codes[record.Code] = record
	m.byTenant[tenantID] = record.Code
	return record
}

// RecordReferral attributes a signup to a code, reporting whether the code
// exists. Self-referrals are rejected.
func (m *AffiliateManager) RecordReferral(code, referredTenant string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.codes[code]
	if !ok || record.TenantID == referredTenant {
		return false
	}
	m.referrals[code] = append(m.referrals[code], Referral{
		Code:           code,
		ReferredTenant: referredTenant,
		RecordedAt:     time.Now().UTC(),
	})
	return true
}

// Referrals lists the signups attributed to a tenant's code.
func (m *AffiliateManager) Referrals(tenantID string) []Referral {
	m.mu.RLock()
	defer m.mu.RUnlock()
	code, ok := m.byTenant[tenantID]
	if !ok {
		return nil
	}
	out := make([]Referral, len(m.referrals[code]))
	copy(out, m.referrals[code])
	return out
}

// HandleGetCode returns (minting if needed) the caller's affiliate code and
// referral list.
func (m *AffiliateManager) HandleGetCode(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":      m.CodeFor(tenantID),
		"referrals": m.Referrals(tenantID),
	})
}

type referralRequest struct {
	Code           string `json:"code"`
	ReferredTenant string `json:"referredTenant"`
}

// HandleRecordReferral records a signup against a code.
func (m *AffiliateManager) HandleRecordReferral(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireTenant(w, r); !ok {
		return
	}
	var req referralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" || req.ReferredTenant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "code and referredTenant are required"})
		return
	}
	if !m.RecordReferral(req.Code, req.ReferredTenant) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "unknown code"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"recorded": true})
}
