package rotor

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/rotor/audit"
)

// AuditEntryType classifies trail entries
type AuditEntryType string

const (
	EntryRotationStarted   AuditEntryType = "rotation_started"
	EntryRotationCompleted AuditEntryType = "rotation_completed"
	EntryRotationFailed    AuditEntryType = "rotation_failed"
	EntryStatusChange      AuditEntryType = "status_change"
	EntryMigrationEvent    AuditEntryType = "migration_event"
	EntryEmergencyEvent    AuditEntryType = "emergency_event"
)

// AuditEntry is one hash-chained record in a key's trail. Each entry's
// hash covers its fields plus the previous entry's hash, so tampering
// with any entry breaks every later link.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Sequence  uint64                 `json:"sequence"`
	Type      AuditEntryType         `json:"type"`
	KeyID     string                 `json:"key_id"`
	Purpose   Purpose                `json:"purpose,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	PrevHash  []byte                 `json:"prev_hash,omitempty"`
	Hash      []byte                 `json:"hash"`
}

// ComplianceRule checks a trail and reports violations. Rules are
// evaluated newest-last over a key's entries.
type ComplianceRule struct {
	Name  string
	Check func(entries []AuditEntry) []string
}

// ComplianceResult is the outcome of evaluating all rules for a key
type ComplianceResult struct {
	KeyID      string    `json:"key_id"`
	Compliant  bool      `json:"compliant"`
	Violations []string  `json:"violations,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// TrailReport summarizes a key's audit history
type TrailReport struct {
	KeyID         string         `json:"key_id"`
	Entries       int            `json:"entries"`
	FirstEntry    *time.Time     `json:"first_entry,omitempty"`
	LastEntry     *time.Time     `json:"last_entry,omitempty"`
	CountsByType  map[string]int `json:"counts_by_type"`
	ChainVerified bool           `json:"chain_verified"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// AuditTrail keeps a tamper-evident, hash-chained history per key and
// mirrors every entry to an optional audit.Logger sink.
type AuditTrail struct {
	mu     sync.Mutex
	chains map[string][]AuditEntry
	rules  []ComplianceRule
	logger audit.Logger
	hash   func(parts ...[]byte) []byte
}

// NewAuditTrail builds a trail writing through to the given logger.
// A nil logger disables the sink; entries are still chained in memory.
func NewAuditTrail(logger audit.Logger) *AuditTrail {
	return &AuditTrail{
		chains: make(map[string][]AuditEntry),
		logger: logger,
		hash:   defaultChainHash,
	}
}

// SetHashFunc replaces the chaining hash. Intended for deployments that
// standardize on a different digest.
func (t *AuditTrail) SetHashFunc(hash func(parts ...[]byte) []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hash = hash
}

func defaultChainHash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// RecordRotationStarted logs the beginning of a rotation for a key
func (t *AuditTrail) RecordRotationStarted(keyID string, purpose Purpose, fromVersion, toVersion KeyVersion) {
	t.append(EntryRotationStarted, keyID, purpose, map[string]interface{}{
		"from_version": fromVersion.String(),
		"to_version":   toVersion.String(),
	})
}

// RecordRotationCompleted logs a successful rotation
func (t *AuditTrail) RecordRotationCompleted(keyID string, purpose Purpose, version KeyVersion) {
	t.append(EntryRotationCompleted, keyID, purpose, map[string]interface{}{
		"version": version.String(),
	})
}

// RecordRotationFailed logs a failed rotation with its cause
func (t *AuditTrail) RecordRotationFailed(keyID string, purpose Purpose, cause error) {
	metadata := map[string]interface{}{}
	if cause != nil {
		metadata["error"] = cause.Error()
	}
	t.append(EntryRotationFailed, keyID, purpose, metadata)
}

// RecordStatusChange logs one key lifecycle transition
func (t *AuditTrail) RecordStatusChange(keyID string, purpose Purpose, from, to KeyStatus) {
	t.append(EntryStatusChange, keyID, purpose, map[string]interface{}{
		"from_status": string(from),
		"to_status":   string(to),
	})
}

// RecordMigrationEvent logs a migration lifecycle event for a key
func (t *AuditTrail) RecordMigrationEvent(keyID string, purpose Purpose, action string, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["action"] = action
	t.append(EntryMigrationEvent, keyID, purpose, metadata)
}

// RecordEmergencyEvent logs an emergency response event. Emergency
// entries chain under the incident ID since they may span several keys.
func (t *AuditTrail) RecordEmergencyEvent(incidentID, action string, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["action"] = action
	t.append(EntryEmergencyEvent, incidentID, "", metadata)
}

func (t *AuditTrail) append(entryType AuditEntryType, keyID string, purpose Purpose, metadata map[string]interface{}) {
	t.mu.Lock()

	chain := t.chains[keyID]

	entry := AuditEntry{
		ID:        uuid.NewString(),
		Sequence:  uint64(len(chain)),
		Type:      entryType,
		KeyID:     keyID,
		Purpose:   purpose,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	if len(chain) > 0 {
		entry.PrevHash = chain[len(chain)-1].Hash
	}
	entry.Hash = t.entryHash(entry)

	t.chains[keyID] = append(chain, entry)
	logger := t.logger
	t.mu.Unlock()

	if logger != nil {
		logMeta := map[string]interface{}{
			"key_id":     keyID,
			"entry_id":   entry.ID,
			"entry_hash": hexHash(entry.Hash),
		}
		if purpose != "" {
			logMeta["purpose"] = string(purpose)
		}
		for k, v := range metadata {
			logMeta[k] = v
		}
		_ = logger.Log(string(entryType), true, logMeta)
	}
}

func (t *AuditTrail) entryHash(entry AuditEntry) []byte {
	material := fmt.Sprintf("%d|%s|%s|%s|%d",
		entry.Sequence, entry.Type, entry.KeyID, entry.Purpose, entry.Timestamp.UnixNano())
	parts := [][]byte{[]byte(material)}
	if entry.PrevHash != nil {
		parts = append(parts, entry.PrevHash)
	}
	for _, key := range sortedMetadataKeys(entry.Metadata) {
		parts = append(parts, []byte(fmt.Sprintf("%s=%v", key, entry.Metadata[key])))
	}
	return t.hash(parts...)
}

func sortedMetadataKeys(metadata map[string]interface{}) []string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns a copy of a key's trail in order
func (t *AuditTrail) Entries(keyID string) []AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	chain := t.chains[keyID]
	out := make([]AuditEntry, len(chain))
	copy(out, chain)
	return out
}

// VerifyIntegrity walks a key's chain recomputing every hash. Returns
// an error naming the first broken link.
func (t *AuditTrail) VerifyIntegrity(keyID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	chain := t.chains[keyID]
	var prevHash []byte
	for i, entry := range chain {
		if !bytesEqual(entry.PrevHash, prevHash) {
			return fmt.Errorf("audit chain for %s broken at sequence %d: previous hash mismatch", keyID, i)
		}
		recomputed := t.entryHash(entry)
		if !bytesEqual(recomputed, entry.Hash) {
			return fmt.Errorf("audit chain for %s broken at sequence %d: entry hash mismatch", keyID, i)
		}
		prevHash = entry.Hash
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AddComplianceRule registers a rule for CheckCompliance
func (t *AuditTrail) AddComplianceRule(rule ComplianceRule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, rule)
}

// CheckCompliance evaluates all registered rules over a key's trail
func (t *AuditTrail) CheckCompliance(keyID string) ComplianceResult {
	t.mu.Lock()
	chain := make([]AuditEntry, len(t.chains[keyID]))
	copy(chain, t.chains[keyID])
	rules := make([]ComplianceRule, len(t.rules))
	copy(rules, t.rules)
	t.mu.Unlock()

	result := ComplianceResult{
		KeyID:     keyID,
		Compliant: true,
		CheckedAt: time.Now().UTC(),
	}
	for _, rule := range rules {
		if rule.Check == nil {
			continue
		}
		if violations := rule.Check(chain); len(violations) > 0 {
			result.Compliant = false
			for _, v := range violations {
				result.Violations = append(result.Violations, fmt.Sprintf("%s: %s", rule.Name, v))
			}
		}
	}
	return result
}

// MaxRotationIntervalRule flags keys whose consecutive completed
// rotations are further apart than the given interval.
func MaxRotationIntervalRule(maxInterval time.Duration) ComplianceRule {
	return ComplianceRule{
		Name: "max_rotation_interval",
		Check: func(entries []AuditEntry) []string {
			var completions []time.Time
			for _, e := range entries {
				if e.Type == EntryRotationCompleted {
					completions = append(completions, e.Timestamp)
				}
			}
			var violations []string
			for i := 1; i < len(completions); i++ {
				gap := completions[i].Sub(completions[i-1])
				if gap > maxInterval {
					violations = append(violations,
						fmt.Sprintf("rotation gap of %s exceeds %s", gap, maxInterval))
				}
			}
			return violations
		},
	}
}

// Report summarizes a key's trail, including chain verification
func (t *AuditTrail) Report(keyID string) TrailReport {
	verified := t.VerifyIntegrity(keyID) == nil

	t.mu.Lock()
	defer t.mu.Unlock()

	chain := t.chains[keyID]
	report := TrailReport{
		KeyID:         keyID,
		Entries:       len(chain),
		CountsByType:  make(map[string]int),
		ChainVerified: verified,
		GeneratedAt:   time.Now().UTC(),
	}
	if len(chain) > 0 {
		first := chain[0].Timestamp
		last := chain[len(chain)-1].Timestamp
		report.FirstEntry = &first
		report.LastEntry = &last
	}
	for _, entry := range chain {
		report.CountsByType[string(entry.Type)]++
	}
	return report
}

// KeyIDs lists every key that has trail entries
func (t *AuditTrail) KeyIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.chains))
	for id := range t.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
