package rotor

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProtocolState is the phase of a commit-reveal-verify session
type ProtocolState string

const (
	ProtocolInitialized       ProtocolState = "initialized"
	ProtocolCommitmentPhase   ProtocolState = "commitment_phase"
	ProtocolRevealPhase       ProtocolState = "reveal_phase"
	ProtocolVerificationPhase ProtocolState = "verification_phase"
	ProtocolCompleted         ProtocolState = "completed"
	ProtocolFailed            ProtocolState = "failed"
)

// CoordinationState summarizes the fleet-level outcome of a session
type CoordinationState string

const (
	CoordinationPending            CoordinationState = "pending"
	CoordinationInProgress         CoordinationState = "in_progress"
	CoordinationConflictResolution CoordinationState = "conflict_resolution"
	CoordinationSynchronized       CoordinationState = "synchronized"
	CoordinationFailed             CoordinationState = "failed"
)

// ConflictType classifies sync conflicts between devices
type ConflictType string

const (
	ConflictConcurrentRotation ConflictType = "concurrent_rotation"
	ConflictVersionMismatch    ConflictType = "version_mismatch"
	ConflictStaleCommitment    ConflictType = "stale_commitment"
	ConflictTimingDisagreement ConflictType = "timing_disagreement"
	ConflictDeviceState        ConflictType = "device_state"
	ConflictKeyVersion         ConflictType = "key_version"
)

// ResolutionStrategy selects how a conflict is settled
type ResolutionStrategy string

const (
	ResolveMostRecentWins ResolutionStrategy = "most_recent_wins"
	ResolveDevicePriority ResolutionStrategy = "device_priority"
	ResolveUserDecision   ResolutionStrategy = "user_decision"
	ResolveSafestOption   ResolutionStrategy = "safest_option"
	ResolveRollback       ResolutionStrategy = "rollback"
)

// defaultPhaseTimeout bounds how long a session may sit in one phase
const defaultPhaseTimeout = 10 * time.Minute

// DeviceCommitment is a device's hash commitment to its rotation proof
type DeviceCommitment struct {
	DeviceID       string    `json:"device_id"`
	CommitmentHash []byte    `json:"commitment_hash"`
	Nonce          []byte    `json:"nonce"`
	Timestamp      time.Time `json:"timestamp"`
}

// DeviceReveal opens a commitment with the underlying rotation proof
type DeviceReveal struct {
	DeviceID            string    `json:"device_id"`
	RotationProof       []byte    `json:"rotation_proof"`
	IntegrityHash       []byte    `json:"integrity_hash"`
	CompletionTimestamp time.Time `json:"completion_timestamp"`
}

// VerificationProof is issued per device once its reveal checks out
type VerificationProof struct {
	DeviceID         string    `json:"device_id"`
	VerificationHash []byte    `json:"verification_hash"`
	Signature        []byte    `json:"signature"`
	VerifiedAt       time.Time `json:"verified_at"`
}

// SyncOperation is a queued operation for an offline device
type SyncOperation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
}

// OfflineDevice holds pending operations for a device that dropped out
type OfflineDevice struct {
	DeviceID string             `json:"device_id"`
	Since    time.Time          `json:"since"`
	Pending  []SyncOperation    `json:"pending,omitempty"`
	Strategy ResolutionStrategy `json:"strategy"`
}

// SyncConflict records a detected conflict between two devices
type SyncConflict struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"session_id"`
	DeviceA    string             `json:"device_a"`
	DeviceB    string             `json:"device_b"`
	Type       ConflictType       `json:"type"`
	DetectedAt time.Time          `json:"detected_at"`
	Resolved   bool               `json:"resolved"`
	Resolution ResolutionStrategy `json:"resolution,omitempty"`
	Winner     string             `json:"winner,omitempty"`
}

// SyncResult reports the outcome of a completed session
type SyncResult struct {
	SessionID      string                       `json:"session_id"`
	Purpose        Purpose                      `json:"purpose"`
	State          ProtocolState                `json:"state"`
	Coordination   CoordinationState            `json:"coordination"`
	VerifiedProofs map[string]VerificationProof `json:"verified_proofs,omitempty"`
	OfflineDevices []string                     `json:"offline_devices,omitempty"`
	CompletedAt    *time.Time                   `json:"completed_at,omitempty"`
}

// CrossDeviceSyncStatus is the external view of a session in progress
type CrossDeviceSyncStatus struct {
	SessionID        string            `json:"session_id"`
	Purpose          Purpose           `json:"purpose"`
	State            ProtocolState     `json:"state"`
	Coordination     CoordinationState `json:"coordination"`
	TotalDevices     int               `json:"total_devices"`
	CommittedDevices int               `json:"committed_devices"`
	RevealedDevices  int               `json:"revealed_devices"`
	VerifiedDevices  int               `json:"verified_devices"`
	OfflineDevices   []string          `json:"offline_devices,omitempty"`
	Deadline         time.Time         `json:"deadline"`
}

type deviceSyncState struct {
	commitment *DeviceCommitment
	reveal     *DeviceReveal
	proof      *VerificationProof
}

// SyncSession is one commit-reveal-verify round across a device fleet
type SyncSession struct {
	ID           string
	Purpose      Purpose
	State        ProtocolState
	Coordination CoordinationState
	CreatedAt    time.Time
	Deadline     time.Time
	devices      map[string]*deviceSyncState
	conflicts    []SyncConflict
}

// SyncCoordinator runs commit-reveal-verify rotation synchronization.
// It is a message-driven state machine: the host feeds it commitments
// and reveals as they arrive, and no call blocks on the network.
type SyncCoordinator struct {
	mu           sync.Mutex
	sessions     map[string]*SyncSession
	offline      map[string]*OfflineDevice
	priorities   map[string]int
	hash         func(parts ...[]byte) []byte
	sign         func(data []byte) []byte
	phaseTimeout time.Duration
}

// NewSyncCoordinator builds a coordinator around the engine's hash
// primitive. The signature hook may be nil, in which case proofs carry
// a hash-based tag instead of a real signature.
func NewSyncCoordinator(engine Engine) *SyncCoordinator {
	hash := func(parts ...[]byte) []byte { return engine.Hash(parts...) }
	return &SyncCoordinator{
		sessions:     make(map[string]*SyncSession),
		offline:      make(map[string]*OfflineDevice),
		priorities:   make(map[string]int),
		hash:         hash,
		sign:         func(data []byte) []byte { return hash([]byte("sig"), data) },
		phaseTimeout: defaultPhaseTimeout,
	}
}

// SetSigner installs a real signature hook
func (sc *SyncCoordinator) SetSigner(sign func(data []byte) []byte) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.sign = sign
}

// SetDevicePriority assigns a priority used by the device-priority
// conflict resolution strategy. Higher values win.
func (sc *SyncCoordinator) SetDevicePriority(deviceID string, priority int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.priorities[deviceID] = priority
}

// BeginRotationSync opens a session covering the given devices
func (sc *SyncCoordinator) BeginRotationSync(purpose Purpose, deviceIDs []string) (*SyncSession, error) {
	if len(deviceIDs) == 0 {
		return nil, fmt.Errorf("at least one device is required")
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := time.Now().UTC()
	session := &SyncSession{
		ID:           uuid.NewString(),
		Purpose:      purpose,
		State:        ProtocolInitialized,
		Coordination: CoordinationPending,
		CreatedAt:    now,
		Deadline:     now.Add(sc.phaseTimeout),
		devices:      make(map[string]*deviceSyncState, len(deviceIDs)),
	}
	for _, id := range deviceIDs {
		session.devices[id] = &deviceSyncState{}
	}

	sc.sessions[session.ID] = session
	return session, nil
}

// SubmitCommitment records a device's commitment hash. When every online
// device has committed the session advances to the reveal phase.
func (sc *SyncCoordinator) SubmitCommitment(sessionID, deviceID string, commitmentHash, nonce []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	session, err := sc.session(sessionID)
	if err != nil {
		return err
	}
	if session.State != ProtocolInitialized && session.State != ProtocolCommitmentPhase {
		return fmt.Errorf("session %s is not accepting commitments in state %s", sessionID, session.State)
	}

	state, ok := session.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s in session %s", ErrDeviceNotFound, deviceID, sessionID)
	}
	if len(commitmentHash) == 0 || len(nonce) == 0 {
		return fmt.Errorf("commitment hash and nonce are required")
	}

	state.commitment = &DeviceCommitment{
		DeviceID:       deviceID,
		CommitmentHash: append([]byte(nil), commitmentHash...),
		Nonce:          append([]byte(nil), nonce...),
		Timestamp:      time.Now().UTC(),
	}

	session.State = ProtocolCommitmentPhase
	session.Coordination = CoordinationInProgress

	if sc.allOnlineCommitted(session) {
		session.State = ProtocolRevealPhase
		session.Deadline = time.Now().UTC().Add(sc.phaseTimeout)
	}
	return nil
}

// SubmitReveal opens a device's commitment. A reveal whose recomputed
// hash does not match the stored commitment is rejected for that device
// only; the session stays in the reveal phase and the device may submit
// a correct reveal.
func (sc *SyncCoordinator) SubmitReveal(sessionID, deviceID string, rotationProof, integrityHash []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	session, err := sc.session(sessionID)
	if err != nil {
		return err
	}
	if session.State != ProtocolRevealPhase {
		return fmt.Errorf("session %s is not accepting reveals in state %s", sessionID, session.State)
	}

	state, ok := session.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s in session %s", ErrDeviceNotFound, deviceID, sessionID)
	}
	if state.commitment == nil {
		return fmt.Errorf("device %s has no commitment to reveal", deviceID)
	}

	recomputed := sc.hash(rotationProof, state.commitment.Nonce)
	if !bytes.Equal(recomputed, state.commitment.CommitmentHash) {
		return fmt.Errorf("%w: device %s", ErrCommitmentMismatch, deviceID)
	}

	state.reveal = &DeviceReveal{
		DeviceID:            deviceID,
		RotationProof:       append([]byte(nil), rotationProof...),
		IntegrityHash:       append([]byte(nil), integrityHash...),
		CompletionTimestamp: time.Now().UTC(),
	}

	if sc.allOnlineRevealed(session) {
		session.State = ProtocolVerificationPhase
		session.Deadline = time.Now().UTC().Add(sc.phaseTimeout)
	}
	return nil
}

// VerifyDevices produces a verification proof for every revealed device
// and completes the session.
func (sc *SyncCoordinator) VerifyDevices(sessionID string) (*SyncResult, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	session, err := sc.session(sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != ProtocolVerificationPhase {
		return nil, fmt.Errorf("session %s is not in verification phase (state %s)", sessionID, session.State)
	}

	now := time.Now().UTC()
	proofs := make(map[string]VerificationProof)

	for deviceID, state := range session.devices {
		if state.reveal == nil {
			// Offline devices verify later via delayed sync
			continue
		}

		verificationHash := sc.hash([]byte(sessionID), []byte(deviceID), state.reveal.RotationProof)
		proof := VerificationProof{
			DeviceID:         deviceID,
			VerificationHash: verificationHash,
			Signature:        sc.sign(verificationHash),
			VerifiedAt:       now,
		}
		state.proof = &proof
		proofs[deviceID] = proof
	}

	session.State = ProtocolCompleted
	session.Coordination = CoordinationSynchronized

	result := &SyncResult{
		SessionID:      session.ID,
		Purpose:        session.Purpose,
		State:          session.State,
		Coordination:   session.Coordination,
		VerifiedProofs: proofs,
		OfflineDevices: sc.offlineIn(session),
		CompletedAt:    &now,
	}
	return result, nil
}

// MarkOffline registers a device as offline so sessions can complete
// without it; subsequent operations for it are queued.
func (sc *SyncCoordinator) MarkOffline(deviceID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if _, ok := sc.offline[deviceID]; !ok {
		sc.offline[deviceID] = &OfflineDevice{
			DeviceID: deviceID,
			Since:    time.Now().UTC(),
			Strategy: ResolveMostRecentWins,
		}
	}
}

// QueueOperation appends an operation for an offline device
func (sc *SyncCoordinator) QueueOperation(deviceID, sessionID, kind string, payload []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	device, ok := sc.offline[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s is not marked offline", ErrDeviceNotFound, deviceID)
	}

	device.Pending = append(device.Pending, SyncOperation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Payload:   append([]byte(nil), payload...),
		QueuedAt:  time.Now().UTC(),
	})
	return nil
}

// ProcessDelayedSync replays queued operations for a device that came
// back online and clears its offline record. Returns the drained
// operations for the host to apply.
func (sc *SyncCoordinator) ProcessDelayedSync(deviceID string) ([]SyncOperation, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	device, ok := sc.offline[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not marked offline", ErrDeviceNotFound, deviceID)
	}

	pending := device.Pending
	delete(sc.offline, deviceID)
	return pending, nil
}

// DetectConflict records a conflict between two devices in a session
func (sc *SyncCoordinator) DetectConflict(sessionID, deviceA, deviceB string, conflictType ConflictType) (*SyncConflict, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	session, err := sc.session(sessionID)
	if err != nil {
		return nil, err
	}

	conflict := SyncConflict{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		DeviceA:    deviceA,
		DeviceB:    deviceB,
		Type:       conflictType,
		DetectedAt: time.Now().UTC(),
	}
	session.conflicts = append(session.conflicts, conflict)
	if session.State != ProtocolCompleted && session.State != ProtocolFailed {
		session.Coordination = CoordinationConflictResolution
	}
	return &conflict, nil
}

// ResolveConflict settles a conflict with the given strategy.
// MostRecentWins picks the device with the later commitment timestamp,
// DevicePriority the device with the higher assigned priority,
// SafestOption keeps the established state (earlier commitment),
// Rollback abandons the session, and UserDecision leaves the conflict
// open for the host to settle out of band.
func (sc *SyncCoordinator) ResolveConflict(sessionID, conflictID string, strategy ResolutionStrategy) (*SyncConflict, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	session, err := sc.session(sessionID)
	if err != nil {
		return nil, err
	}

	for i := range session.conflicts {
		conflict := &session.conflicts[i]
		if conflict.ID != conflictID {
			continue
		}

		switch strategy {
		case ResolveMostRecentWins:
			conflict.Winner = sc.mostRecent(session, conflict.DeviceA, conflict.DeviceB)
		case ResolveDevicePriority:
			conflict.Winner = sc.byPriority(session, conflict.DeviceA, conflict.DeviceB)
		case ResolveSafestOption:
			// the later commitment is the disruptive one, keep the earlier
			later := sc.mostRecent(session, conflict.DeviceA, conflict.DeviceB)
			if later == conflict.DeviceA {
				conflict.Winner = conflict.DeviceB
			} else {
				conflict.Winner = conflict.DeviceA
			}
		case ResolveRollback:
			session.State = ProtocolFailed
			session.Coordination = CoordinationFailed
		case ResolveUserDecision:
			// Host decides; leave winner empty
		default:
			return nil, fmt.Errorf("unsupported resolution strategy: %s", strategy)
		}

		conflict.Resolved = strategy != ResolveUserDecision
		conflict.Resolution = strategy

		if conflict.Resolved && session.State != ProtocolFailed &&
			session.State != ProtocolCompleted && sc.allConflictsResolved(session) {
			session.Coordination = CoordinationInProgress
		}

		out := *conflict
		return &out, nil
	}

	return nil, fmt.Errorf("conflict %s not found in session %s", conflictID, sessionID)
}

// Status reports the current session progress
func (sc *SyncCoordinator) Status(sessionID string) (*CrossDeviceSyncStatus, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	session, err := sc.session(sessionID)
	if err != nil {
		return nil, err
	}

	status := &CrossDeviceSyncStatus{
		SessionID:      session.ID,
		Purpose:        session.Purpose,
		State:          session.State,
		Coordination:   session.Coordination,
		TotalDevices:   len(session.devices),
		OfflineDevices: sc.offlineIn(session),
		Deadline:       session.Deadline,
	}
	for _, state := range session.devices {
		if state.commitment != nil {
			status.CommittedDevices++
		}
		if state.reveal != nil {
			status.RevealedDevices++
		}
		if state.proof != nil {
			status.VerifiedDevices++
		}
	}
	return status, nil
}

// ExpireStalled fails sessions whose phase deadline has passed. Returns
// the IDs of sessions that were failed.
func (sc *SyncCoordinator) ExpireStalled(now time.Time) []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	var expired []string
	for id, session := range sc.sessions {
		if session.State == ProtocolCompleted || session.State == ProtocolFailed {
			continue
		}
		if now.After(session.Deadline) {
			session.State = ProtocolFailed
			session.Coordination = CoordinationFailed
			expired = append(expired, id)
		}
	}
	return expired
}

// CommitmentHashFor computes the commitment hash a device should submit
// for a proof and nonce. Exposed so devices and the coordinator share
// one primitive.
func (sc *SyncCoordinator) CommitmentHashFor(rotationProof, nonce []byte) []byte {
	return sc.hash(rotationProof, nonce)
}

func (sc *SyncCoordinator) session(sessionID string) (*SyncSession, error) {
	session, ok := sc.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

func (sc *SyncCoordinator) allOnlineCommitted(session *SyncSession) bool {
	for deviceID, state := range session.devices {
		if _, offline := sc.offline[deviceID]; offline {
			continue
		}
		if state.commitment == nil {
			return false
		}
	}
	return true
}

func (sc *SyncCoordinator) allOnlineRevealed(session *SyncSession) bool {
	for deviceID, state := range session.devices {
		if _, offline := sc.offline[deviceID]; offline {
			continue
		}
		if state.reveal == nil {
			return false
		}
	}
	return true
}

func (sc *SyncCoordinator) offlineIn(session *SyncSession) []string {
	var out []string
	for deviceID := range session.devices {
		if _, offline := sc.offline[deviceID]; offline {
			out = append(out, deviceID)
		}
	}
	return out
}

func (sc *SyncCoordinator) byPriority(session *SyncSession, deviceA, deviceB string) string {
	pa, pb := sc.priorities[deviceA], sc.priorities[deviceB]
	if pa > pb {
		return deviceA
	}
	if pb > pa {
		return deviceB
	}
	return sc.mostRecent(session, deviceA, deviceB)
}

func (sc *SyncCoordinator) allConflictsResolved(session *SyncSession) bool {
	for i := range session.conflicts {
		if !session.conflicts[i].Resolved {
			return false
		}
	}
	return true
}

func (sc *SyncCoordinator) mostRecent(session *SyncSession, deviceA, deviceB string) string {
	a, okA := session.devices[deviceA]
	b, okB := session.devices[deviceB]
	if !okA || a.commitment == nil {
		return deviceB
	}
	if !okB || b.commitment == nil {
		return deviceA
	}
	if a.commitment.Timestamp.After(b.commitment.Timestamp) {
		return deviceA
	}
	return deviceB
}

// hexHash is a small helper for logging hashes in audit metadata
func hexHash(h []byte) string {
	return hex.EncodeToString(h)
}
