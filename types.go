package rotor

import "errors"

// Purpose identifies an independent key lineage. Each purpose rotates on
// its own schedule and owns its own version history.
type Purpose string

const (
	PurposeData    Purpose = "data"
	PurposeSharing Purpose = "sharing"
	PurposeSync    Purpose = "sync"
	PurposeBackup  Purpose = "backup"
	PurposeAudit   Purpose = "audit"
)

// KeyStatus is the lifecycle state of a versioned key
type KeyStatus string

const (
	KeyStatusActive     KeyStatus = "active"
	KeyStatusDeprecated KeyStatus = "deprecated"
	KeyStatusMigrating  KeyStatus = "migrating"
	KeyStatusRevoked    KeyStatus = "revoked"
	KeyStatusExpired    KeyStatus = "expired"
)

// SecurityEventType classifies detected or reported security events
type SecurityEventType string

const (
	EventDeviceCompromise     SecurityEventType = "device_compromise"
	EventFailedAuthentication SecurityEventType = "failed_authentication_attempts"
	EventUnusualAccess        SecurityEventType = "unusual_access_patterns"
	EventSuspiciousDevice     SecurityEventType = "suspicious_device_activity"
	EventDataBreach           SecurityEventType = "potential_data_breach"
	EventKeyExposure          SecurityEventType = "key_exposure_risk"
	EventSystemIntrusion      SecurityEventType = "system_intrusion"
)

// RotationTrigger selects the condition class that initiates a rotation
type RotationTrigger string

const (
	TriggerTimeBased  RotationTrigger = "time_based"
	TriggerUsageBased RotationTrigger = "usage_based"
	TriggerEventBased RotationTrigger = "event_based"
	TriggerManual     RotationTrigger = "manual"
	TriggerEmergency  RotationTrigger = "emergency"
)

// RotationTiming controls when a due rotation may actually run
type RotationTiming string

const (
	TimingImmediate       RotationTiming = "immediate"
	TimingLowUsage        RotationTiming = "low_usage"
	TimingScheduled       RotationTiming = "scheduled"
	TimingUserControlled  RotationTiming = "user_controlled"
	TimingBackground      RotationTiming = "background"
	TimingNextMaintenance RotationTiming = "next_maintenance"
)

var (
	ErrMigrationInProgress   = errors.New("migration already in progress")
	ErrNoMigrationInProgress = errors.New("no migration in progress")
	ErrKeyNotFound           = errors.New("key not found")
	ErrPurposeNotFound       = errors.New("purpose not found")
	ErrKeyDestroyed          = errors.New("key material has been destroyed")
	ErrInvalidTransition     = errors.New("invalid key status transition")
	ErrRollbackUnsafe        = errors.New("rollback is not safe")
	ErrScheduleInPast        = errors.New("scheduled time is in the past")
	ErrRotationNotAllowed    = errors.New("rotation not allowed at this time")
	ErrDeviceCapacity        = errors.New("maximum device limit reached")
	ErrPairingExpired        = errors.New("pairing request expired")
	ErrDeviceNotFound        = errors.New("device not found")
	ErrSessionNotFound       = errors.New("sync session not found")
	ErrCommitmentMismatch    = errors.New("reveal does not match commitment")
	ErrCheckpointCorrupt     = errors.New("checkpoint integrity check failed")
	ErrIncidentNotFound      = errors.New("incident not found")
	ErrResponseIncomplete    = errors.New("emergency response is not complete")
	ErrDeviceInvalidated     = errors.New("device access permanently invalidated")
	ErrManagerClosed         = errors.New("rotation manager is closed")
)
