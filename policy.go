package rotor

import (
	"time"

	"github.com/google/uuid"
)

// SecurityEvent is a reported or detected event that may force rotations
type SecurityEvent struct {
	ID          string            `json:"id"`
	Type        SecurityEventType `json:"type"`
	DeviceID    string            `json:"device_id,omitempty"`
	Severity    uint8             `json:"severity"`
	Timestamp   time.Time         `json:"timestamp"`
	Description string            `json:"description,omitempty"`
}

// NewSecurityEvent stamps a security event with an ID and the current time
func NewSecurityEvent(eventType SecurityEventType, deviceID string, severity uint8, description string) SecurityEvent {
	return SecurityEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		DeviceID:    deviceID,
		Severity:    severity,
		Timestamp:   time.Now().UTC(),
		Description: description,
	}
}

// RotationPolicy decides when a key is due for rotation
type RotationPolicy struct {
	IntervalDays     int                 `json:"interval_days"`
	MaxUsageCount    uint64              `json:"max_usage_count"`
	Triggers         []SecurityEventType `json:"triggers,omitempty"`
	EmergencyEnabled bool                `json:"emergency_enabled"`
	TimingPreference RotationTiming      `json:"timing_preference"`
}

// DefaultRotationPolicy rotates every 90 days or 10000 uses and responds
// to device compromise events.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		IntervalDays:     90,
		MaxUsageCount:    10000,
		Triggers:         []SecurityEventType{EventDeviceCompromise},
		EmergencyEnabled: true,
		TimingPreference: TimingScheduled,
	}
}

// ShouldTriggerRotation evaluates the policy against the current key age,
// usage count and an optional security event. A listed security event with
// emergency response enabled wins regardless of the trigger class.
func (p RotationPolicy) ShouldTriggerRotation(trigger RotationTrigger, event *SecurityEvent, keyAge time.Duration, usageCount uint64) bool {
	if event != nil && p.EmergencyEnabled && p.listsEventType(event.Type) {
		return true
	}

	switch trigger {
	case TriggerTimeBased:
		return keyAge >= time.Duration(p.IntervalDays)*24*time.Hour
	case TriggerUsageBased:
		// A zero limit means usage-based rotation is not configured
		return p.MaxUsageCount > 0 && usageCount >= p.MaxUsageCount
	case TriggerEventBased:
		return event != nil
	case TriggerManual:
		return false
	case TriggerEmergency:
		return true
	default:
		return false
	}
}

func (p RotationPolicy) listsEventType(eventType SecurityEventType) bool {
	for _, t := range p.Triggers {
		if t == eventType {
			return true
		}
	}
	return false
}

// UserRotationPreferences shape when automatic rotations actually run
type UserRotationPreferences struct {
	PreferredHour          int           `json:"preferred_hour"`
	AllowAutomatic         bool          `json:"allow_automatic"`
	PauseDuringActiveUsage bool          `json:"pause_during_active_usage"`
	NotificationAdvance    time.Duration `json:"notification_advance"`
}

// DefaultUserRotationPreferences prefers 3am rotations with a day's notice
func DefaultUserRotationPreferences() UserRotationPreferences {
	return UserRotationPreferences{
		PreferredHour:          3,
		AllowAutomatic:         true,
		PauseDuringActiveUsage: true,
		NotificationAdvance:    24 * time.Hour,
	}
}
