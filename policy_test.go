package rotor

import (
	"testing"
	"time"
)

func TestRotationPolicyAll(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"PolicyTimeBasedTrigger", TestPolicyTimeBasedTrigger},
		{"PolicyUsageBasedTrigger", TestPolicyUsageBasedTrigger},
		{"PolicyEmergencyOverridesTriggerClass", TestPolicyEmergencyOverridesTriggerClass},
		{"PolicyUnlistedEventDoesNotOverride", TestPolicyUnlistedEventDoesNotOverride},
		{"PolicyManualNeverAutomatic", TestPolicyManualNeverAutomatic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

// TestPolicyTimeBasedTrigger verifies rotation fires once the key age
// reaches the configured interval.
func TestPolicyTimeBasedTrigger(t *testing.T) {
	policy := DefaultRotationPolicy()

	young := 89 * 24 * time.Hour
	if policy.ShouldTriggerRotation(TriggerTimeBased, nil, young, 0) {
		t.Errorf("Key younger than the interval should not trigger rotation")
	}

	old := 90 * 24 * time.Hour
	if !policy.ShouldTriggerRotation(TriggerTimeBased, nil, old, 0) {
		t.Errorf("Key at the interval should trigger rotation")
	}
}

// TestPolicyUsageBasedTrigger verifies the usage count threshold
func TestPolicyUsageBasedTrigger(t *testing.T) {
	policy := DefaultRotationPolicy()

	if policy.ShouldTriggerRotation(TriggerUsageBased, nil, 0, 9999) {
		t.Errorf("Usage below the maximum should not trigger rotation")
	}
	if !policy.ShouldTriggerRotation(TriggerUsageBased, nil, 0, 10000) {
		t.Errorf("Usage at the maximum should trigger rotation")
	}

	// An unset limit disables usage-based rotation entirely
	var unlimited RotationPolicy
	if unlimited.ShouldTriggerRotation(TriggerUsageBased, nil, 0, 0) {
		t.Errorf("Zero usage limit should never trigger rotation")
	}
	if unlimited.ShouldTriggerRotation(TriggerUsageBased, nil, 0, 1<<20) {
		t.Errorf("Usage-based rotation should stay disabled without a limit")
	}
}

// TestPolicyEmergencyOverridesTriggerClass verifies that a listed
// security event with emergency response enabled forces rotation even
// when the evaluated trigger class alone would say no.
func TestPolicyEmergencyOverridesTriggerClass(t *testing.T) {
	policy := DefaultRotationPolicy()
	event := NewSecurityEvent(EventDeviceCompromise, "laptop-1", 9, "device reported stolen")

	// A brand-new key under a time-based check would normally not rotate
	if !policy.ShouldTriggerRotation(TriggerTimeBased, &event, time.Hour, 0) {
		t.Errorf("Listed event with emergency enabled should force rotation")
	}

	// Even a manual trigger class is overridden
	if !policy.ShouldTriggerRotation(TriggerManual, &event, 0, 0) {
		t.Errorf("Listed event should override the manual trigger class")
	}

	// With emergency response disabled the event no longer overrides
	policy.EmergencyEnabled = false
	if policy.ShouldTriggerRotation(TriggerTimeBased, &event, time.Hour, 0) {
		t.Errorf("Disabled emergency response should fall through to the trigger class")
	}
}

// TestPolicyUnlistedEventDoesNotOverride verifies only listed event
// types participate in the emergency override.
func TestPolicyUnlistedEventDoesNotOverride(t *testing.T) {
	policy := DefaultRotationPolicy()
	event := NewSecurityEvent(EventUnusualAccess, "phone-2", 4, "odd hours")

	if policy.ShouldTriggerRotation(TriggerTimeBased, &event, time.Hour, 0) {
		t.Errorf("Unlisted event type should not force rotation")
	}

	// The event-based trigger class still sees the event
	if !policy.ShouldTriggerRotation(TriggerEventBased, &event, 0, 0) {
		t.Errorf("Event-based trigger class should fire on any event")
	}
}

// TestPolicyManualNeverAutomatic verifies the manual trigger class never
// fires on its own and emergency always fires.
func TestPolicyManualNeverAutomatic(t *testing.T) {
	policy := DefaultRotationPolicy()

	if policy.ShouldTriggerRotation(TriggerManual, nil, 365*24*time.Hour, 1<<60) {
		t.Errorf("Manual trigger should never fire automatically")
	}
	if !policy.ShouldTriggerRotation(TriggerEmergency, nil, 0, 0) {
		t.Errorf("Emergency trigger should always fire")
	}
}
