package rotor

import (
	"errors"
	"testing"
	"time"
)

func TestRotationSchedulerAll(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"SchedulerDueTracking", TestSchedulerDueTracking},
		{"SchedulerPostponeAndExplicit", TestSchedulerPostponeAndExplicit},
		{"SchedulerUsageForcesRotation", TestSchedulerUsageForcesRotation},
		{"SchedulerTimingWindow", TestSchedulerTimingWindow},
		{"SchedulerTimingWindowWrapsMidnight", TestSchedulerTimingWindowWrapsMidnight},
		{"SchedulerTimingModes", TestSchedulerTimingModes},
		{"SchedulerSecurityEventForcesPurposes", TestSchedulerSecurityEventForcesPurposes},
		{"SchedulerEventHistoryCapped", TestSchedulerEventHistoryCapped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

// TestSchedulerDueTracking verifies policy installation, due detection
// and the post-rotation reschedule.
func TestSchedulerDueTracking(t *testing.T) {
	s := NewRotationScheduler()

	if s.IsRotationDue(PurposeData) {
		t.Errorf("Unknown purpose should not be due")
	}

	s.SetRotationPolicy(PurposeData, DefaultRotationPolicy())
	if s.IsRotationDue(PurposeData) {
		t.Errorf("Freshly scheduled purpose should not be due")
	}

	s.ForceRotation(PurposeData)
	if !s.IsRotationDue(PurposeData) {
		t.Errorf("Forced purpose should be due immediately")
	}

	s.UpdateNextRotation(PurposeData)
	if s.IsRotationDue(PurposeData) {
		t.Errorf("Purpose should not be due after reschedule")
	}
	if s.UsageCount(PurposeData) != 0 {
		t.Errorf("Reschedule should reset the usage counter")
	}
}

// TestSchedulerPostponeAndExplicit verifies postponement and explicit
// scheduling, including rejection of past times.
func TestSchedulerPostponeAndExplicit(t *testing.T) {
	s := NewRotationScheduler()
	s.SetRotationPolicy(PurposeSharing, DefaultRotationPolicy())

	before, _ := s.NextRotation(PurposeSharing)
	if err := s.PostponeRotation(PurposeSharing, 48*time.Hour); err != nil {
		t.Fatalf("Failed to postpone: %v", err)
	}
	after, _ := s.NextRotation(PurposeSharing)
	if after.Sub(before) != 48*time.Hour {
		t.Errorf("Postpone should shift by exactly 48h, got %v", after.Sub(before))
	}

	if err := s.PostponeRotation(PurposeSharing, -time.Hour); err == nil {
		t.Errorf("Negative postpone should be rejected")
	}
	if err := s.PostponeRotation(PurposeBackup, time.Hour); !errors.Is(err, ErrPurposeNotFound) {
		t.Errorf("Postponing an unknown purpose should return ErrPurposeNotFound, got %v", err)
	}

	if err := s.ScheduleRotationAt(PurposeSharing, time.Now().Add(-time.Minute)); !errors.Is(err, ErrScheduleInPast) {
		t.Errorf("Past schedule should return ErrScheduleInPast, got %v", err)
	}

	target := time.Now().Add(72 * time.Hour)
	if err := s.ScheduleRotationAt(PurposeSharing, target); err != nil {
		t.Fatalf("Failed to schedule explicit time: %v", err)
	}
	got, _ := s.NextRotation(PurposeSharing)
	if !got.Equal(target) {
		t.Errorf("Explicit schedule not honored: got %v, expected %v", got, target)
	}
}

// TestSchedulerUsageForcesRotation verifies crossing the usage limit
// makes the purpose due immediately.
func TestSchedulerUsageForcesRotation(t *testing.T) {
	s := NewRotationScheduler()
	policy := DefaultRotationPolicy()
	policy.MaxUsageCount = 5
	s.SetRotationPolicy(PurposeData, policy)

	for i := 0; i < 4; i++ {
		if s.TrackKeyUsage(PurposeData) {
			t.Fatalf("Usage %d should not yet force rotation", i+1)
		}
	}
	if !s.TrackKeyUsage(PurposeData) {
		t.Errorf("Fifth usage should force rotation")
	}
	if !s.IsRotationDue(PurposeData) {
		t.Errorf("Purpose should be due after hitting the usage limit")
	}
}

// TestSchedulerTimingWindow verifies the scheduled-timing hour window
func TestSchedulerTimingWindow(t *testing.T) {
	s := NewRotationScheduler()
	policy := DefaultRotationPolicy()
	policy.TimingPreference = TimingScheduled
	s.SetRotationPolicy(PurposeData, policy)

	prefs := DefaultUserRotationPreferences()
	prefs.PreferredHour = 12

	at := func(hour int) time.Time {
		return time.Date(2026, 8, 30, hour, 30, 0, 0, time.UTC)
	}

	if !s.IsRotationAllowedNow(PurposeData, at(12), prefs) {
		t.Errorf("Rotation at the preferred hour should be allowed")
	}
	if !s.IsRotationAllowedNow(PurposeData, at(10), prefs) {
		t.Errorf("Rotation 2h before the preferred hour should be allowed")
	}
	if !s.IsRotationAllowedNow(PurposeData, at(14), prefs) {
		t.Errorf("Rotation 2h after the preferred hour should be allowed")
	}
	if s.IsRotationAllowedNow(PurposeData, at(16), prefs) {
		t.Errorf("Rotation 4h after the preferred hour should not be allowed")
	}
}

// TestSchedulerTimingWindowWrapsMidnight verifies the window wraps the
// day boundary: preferred hour 1 admits 23:00 of the previous day.
func TestSchedulerTimingWindowWrapsMidnight(t *testing.T) {
	s := NewRotationScheduler()
	policy := DefaultRotationPolicy()
	policy.TimingPreference = TimingScheduled
	s.SetRotationPolicy(PurposeData, policy)

	prefs := DefaultUserRotationPreferences()
	prefs.PreferredHour = 1

	late := time.Date(2026, 8, 30, 23, 15, 0, 0, time.UTC)
	if !s.IsRotationAllowedNow(PurposeData, late, prefs) {
		t.Errorf("23:15 should fall in the window around a 01:00 preference")
	}

	midday := time.Date(2026, 8, 30, 13, 0, 0, 0, time.UTC)
	if s.IsRotationAllowedNow(PurposeData, midday, prefs) {
		t.Errorf("13:00 should not fall in the window around a 01:00 preference")
	}
}

// TestSchedulerTimingModes verifies the non-windowed timing preferences:
// background always runs, user-controlled never auto-runs, low-usage
// defers to the device activity signal.
func TestSchedulerTimingModes(t *testing.T) {
	s := NewRotationScheduler()
	prefs := DefaultUserRotationPreferences()
	now := time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)

	install := func(timing RotationTiming) {
		policy := DefaultRotationPolicy()
		policy.TimingPreference = timing
		s.SetRotationPolicy(PurposeData, policy)
	}

	install(TimingBackground)
	if !s.IsRotationAllowedNow(PurposeData, now, prefs) {
		t.Errorf("Background timing should always allow rotation")
	}

	install(TimingUserControlled)
	if s.IsRotationAllowedNow(PurposeData, now, prefs) {
		t.Errorf("User-controlled timing should never auto-allow rotation")
	}

	install(TimingLowUsage)
	if !s.IsRotationAllowedNow(PurposeData, now, prefs) {
		t.Errorf("Low-usage timing should allow rotation on an idle device")
	}
	s.SetDeviceActivity(true)
	if s.IsRotationAllowedNow(PurposeData, now, prefs) {
		t.Errorf("Low-usage timing should block rotation while the device is active")
	}
	s.SetDeviceActivity(false)
	if !s.IsRotationAllowedNow(PurposeData, now, prefs) {
		t.Errorf("Low-usage timing should allow rotation again once idle")
	}
}

// TestSchedulerSecurityEventForcesPurposes verifies only purposes whose
// policy lists the event type with emergency enabled get forced.
func TestSchedulerSecurityEventForcesPurposes(t *testing.T) {
	s := NewRotationScheduler()

	listening := DefaultRotationPolicy() // listens for device compromise
	s.SetRotationPolicy(PurposeData, listening)

	deaf := DefaultRotationPolicy()
	deaf.Triggers = nil
	s.SetRotationPolicy(PurposeSharing, deaf)

	disabled := DefaultRotationPolicy()
	disabled.EmergencyEnabled = false
	s.SetRotationPolicy(PurposeSync, disabled)

	event := NewSecurityEvent(EventDeviceCompromise, "tablet-3", 8, "malware detected")
	forced := s.ReportSecurityEvent(event)

	if len(forced) != 1 || forced[0] != PurposeData {
		t.Errorf("Only the data purpose should be forced, got %v", forced)
	}
	if !s.IsRotationDue(PurposeData) {
		t.Errorf("Forced purpose should be due")
	}
	if s.IsRotationDue(PurposeSharing) || s.IsRotationDue(PurposeSync) {
		t.Errorf("Purposes not listening for the event should be untouched")
	}
	if len(s.RecentSecurityEvents()) != 1 {
		t.Errorf("Event should appear in the history")
	}
}

// TestSchedulerEventHistoryCapped verifies the history never exceeds
// the tracking cap.
func TestSchedulerEventHistoryCapped(t *testing.T) {
	s := NewRotationScheduler()

	for i := 0; i < 150; i++ {
		s.ReportSecurityEvent(NewSecurityEvent(EventUnusualAccess, "d", 2, ""))
	}

	if n := len(s.RecentSecurityEvents()); n != 100 {
		t.Errorf("Event history should be capped at 100, got %d", n)
	}
}
