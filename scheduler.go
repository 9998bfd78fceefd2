package rotor

import (
	"fmt"
	"sync"
	"time"

	"southwinds.dev/rotor/internal/misc"
)

// scheduledWindowHours is the tolerance around the preferred hour within
// which a scheduled rotation may run.
const scheduledWindowHours = 2

type purposeSchedule struct {
	policy       RotationPolicy
	nextRotation time.Time
	usageCount   uint64
}

// RotationScheduler tracks per-purpose rotation due times, usage counts
// and recent security events.
type RotationScheduler struct {
	mu           sync.RWMutex
	schedules    map[Purpose]*purposeSchedule
	events       []SecurityEvent
	deviceActive bool
}

// NewRotationScheduler returns an empty scheduler
func NewRotationScheduler() *RotationScheduler {
	return &RotationScheduler{
		schedules: make(map[Purpose]*purposeSchedule),
	}
}

// SetRotationPolicy installs a policy for a purpose and computes the next
// rotation time from now.
func (s *RotationScheduler) SetRotationPolicy(purpose Purpose, policy RotationPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules[purpose] = &purposeSchedule{
		policy:       policy,
		nextRotation: time.Now().Add(time.Duration(policy.IntervalDays) * 24 * time.Hour),
	}
}

// Policy returns the installed policy for a purpose
func (s *RotationScheduler) Policy(purpose Purpose) (RotationPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[purpose]
	if !ok {
		return RotationPolicy{}, false
	}
	return sched.policy, true
}

// IsRotationDue reports whether the purpose's next rotation time has passed
func (s *RotationScheduler) IsRotationDue(purpose Purpose) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[purpose]
	if !ok {
		return false
	}
	return !time.Now().Before(sched.nextRotation)
}

// ForceRotation makes the purpose immediately due
func (s *RotationScheduler) ForceRotation(purpose Purpose) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched := s.ensureSchedule(purpose)
	sched.nextRotation = time.Now()
}

// UpdateNextRotation advances the next rotation per the installed policy,
// typically called after a rotation completes.
func (s *RotationScheduler) UpdateNextRotation(purpose Purpose) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched := s.ensureSchedule(purpose)
	sched.nextRotation = time.Now().Add(time.Duration(sched.policy.IntervalDays) * 24 * time.Hour)
	sched.usageCount = 0
}

// PostponeRotation pushes the next rotation out by the given duration
func (s *RotationScheduler) PostponeRotation(purpose Purpose, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("postpone duration must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[purpose]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPurposeNotFound, purpose)
	}
	sched.nextRotation = sched.nextRotation.Add(d)
	return nil
}

// ScheduleRotationAt sets an explicit next rotation time, rejecting the past
func (s *RotationScheduler) ScheduleRotationAt(purpose Purpose, t time.Time) error {
	if t.Before(time.Now()) {
		return ErrScheduleInPast
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sched := s.ensureSchedule(purpose)
	sched.nextRotation = t
	return nil
}

// ScheduleRotationWithPreferences sets the next rotation aligned to the
// user's preferred hour on or after the requested time.
func (s *RotationScheduler) ScheduleRotationWithPreferences(purpose Purpose, earliest time.Time, prefs UserRotationPreferences) (time.Time, error) {
	if earliest.Before(time.Now()) {
		earliest = time.Now()
	}

	slot := time.Date(earliest.Year(), earliest.Month(), earliest.Day(),
		prefs.PreferredHour, 0, 0, 0, earliest.Location())
	if slot.Before(earliest) {
		slot = slot.Add(24 * time.Hour)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sched := s.ensureSchedule(purpose)
	sched.nextRotation = slot
	return slot, nil
}

// NextRotation returns the scheduled time for a purpose
func (s *RotationScheduler) NextRotation(purpose Purpose) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[purpose]
	if !ok {
		return time.Time{}, false
	}
	return sched.nextRotation, true
}

// CleanupExpiredSchedules drops schedules whose due time passed more than
// 30 days ago without a rotation. Returns the number removed.
func (s *RotationScheduler) CleanupExpiredSchedules() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	removed := 0
	for purpose, sched := range s.schedules {
		if sched.nextRotation.Before(cutoff) {
			delete(s.schedules, purpose)
			removed++
		}
	}
	return removed
}

// TrackKeyUsage increments the purpose's usage counter. Returns true when
// the count reaches the policy's maximum, forcing a rotation.
func (s *RotationScheduler) TrackKeyUsage(purpose Purpose) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched := s.ensureSchedule(purpose)
	sched.usageCount++

	if sched.policy.MaxUsageCount > 0 && sched.usageCount >= sched.policy.MaxUsageCount {
		sched.nextRotation = time.Now()
		return true
	}
	return false
}

// UsageCount returns the tracked usage for a purpose
func (s *RotationScheduler) UsageCount(purpose Purpose) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sched, ok := s.schedules[purpose]; ok {
		return sched.usageCount
	}
	return 0
}

// ResetUsage zeroes the tracked usage for a purpose
func (s *RotationScheduler) ResetUsage(purpose Purpose) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sched, ok := s.schedules[purpose]; ok {
		sched.usageCount = 0
	}
}

// IsRotationAllowedNow applies the purpose's timing preference and user
// preferences to the given time. Scheduled timing allows a window of
// scheduledWindowHours around the preferred hour, wrapping midnight.
func (s *RotationScheduler) IsRotationAllowedNow(purpose Purpose, now time.Time, prefs UserRotationPreferences) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[purpose]
	if !ok {
		return false
	}

	switch sched.policy.TimingPreference {
	case TimingImmediate, TimingBackground:
		return true
	case TimingLowUsage:
		return !s.deviceActive
	case TimingScheduled:
		diff := now.Hour() - prefs.PreferredHour
		if diff < 0 {
			diff = -diff
		}
		return diff <= scheduledWindowHours || diff >= 24-scheduledWindowHours
	case TimingUserControlled:
		return false
	case TimingNextMaintenance:
		return prefs.AllowAutomatic
	default:
		return false
	}
}

// SetDeviceActivity records whether the device is actively in use, which
// gates low-usage timed rotations.
func (s *RotationScheduler) SetDeviceActivity(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceActive = active
}

// ReportSecurityEvent records the event and force-rotates every purpose
// whose policy lists the event type with emergency response enabled.
// Returns the purposes that were forced.
func (s *RotationScheduler) ReportSecurityEvent(event SecurityEvent) []Purpose {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	if len(s.events) > misc.MaxTrackedSecurityEvents {
		s.events = s.events[len(s.events)-misc.MaxTrackedSecurityEvents:]
	}

	var forced []Purpose
	for purpose, sched := range s.schedules {
		if sched.policy.EmergencyEnabled && sched.policy.listsEventType(event.Type) {
			sched.nextRotation = time.Now()
			forced = append(forced, purpose)
		}
	}
	return forced
}

// RecentSecurityEvents returns a copy of the tracked event history
func (s *RotationScheduler) RecentSecurityEvents() []SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SecurityEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *RotationScheduler) ensureSchedule(purpose Purpose) *purposeSchedule {
	sched, ok := s.schedules[purpose]
	if !ok {
		policy := DefaultRotationPolicy()
		sched = &purposeSchedule{
			policy:       policy,
			nextRotation: time.Now().Add(time.Duration(policy.IntervalDays) * 24 * time.Hour),
		}
		s.schedules[purpose] = sched
	}
	return sched
}
