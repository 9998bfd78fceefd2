package rotor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyFileConfig is the on-disk form of rotation policies and user
// preferences, loaded from YAML.
type PolicyFileConfig struct {
	Policies    map[string]PolicyEntry `yaml:"policies"`
	Preferences *PreferencesEntry      `yaml:"preferences,omitempty"`
}

// PolicyEntry is one purpose's rotation policy in the config file
type PolicyEntry struct {
	IntervalDays     int      `yaml:"interval_days"`
	MaxUsageCount    uint64   `yaml:"max_usage_count"`
	Triggers         []string `yaml:"triggers,omitempty"`
	EmergencyEnabled *bool    `yaml:"emergency_enabled,omitempty"`
	Timing           string   `yaml:"timing,omitempty"`
}

// PreferencesEntry mirrors UserRotationPreferences in the config file
type PreferencesEntry struct {
	PreferredHour          *int   `yaml:"preferred_hour,omitempty"`
	AllowAutomatic         *bool  `yaml:"allow_automatic,omitempty"`
	PauseDuringActiveUsage *bool  `yaml:"pause_during_active_usage,omitempty"`
	NotificationAdvance    string `yaml:"notification_advance,omitempty"`
}

// LoadPolicyConfig reads and validates a YAML policy file
func LoadPolicyConfig(path string) (*PolicyFileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy config %s: %w", path, err)
	}

	var config PolicyFileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse policy config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy config %s: %w", path, err)
	}
	return &config, nil
}

// Validate checks every entry for usable values
func (c *PolicyFileConfig) Validate() error {
	for name, entry := range c.Policies {
		if entry.IntervalDays < 0 {
			return fmt.Errorf("policy %s: interval_days cannot be negative", name)
		}
		if entry.Timing != "" {
			if _, err := parseTiming(entry.Timing); err != nil {
				return fmt.Errorf("policy %s: %w", name, err)
			}
		}
		for _, trigger := range entry.Triggers {
			if _, err := parseEventType(trigger); err != nil {
				return fmt.Errorf("policy %s: %w", name, err)
			}
		}
	}
	if c.Preferences != nil {
		if c.Preferences.PreferredHour != nil {
			hour := *c.Preferences.PreferredHour
			if hour < 0 || hour > 23 {
				return fmt.Errorf("preferred_hour %d is out of range", hour)
			}
		}
		if c.Preferences.NotificationAdvance != "" {
			if _, err := time.ParseDuration(c.Preferences.NotificationAdvance); err != nil {
				return fmt.Errorf("invalid notification_advance: %w", err)
			}
		}
	}
	return nil
}

// Apply installs the configured policies on the scheduler and returns
// the effective user preferences.
func (c *PolicyFileConfig) Apply(scheduler *RotationScheduler) (UserRotationPreferences, error) {
	for name, entry := range c.Policies {
		policy, err := entry.toPolicy()
		if err != nil {
			return UserRotationPreferences{}, fmt.Errorf("policy %s: %w", name, err)
		}
		scheduler.SetRotationPolicy(Purpose(name), policy)
	}

	prefs := DefaultUserRotationPreferences()
	if c.Preferences != nil {
		if c.Preferences.PreferredHour != nil {
			prefs.PreferredHour = *c.Preferences.PreferredHour
		}
		if c.Preferences.AllowAutomatic != nil {
			prefs.AllowAutomatic = *c.Preferences.AllowAutomatic
		}
		if c.Preferences.PauseDuringActiveUsage != nil {
			prefs.PauseDuringActiveUsage = *c.Preferences.PauseDuringActiveUsage
		}
		if c.Preferences.NotificationAdvance != "" {
			advance, err := time.ParseDuration(c.Preferences.NotificationAdvance)
			if err != nil {
				return UserRotationPreferences{}, fmt.Errorf("invalid notification_advance: %w", err)
			}
			prefs.NotificationAdvance = advance
		}
	}
	return prefs, nil
}

func (e PolicyEntry) toPolicy() (RotationPolicy, error) {
	policy := DefaultRotationPolicy()
	if e.IntervalDays > 0 {
		policy.IntervalDays = e.IntervalDays
	}
	if e.MaxUsageCount > 0 {
		policy.MaxUsageCount = e.MaxUsageCount
	}
	if e.Triggers != nil {
		triggers := make([]SecurityEventType, 0, len(e.Triggers))
		for _, raw := range e.Triggers {
			eventType, err := parseEventType(raw)
			if err != nil {
				return RotationPolicy{}, err
			}
			triggers = append(triggers, eventType)
		}
		policy.Triggers = triggers
	}
	if e.EmergencyEnabled != nil {
		policy.EmergencyEnabled = *e.EmergencyEnabled
	}
	if e.Timing != "" {
		timing, err := parseTiming(e.Timing)
		if err != nil {
			return RotationPolicy{}, err
		}
		policy.TimingPreference = timing
	}
	return policy, nil
}

func parseTiming(s string) (RotationTiming, error) {
	switch RotationTiming(s) {
	case TimingImmediate, TimingLowUsage, TimingScheduled,
		TimingUserControlled, TimingBackground, TimingNextMaintenance:
		return RotationTiming(s), nil
	default:
		return "", fmt.Errorf("unknown timing preference %q", s)
	}
}

func parseEventType(s string) (SecurityEventType, error) {
	switch SecurityEventType(s) {
	case EventDeviceCompromise, EventFailedAuthentication, EventUnusualAccess,
		EventSuspiciousDevice, EventDataBreach, EventKeyExposure, EventSystemIntrusion:
		return SecurityEventType(s), nil
	default:
		return "", fmt.Errorf("unknown security event type %q", s)
	}
}
