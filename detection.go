package rotor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	failedAuthThreshold    = 5
	volumeBaselineFactor   = 3.0
	defaultVolumeThreshold = 1_000_000
	workingHoursStart      = 9
	workingHoursEnd        = 17
)

// AccessEvent describes one observed device interaction
type AccessEvent struct {
	DeviceID           string    `json:"device_id"`
	Timestamp          time.Time `json:"timestamp"`
	FailedAuthAttempts int       `json:"failed_auth_attempts"`
	DataVolume         int64     `json:"data_volume"`
	Indicators         []string  `json:"indicators,omitempty"`
}

// DeviceBehaviorBaseline accumulates per-device access patterns
type DeviceBehaviorBaseline struct {
	DeviceID             string          `json:"device_id"`
	TypicalHours         map[int]int     `json:"typical_hours"`
	AvgDataVolume        float64         `json:"avg_data_volume"`
	Samples              int             `json:"samples"`
	CompromiseIndicators map[string]bool `json:"compromise_indicators,omitempty"`
}

// SecurityIncident is a detected or reported incident that may warrant an
// emergency response.
type SecurityIncident struct {
	ID              string            `json:"id"`
	Type            SecurityEventType `json:"type"`
	Severity        uint8             `json:"severity"`
	Confidence      float64           `json:"confidence"`
	AffectedDevices []string          `json:"affected_devices,omitempty"`
	DetectedAt      time.Time         `json:"detected_at"`
	Description     string            `json:"description,omitempty"`
}

// IncidentDetector evaluates access events against per-device behavior
// baselines and flags anomalies as incidents.
type IncidentDetector struct {
	mu              sync.Mutex
	baselines       map[string]*DeviceBehaviorBaseline
	volumeThreshold int64
}

// NewIncidentDetector returns a detector with no baselines yet
func NewIncidentDetector() *IncidentDetector {
	return &IncidentDetector{
		baselines:       make(map[string]*DeviceBehaviorBaseline),
		volumeThreshold: defaultVolumeThreshold,
	}
}

// RegisterCompromiseIndicator marks an indicator string as a known sign
// of compromise for a device.
func (d *IncidentDetector) RegisterCompromiseIndicator(deviceID, indicator string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	baseline := d.ensureBaseline(deviceID)
	if baseline.CompromiseIndicators == nil {
		baseline.CompromiseIndicators = make(map[string]bool)
	}
	baseline.CompromiseIndicators[indicator] = true
}

// DetectIncident evaluates an access event. Checks run in priority order:
// failed authentication, known compromise indicators, data volume, then
// access hour anomalies. The baseline is updated after evaluation so the
// event itself does not mask its own anomaly.
func (d *IncidentDetector) DetectIncident(event AccessEvent) (*SecurityIncident, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	baseline := d.ensureBaseline(event.DeviceID)

	incident := d.evaluate(event, baseline)
	d.updateBaseline(event, baseline)

	if incident == nil {
		return nil, false
	}
	return incident, true
}

func (d *IncidentDetector) evaluate(event AccessEvent, baseline *DeviceBehaviorBaseline) *SecurityIncident {
	if event.FailedAuthAttempts >= failedAuthThreshold {
		return newIncident(EventFailedAuthentication, 8, 0.9, event.DeviceID,
			fmt.Sprintf("%d failed authentication attempts", event.FailedAuthAttempts))
	}

	for _, indicator := range event.Indicators {
		if baseline.CompromiseIndicators[indicator] {
			return newIncident(EventSuspiciousDevice, 9, 0.8, event.DeviceID,
				fmt.Sprintf("known compromise indicator %q observed", indicator))
		}
	}

	if d.isVolumeAnomalous(event, baseline) {
		return newIncident(EventDataBreach, 7, 0.6, event.DeviceID,
			fmt.Sprintf("data volume %d exceeds baseline", event.DataVolume))
	}

	if d.isHourAnomalous(event, baseline) {
		return newIncident(EventUnusualAccess, 6, 0.7, event.DeviceID,
			fmt.Sprintf("access at hour %d outside typical pattern", event.Timestamp.Hour()))
	}

	return nil
}

func (d *IncidentDetector) isVolumeAnomalous(event AccessEvent, baseline *DeviceBehaviorBaseline) bool {
	if baseline.Samples > 0 && baseline.AvgDataVolume > 0 {
		return float64(event.DataVolume) > baseline.AvgDataVolume*volumeBaselineFactor
	}
	return event.DataVolume > d.volumeThreshold
}

func (d *IncidentDetector) isHourAnomalous(event AccessEvent, baseline *DeviceBehaviorBaseline) bool {
	hour := event.Timestamp.Hour()
	if baseline.Samples > 0 && len(baseline.TypicalHours) > 0 {
		return baseline.TypicalHours[hour] == 0
	}
	// No baseline yet: treat standard working hours as typical
	return hour < workingHoursStart || hour > workingHoursEnd
}

func (d *IncidentDetector) updateBaseline(event AccessEvent, baseline *DeviceBehaviorBaseline) {
	baseline.TypicalHours[event.Timestamp.Hour()]++
	baseline.AvgDataVolume = (baseline.AvgDataVolume*float64(baseline.Samples) + float64(event.DataVolume)) /
		float64(baseline.Samples+1)
	baseline.Samples++
}

// Baseline returns a copy of the current baseline for a device
func (d *IncidentDetector) Baseline(deviceID string) (DeviceBehaviorBaseline, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	baseline, ok := d.baselines[deviceID]
	if !ok {
		return DeviceBehaviorBaseline{}, false
	}

	out := *baseline
	out.TypicalHours = make(map[int]int, len(baseline.TypicalHours))
	for h, n := range baseline.TypicalHours {
		out.TypicalHours[h] = n
	}
	if baseline.CompromiseIndicators != nil {
		out.CompromiseIndicators = make(map[string]bool, len(baseline.CompromiseIndicators))
		for k, v := range baseline.CompromiseIndicators {
			out.CompromiseIndicators[k] = v
		}
	}
	return out, true
}

func (d *IncidentDetector) ensureBaseline(deviceID string) *DeviceBehaviorBaseline {
	baseline, ok := d.baselines[deviceID]
	if !ok {
		baseline = &DeviceBehaviorBaseline{
			DeviceID:     deviceID,
			TypicalHours: make(map[int]int),
		}
		d.baselines[deviceID] = baseline
	}
	return baseline
}

func newIncident(eventType SecurityEventType, severity uint8, confidence float64, deviceID, description string) *SecurityIncident {
	return &SecurityIncident{
		ID:              uuid.NewString(),
		Type:            eventType,
		Severity:        severity,
		Confidence:      confidence,
		AffectedDevices: []string{deviceID},
		DetectedAt:      time.Now().UTC(),
		Description:     description,
	}
}
