package rotor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResponseState tracks an emergency response through its lifecycle
type ResponseState string

const (
	ResponseDetected   ResponseState = "detected"
	ResponseResponding ResponseState = "responding"
	ResponseIsolating  ResponseState = "isolating"
	ResponseRotating   ResponseState = "rotating"
	ResponseRecovering ResponseState = "recovering"
	ResponseComplete   ResponseState = "complete"
	ResponseFailed     ResponseState = "failed"
)

const (
	defaultEscalationThreshold = 7
	isolationSeverityThreshold = 8
	escalatedResponseTimeLimit = 5 * time.Minute
	standardResponseTimeLimit  = 15 * time.Minute
)

// EmergencyResponse records the handling of one security incident
type EmergencyResponse struct {
	ID                string        `json:"id"`
	IncidentID        string        `json:"incident_id"`
	State             ResponseState `json:"state"`
	StartedAt         time.Time     `json:"started_at"`
	ResponseTimeLimit time.Duration `json:"response_time_limit"`
	IsolatedDevices   []string      `json:"isolated_devices,omitempty"`
	InvalidatedKeys   []string      `json:"invalidated_keys,omitempty"`
	RotatedPurposes   []Purpose     `json:"rotated_purposes,omitempty"`
	Errors            []string      `json:"errors,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// RecoveryStep is one ordered action in a recovery plan
type RecoveryStep struct {
	Order         int      `json:"order"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Prerequisites []string `json:"prerequisites,omitempty"`
	RollbackSteps []string `json:"rollback_steps,omitempty"`
	Completed     bool     `json:"completed"`
}

// RecoveryPlan is the ordered set of steps that restore normal operation
// after an emergency response.
type RecoveryPlan struct {
	ID         string         `json:"id"`
	ResponseID string         `json:"response_id"`
	Steps      []RecoveryStep `json:"steps"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EmergencyManager drives incident handling: device isolation, key
// invalidation, emergency rotation and recovery. Rotation itself is
// delegated to the rotateFn callback so the manager stays decoupled
// from key storage.
type EmergencyManager struct {
	mu                  sync.Mutex
	incidents           map[string]*SecurityIncident
	responses           map[string]*EmergencyResponse
	plans               map[string]*RecoveryPlan
	isolatedDevices     map[string]time.Time
	invalidatedDevices  map[string]time.Time
	invalidatedPurposes map[Purpose]time.Time
	escalationThreshold uint8
	rotateFn            func(purpose Purpose, incident *SecurityIncident) error
	affectedPurposes    func(incident *SecurityIncident) []Purpose
	trail               *AuditTrail
}

// NewEmergencyManager wires the manager to a rotation callback and an
// audit trail. affectedPurposes maps an incident to the purposes whose
// keys must rotate; when nil every incident rotates PurposeData.
func NewEmergencyManager(rotateFn func(Purpose, *SecurityIncident) error, affectedPurposes func(*SecurityIncident) []Purpose, trail *AuditTrail) *EmergencyManager {
	if affectedPurposes == nil {
		affectedPurposes = func(*SecurityIncident) []Purpose { return []Purpose{PurposeData} }
	}
	return &EmergencyManager{
		incidents:           make(map[string]*SecurityIncident),
		responses:           make(map[string]*EmergencyResponse),
		plans:               make(map[string]*RecoveryPlan),
		isolatedDevices:     make(map[string]time.Time),
		invalidatedDevices:  make(map[string]time.Time),
		invalidatedPurposes: make(map[Purpose]time.Time),
		escalationThreshold: defaultEscalationThreshold,
		rotateFn:            rotateFn,
		affectedPurposes:    affectedPurposes,
		trail:               trail,
	}
}

// ReportIncident registers an incident for handling
func (em *EmergencyManager) ReportIncident(incident *SecurityIncident) error {
	if incident == nil {
		return fmt.Errorf("incident cannot be nil")
	}
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	if incident.DetectedAt.IsZero() {
		incident.DetectedAt = time.Now().UTC()
	}

	em.mu.Lock()
	em.incidents[incident.ID] = incident
	em.mu.Unlock()

	em.audit("incident_reported", incident.ID, map[string]interface{}{
		"type":     string(incident.Type),
		"severity": int(incident.Severity),
	})
	return nil
}

// TriggerEmergencyRotation runs the full response for a reported
// incident: isolate, rotate, recover. Per-device rotation failures are
// recorded as errors but do not abort the response.
func (em *EmergencyManager) TriggerEmergencyRotation(incidentID string) (*EmergencyResponse, error) {
	em.mu.Lock()
	incident, ok := em.incidents[incidentID]
	if !ok {
		em.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
	}

	response := &EmergencyResponse{
		ID:                uuid.NewString(),
		IncidentID:        incidentID,
		State:             ResponseDetected,
		StartedAt:         time.Now().UTC(),
		ResponseTimeLimit: em.responseTimeLimit(incident.Severity),
	}
	em.responses[response.ID] = response
	em.mu.Unlock()

	em.audit("emergency_response_started", incidentID, map[string]interface{}{
		"response_id": response.ID,
		"time_limit":  response.ResponseTimeLimit.String(),
	})

	em.advance(response, ResponseResponding)

	// Isolation and invalidation per incident type
	em.advance(response, ResponseIsolating)
	em.executeImmediateActions(incident, response)

	// Emergency rotation across affected purposes
	em.advance(response, ResponseRotating)
	for _, purpose := range em.affectedPurposes(incident) {
		if err := em.rotate(purpose, incident); err != nil {
			em.mu.Lock()
			response.Errors = append(response.Errors,
				fmt.Sprintf("rotation failed for %s: %v", purpose, err))
			em.mu.Unlock()
			continue
		}
		em.mu.Lock()
		response.RotatedPurposes = append(response.RotatedPurposes, purpose)
		em.mu.Unlock()
	}

	em.advance(response, ResponseRecovering)

	em.mu.Lock()
	if len(response.RotatedPurposes) == 0 && len(em.affectedPurposes(incident)) > 0 {
		response.State = ResponseFailed
	} else {
		response.State = ResponseComplete
	}
	now := time.Now().UTC()
	response.CompletedAt = &now
	final := *response
	em.mu.Unlock()

	em.audit("emergency_response_finished", incidentID, map[string]interface{}{
		"response_id": final.ID,
		"state":       string(final.State),
		"errors":      len(final.Errors),
	})

	return &final, nil
}

func (em *EmergencyManager) rotate(purpose Purpose, incident *SecurityIncident) error {
	if em.rotateFn == nil {
		return fmt.Errorf("no rotation callback configured")
	}
	return em.rotateFn(purpose, incident)
}

// executeImmediateActions isolates devices and invalidates keys based on
// incident type. Key invalidation is irreversible.
func (em *EmergencyManager) executeImmediateActions(incident *SecurityIncident, response *EmergencyResponse) {
	em.mu.Lock()
	defer em.mu.Unlock()

	now := time.Now().UTC()

	isolate := incident.Severity >= isolationSeverityThreshold ||
		incident.Type == EventDeviceCompromise ||
		incident.Type == EventSystemIntrusion

	if isolate {
		for _, deviceID := range incident.AffectedDevices {
			em.isolatedDevices[deviceID] = now
			response.IsolatedDevices = append(response.IsolatedDevices, deviceID)
		}
	}

	if incident.Type == EventKeyExposure {
		for _, purpose := range em.affectedPurposes(incident) {
			em.invalidatedPurposes[purpose] = now
			response.InvalidatedKeys = append(response.InvalidatedKeys, string(purpose))
		}
		for _, deviceID := range incident.AffectedDevices {
			em.invalidatedDevices[deviceID] = now
		}
	}
}

func (em *EmergencyManager) advance(response *EmergencyResponse, state ResponseState) {
	em.mu.Lock()
	response.State = state
	em.mu.Unlock()
}

func (em *EmergencyManager) responseTimeLimit(severity uint8) time.Duration {
	if severity >= em.escalationThreshold {
		return escalatedResponseTimeLimit
	}
	return standardResponseTimeLimit
}

// GenerateRecoveryPlan builds the ordered recovery steps for a completed
// or failed response.
func (em *EmergencyManager) GenerateRecoveryPlan(responseID string) (*RecoveryPlan, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	response, ok := em.responses[responseID]
	if !ok {
		return nil, fmt.Errorf("response %s not found", responseID)
	}

	plan := &RecoveryPlan{
		ID:         uuid.NewString(),
		ResponseID: response.ID,
		CreatedAt:  time.Now().UTC(),
		Steps: []RecoveryStep{
			{
				Order:         1,
				Name:          "verify_containment",
				Description:   "Confirm the incident is contained and no further anomalies are detected",
				RollbackSteps: []string{"re-isolate affected devices"},
			},
			{
				Order:         2,
				Name:          "validate_new_keys",
				Description:   "Validate rotated key versions are active and serving traffic",
				Prerequisites: []string{"verify_containment"},
				RollbackSteps: []string{"roll back to previous key version"},
			},
			{
				Order:         3,
				Name:          "restore_device_access",
				Description:   "Lift isolation for devices that pass integrity checks",
				Prerequisites: []string{"validate_new_keys"},
				RollbackSteps: []string{"re-isolate restored devices"},
			},
			{
				Order:         4,
				Name:          "verify_audit_trail",
				Description:   "Verify the audit trail integrity for all touched keys",
				Prerequisites: []string{"restore_device_access"},
			},
		},
	}

	em.plans[plan.ID] = plan
	return plan, nil
}

// InitiateRecovery executes plan steps in order through execFn. When a
// step fails its rollback is attempted and recovery aborts with the
// step's error.
func (em *EmergencyManager) InitiateRecovery(planID string, execFn func(RecoveryStep) error, rollbackFn func(RecoveryStep) error) error {
	em.mu.Lock()
	plan, ok := em.plans[planID]
	em.mu.Unlock()
	if !ok {
		return fmt.Errorf("recovery plan %s not found", planID)
	}
	if execFn == nil {
		return fmt.Errorf("recovery executor is required")
	}

	for i := range plan.Steps {
		step := plan.Steps[i]
		if err := execFn(step); err != nil {
			if rollbackFn != nil {
				if rbErr := rollbackFn(step); rbErr != nil {
					em.audit("recovery_rollback_failed", plan.ResponseID, map[string]interface{}{
						"step":  step.Name,
						"error": rbErr.Error(),
					})
				}
			}
			em.audit("recovery_aborted", plan.ResponseID, map[string]interface{}{
				"step":  step.Name,
				"error": err.Error(),
			})
			return fmt.Errorf("recovery step %s failed: %w", step.Name, err)
		}

		em.mu.Lock()
		plan.Steps[i].Completed = true
		em.mu.Unlock()
	}

	em.audit("recovery_completed", plan.ResponseID, nil)
	return nil
}

// RestoreDeviceAccess lifts isolation for a device. Only allowed once
// the response is Complete and the device was not permanently
// invalidated by a key exposure.
func (em *EmergencyManager) RestoreDeviceAccess(responseID, deviceID string) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	response, ok := em.responses[responseID]
	if !ok {
		return fmt.Errorf("response %s not found", responseID)
	}
	if response.State != ResponseComplete {
		return fmt.Errorf("%w: state is %s", ErrResponseIncomplete, response.State)
	}
	if _, invalidated := em.invalidatedDevices[deviceID]; invalidated {
		return fmt.Errorf("%w: %s", ErrDeviceInvalidated, deviceID)
	}
	if _, isolated := em.isolatedDevices[deviceID]; !isolated {
		return fmt.Errorf("%w: %s is not isolated", ErrDeviceNotFound, deviceID)
	}

	delete(em.isolatedDevices, deviceID)
	return nil
}

// IsDeviceIsolated reports whether a device is currently isolated
func (em *EmergencyManager) IsDeviceIsolated(deviceID string) bool {
	em.mu.Lock()
	defer em.mu.Unlock()

	_, isolated := em.isolatedDevices[deviceID]
	return isolated
}

// IsPurposeInvalidated reports whether a purpose's keys were invalidated
// by a key exposure incident. Invalidation is irreversible.
func (em *EmergencyManager) IsPurposeInvalidated(purpose Purpose) bool {
	em.mu.Lock()
	defer em.mu.Unlock()

	_, invalidated := em.invalidatedPurposes[purpose]
	return invalidated
}

// Response returns a copy of a response by ID
func (em *EmergencyManager) Response(responseID string) (*EmergencyResponse, bool) {
	em.mu.Lock()
	defer em.mu.Unlock()

	response, ok := em.responses[responseID]
	if !ok {
		return nil, false
	}
	out := *response
	return &out, true
}

func (em *EmergencyManager) audit(action, incidentID string, metadata map[string]interface{}) {
	if em.trail == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["incident_id"] = incidentID
	em.trail.RecordEmergencyEvent(incidentID, action, metadata)
}
