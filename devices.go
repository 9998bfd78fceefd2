package rotor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/rotor/internal/misc"
	"southwinds.dev/rotor/persist"
)

const (
	// DefaultMaxDevices caps how many devices one registry may pair
	DefaultMaxDevices = 10

	// pairingRequestTTL bounds how long a pairing request stays valid
	pairingRequestTTL = 5 * time.Minute
)

// DeviceTrustState tracks a device through pairing and revocation
type DeviceTrustState string

const (
	DevicePending DeviceTrustState = "pending"
	DeviceTrusted DeviceTrustState = "trusted"
	DeviceRevoked DeviceTrustState = "revoked"
)

// PairingRequest is an open invitation for a device to join
type PairingRequest struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	DeviceName  string    `json:"device_name,omitempty"`
	Challenge   []byte    `json:"challenge"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Device is a registered device and its trust metadata
type Device struct {
	ID         string           `json:"id"`
	Name       string           `json:"name,omitempty"`
	State      DeviceTrustState `json:"state"`
	TrustToken string           `json:"trust_token,omitempty"`
	PairedAt   time.Time        `json:"paired_at"`
	RevokedAt  *time.Time       `json:"revoked_at,omitempty"`
	LastSeenAt time.Time        `json:"last_seen_at"`
}

// deviceRegistrySnapshot is the persisted form of the registry
type deviceRegistrySnapshot struct {
	MaxDevices int                `json:"max_devices"`
	Devices    map[string]*Device `json:"devices"`
	SavedAt    time.Time          `json:"saved_at"`
}

// DeviceRegistry manages device pairing, trust and revocation. Paired
// device state can be persisted through an optional store.
type DeviceRegistry struct {
	mu           sync.Mutex
	maxDevices   int
	devices      map[string]*Device
	pending      map[string]*PairingRequest
	engine       Engine
	store        persist.Store
	storeVersion string
}

// NewDeviceRegistry builds a registry. The store may be nil for an
// in-memory registry; maxDevices <= 0 selects DefaultMaxDevices.
func NewDeviceRegistry(engine Engine, store persist.Store, maxDevices int) *DeviceRegistry {
	if maxDevices <= 0 {
		maxDevices = DefaultMaxDevices
	}
	return &DeviceRegistry{
		maxDevices: maxDevices,
		devices:    make(map[string]*Device),
		pending:    make(map[string]*PairingRequest),
		engine:     engine,
		store:      store,
	}
}

// RequestPairing opens a pairing request for a new device. The request
// carries a challenge the device must echo back in FinalizePairing and
// expires after pairingRequestTTL. Fails with ErrDeviceCapacity when
// the registry is full of trusted devices.
func (r *DeviceRegistry) RequestPairing(deviceID, deviceName string) (*PairingRequest, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device ID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if device, ok := r.devices[deviceID]; ok && device.State == DeviceTrusted {
		return nil, fmt.Errorf("device %s is already paired", deviceID)
	}
	if r.trustedCountLocked() >= r.maxDevices {
		return nil, fmt.Errorf("%w: registry holds %d of %d devices",
			ErrDeviceCapacity, r.trustedCountLocked(), r.maxDevices)
	}

	now := time.Now().UTC()
	request := &PairingRequest{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		Challenge:   r.engine.Hash([]byte(deviceID), []byte(uuid.NewString())),
		RequestedAt: now,
		ExpiresAt:   now.Add(pairingRequestTTL),
	}
	r.pending[request.ID] = request
	return request, nil
}

// FinalizePairing completes a pairing request. The device proves it
// received the challenge by echoing it back; expired requests fail
// with ErrPairingExpired and are discarded.
func (r *DeviceRegistry) FinalizePairing(requestID string, challengeResponse []byte) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	request, ok := r.pending[requestID]
	if !ok {
		return nil, fmt.Errorf("pairing request %s not found", requestID)
	}

	now := time.Now().UTC()
	if now.After(request.ExpiresAt) {
		delete(r.pending, requestID)
		return nil, fmt.Errorf("%w: request %s expired at %s",
			ErrPairingExpired, requestID, request.ExpiresAt.Format(time.RFC3339))
	}
	if !bytesEqual(challengeResponse, request.Challenge) {
		return nil, fmt.Errorf("challenge response does not match for request %s", requestID)
	}
	if r.trustedCountLocked() >= r.maxDevices {
		delete(r.pending, requestID)
		return nil, fmt.Errorf("%w: registry holds %d of %d devices",
			ErrDeviceCapacity, r.trustedCountLocked(), r.maxDevices)
	}

	device := &Device{
		ID:         request.DeviceID,
		Name:       request.DeviceName,
		State:      DeviceTrusted,
		TrustToken: fmt.Sprintf("trust_%s_%d", request.DeviceID, now.Unix()),
		PairedAt:   now,
		LastSeenAt: now,
	}
	r.devices[device.ID] = device
	delete(r.pending, requestID)

	out := *device
	return &out, nil
}

// RevokeDevice withdraws trust from a device. Its trust token is
// cleared and the device must re-enroll to regain access.
func (r *DeviceRegistry) RevokeDevice(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if device.State == DeviceRevoked {
		return nil
	}

	now := time.Now().UTC()
	device.State = DeviceRevoked
	device.TrustToken = ""
	device.RevokedAt = &now
	return nil
}

// ReenrollDevice opens a fresh pairing request for a revoked device.
// The old device record is dropped so the new pairing starts clean.
func (r *DeviceRegistry) ReenrollDevice(deviceID string) (*PairingRequest, error) {
	r.mu.Lock()
	device, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if device.State != DeviceRevoked {
		r.mu.Unlock()
		return nil, fmt.Errorf("device %s is not revoked", deviceID)
	}
	name := device.Name
	delete(r.devices, deviceID)
	r.mu.Unlock()

	return r.RequestPairing(deviceID, name)
}

// Touch updates a device's last-seen time
func (r *DeviceRegistry) Touch(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	device.LastSeenAt = time.Now().UTC()
	return nil
}

// IsTrusted reports whether a device is currently trusted
func (r *DeviceRegistry) IsTrusted(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	return ok && device.State == DeviceTrusted
}

// ValidateTrustToken checks a token against the stored one for a device
func (r *DeviceRegistry) ValidateTrustToken(deviceID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	return ok && device.State == DeviceTrusted && token != "" && device.TrustToken == token
}

// TrustedDevices lists trusted devices sorted by ID
func (r *DeviceRegistry) TrustedDevices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Device
	for _, device := range r.devices {
		if device.State == DeviceTrusted {
			out = append(out, *device)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device returns a copy of a device record
func (r *DeviceRegistry) Device(deviceID string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return *device, true
}

// ExpirePendingRequests drops pairing requests past their deadline.
// Returns the number removed.
func (r *DeviceRegistry) ExpirePendingRequests(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, request := range r.pending {
		if now.After(request.ExpiresAt) {
			delete(r.pending, id)
			removed++
		}
	}
	return removed
}

// Save persists the registry through the configured store
func (r *DeviceRegistry) Save() error {
	if r.store == nil {
		return nil
	}

	r.mu.Lock()
	snapshot := deviceRegistrySnapshot{
		MaxDevices: r.maxDevices,
		Devices:    make(map[string]*Device, len(r.devices)),
		SavedAt:    time.Now().UTC(),
	}
	for id, device := range r.devices {
		copied := *device
		snapshot.Devices[id] = &copied
	}
	r.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to serialize device registry: %w", err)
	}

	r.mu.Lock()
	expected := r.storeVersion
	r.mu.Unlock()

	version, err := r.store.SaveDeviceRegistry(data, expected)
	if err != nil {
		return fmt.Errorf("failed to persist device registry: %w", err)
	}

	r.mu.Lock()
	r.storeVersion = version
	r.mu.Unlock()
	return nil
}

// Load restores the registry from the configured store. Pending
// pairing requests are not persisted and start empty.
func (r *DeviceRegistry) Load() error {
	if r.store == nil {
		return nil
	}

	exists, err := r.store.DeviceRegistryExists()
	if err != nil {
		return fmt.Errorf("failed to check device registry: %w", err)
	}
	if !exists {
		return nil
	}

	versioned, err := r.store.LoadDeviceRegistry()
	if err != nil {
		// the registry can disappear between the existence check and the read
		if misc.IsNotFoundError(err) {
			return nil
		}
		return fmt.Errorf("failed to load device registry: %w", err)
	}

	var snapshot deviceRegistrySnapshot
	if err := json.Unmarshal(versioned.Data, &snapshot); err != nil {
		return fmt.Errorf("failed to parse device registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.storeVersion = versioned.Version
	if snapshot.MaxDevices > 0 {
		r.maxDevices = snapshot.MaxDevices
	}
	r.devices = make(map[string]*Device, len(snapshot.Devices))
	for id, device := range snapshot.Devices {
		r.devices[id] = device
	}
	return nil
}

func (r *DeviceRegistry) trustedCountLocked() int {
	n := 0
	for _, device := range r.devices {
		if device.State == DeviceTrusted {
			n++
		}
	}
	return n
}
