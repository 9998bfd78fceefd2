package rotor

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/awnumar/memguard"

	"southwinds.dev/rotor/internal/crypto"
)

// KeyHandle owns a single piece of key material. Callers open the handle
// for the duration of a cryptographic operation and destroy it when the
// key is retired; after Destroy the material is gone for good.
type KeyHandle interface {
	Open() (*memguard.LockedBuffer, error)
	Destroy()
	Destroyed() bool
}

// Engine is the cryptographic collaborator of the rotation core. The
// default implementation covers key generation, deterministic re-derivation
// from a seed, state-blob encryption and commitment hashing; hosts with
// hardware-backed key storage can supply their own.
type Engine interface {
	GenerateKey() (KeyHandle, error)
	DeriveKey(path string) (KeyHandle, error)
	Encrypt(plaintext []byte, key KeyHandle) ([]byte, error)
	Decrypt(ciphertext []byte, key KeyHandle) ([]byte, error)
	Hash(parts ...[]byte) []byte
}

// enclaveHandle wraps key material in a memguard enclave
type enclaveHandle struct {
	mu        sync.Mutex
	enclave   *memguard.Enclave
	destroyed bool
}

func newEnclaveHandle(enclave *memguard.Enclave) *enclaveHandle {
	return &enclaveHandle{enclave: enclave}
}

func (h *enclaveHandle) Open() (*memguard.LockedBuffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.destroyed || h.enclave == nil {
		return nil, ErrKeyDestroyed
	}

	buf, err := h.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	return buf, nil
}

func (h *enclaveHandle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.destroyed {
		return
	}

	if h.enclave != nil {
		if buf, err := h.enclave.Open(); err == nil {
			buf.Destroy()
		}
		h.enclave = nil
	}
	h.destroyed = true
	runtime.GC()
}

func (h *enclaveHandle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

// DefaultEngine generates random keys, re-derives keys from a seed via
// argon2id and encrypts with ChaCha20-Poly1305.
type DefaultEngine struct {
	seed *memguard.Enclave
}

// NewDefaultEngine seals the seed into an enclave and wipes the input slice
func NewDefaultEngine(seed []byte) (*DefaultEngine, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("derivation seed must be at least 16 bytes")
	}

	enclave := memguard.NewEnclave(seed)
	memguard.WipeBytes(seed)
	return &DefaultEngine{seed: enclave}, nil
}

func (e *DefaultEngine) GenerateKey() (KeyHandle, error) {
	enclave, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return newEnclaveHandle(enclave), nil
}

func (e *DefaultEngine) DeriveKey(path string) (KeyHandle, error) {
	if path == "" {
		return nil, fmt.Errorf("derivation path cannot be empty")
	}

	buf, err := crypto.DeriveKey(e.seed, path)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key for path %q: %w", path, err)
	}

	enclave := memguard.NewEnclave(buf.Bytes())
	buf.Destroy()
	return newEnclaveHandle(enclave), nil
}

func (e *DefaultEngine) Encrypt(plaintext []byte, key KeyHandle) ([]byte, error) {
	buf, err := key.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	return crypto.EncryptValue(plaintext, buf.Bytes())
}

func (e *DefaultEngine) Decrypt(ciphertext []byte, key KeyHandle) ([]byte, error) {
	buf, err := key.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	return crypto.DecryptValue(ciphertext, buf.Bytes())
}

func (e *DefaultEngine) Hash(parts ...[]byte) []byte {
	return crypto.HashParts(parts...)
}
