package rotor

import (
	"bytes"
	"errors"
	"testing"
)

func TestDefaultEngineAll(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"EngineDeriveKey", TestEngineDeriveKey},
		{"EngineDeriveEncryptRoundTrip", TestEngineDeriveEncryptRoundTrip},
		{"EngineGenerateKey", TestEngineGenerateKey},
		{"EngineDestroyedHandle", TestEngineDestroyedHandle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

// TestEngineDeriveKey verifies derivation is deterministic per path and
// the resulting handle opens to usable key material.
func TestEngineDeriveKey(t *testing.T) {
	engine := newTestEngine(t)

	handle, err := engine.DeriveKey("data_encryption/1.0.0")
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer handle.Destroy()

	buf, err := handle.Open()
	if err != nil {
		t.Fatalf("Failed to open derived handle: %v", err)
	}
	first := append([]byte(nil), buf.Bytes()...)
	buf.Destroy()

	again, err := engine.DeriveKey("data_encryption/1.0.0")
	if err != nil {
		t.Fatalf("Failed to re-derive key: %v", err)
	}
	defer again.Destroy()

	buf2, err := again.Open()
	if err != nil {
		t.Fatalf("Failed to open re-derived handle: %v", err)
	}
	defer buf2.Destroy()

	if !bytes.Equal(first, buf2.Bytes()) {
		t.Errorf("Same path should derive the same key")
	}

	if _, err := engine.DeriveKey(""); err == nil {
		t.Errorf("Empty derivation path should be rejected")
	}
}

// TestEngineDeriveEncryptRoundTrip encrypts and decrypts with a derived
// handle, including a second derivation of the same path.
func TestEngineDeriveEncryptRoundTrip(t *testing.T) {
	engine := newTestEngine(t)

	handle, err := engine.DeriveKey("sharing/2.1.0")
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer handle.Destroy()

	plaintext := []byte("cross-device payload")
	ciphertext, err := engine.Encrypt(plaintext, handle)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	decrypted, err := engine.Decrypt(ciphertext, handle)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Round trip should restore the plaintext")
	}

	// A fresh derivation of the same path decrypts the same data
	rederived, err := engine.DeriveKey("sharing/2.1.0")
	if err != nil {
		t.Fatalf("Re-derivation failed: %v", err)
	}
	defer rederived.Destroy()

	decrypted, err = engine.Decrypt(ciphertext, rederived)
	if err != nil {
		t.Fatalf("Decrypt with re-derived key failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Re-derived key should decrypt the same data")
	}
}

// TestEngineGenerateKey verifies random handles work for encryption and
// two generations never collide.
func TestEngineGenerateKey(t *testing.T) {
	engine := newTestEngine(t)

	a, err := engine.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer a.Destroy()

	b, err := engine.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate second key: %v", err)
	}
	defer b.Destroy()

	ciphertext, err := engine.Encrypt([]byte("x"), a)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := engine.Decrypt(ciphertext, b); err == nil {
		t.Errorf("A different random key should not decrypt the data")
	}
}

// TestEngineDestroyedHandle verifies a destroyed handle refuses every
// operation with ErrKeyDestroyed.
func TestEngineDestroyedHandle(t *testing.T) {
	engine := newTestEngine(t)

	handle, err := engine.DeriveKey("data_encryption/1.0.0")
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}

	handle.Destroy()
	if !handle.Destroyed() {
		t.Fatalf("Handle should report destroyed")
	}
	handle.Destroy() // second destroy is a no-op

	if _, err := handle.Open(); !errors.Is(err, ErrKeyDestroyed) {
		t.Errorf("Expected ErrKeyDestroyed, got %v", err)
	}
	if _, err := engine.Encrypt([]byte("x"), handle); !errors.Is(err, ErrKeyDestroyed) {
		t.Errorf("Encrypt with destroyed handle should fail, got %v", err)
	}
}
