package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"southwinds.dev/rotor/internal/misc"
)

// GenerateKey produces a fresh random key of misc.KeySize bytes and
// seals it into an enclave. The intermediate buffer is wiped before
// returning.
func GenerateKey() (*memguard.Enclave, error) {
	raw := make([]byte, misc.KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	if IsWeakKey(raw) {
		memguard.WipeBytes(raw)
		return nil, errors.New("generated key failed strength validation")
	}

	enclave := memguard.NewEnclave(raw)
	memguard.WipeBytes(raw)
	return enclave, nil
}

// DeriveKey derives a key from seed material and a derivation path using
// argon2id. The path acts as salt so distinct purposes and versions yield
// independent keys from the same seed.
func DeriveKey(seedEnclave *memguard.Enclave, path string) (*memguard.LockedBuffer, error) {
	seedBuffer, err := seedEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open seed enclave: %w", err)
	}
	defer seedBuffer.Destroy()

	salt := sha256.Sum256([]byte(path))

	derivedKey := argon2.IDKey(
		seedBuffer.Bytes(),
		salt[:misc.SaltSize],
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	// The buffer must stay mutable: callers seal it into an enclave,
	// which wipes the source bytes in place.
	protectedKey := memguard.NewBuffer(len(derivedKey))
	copy(protectedKey.Bytes(), derivedKey)
	memguard.WipeBytes(derivedKey)

	return protectedKey, nil
}

// EncryptValue encrypts a value with ChaCha20-Poly1305, prefixing the nonce
func EncryptValue(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, value, nil)

	encrypted := make([]byte, len(nonce)+len(ciphertext))
	copy(encrypted[:len(nonce)], nonce)
	copy(encrypted[len(nonce):], ciphertext)

	return encrypted, nil
}

// DecryptValue decrypts a nonce-prefixed ChaCha20-Poly1305 value
func DecryptValue(encryptedData, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	nonceSize := aead.NonceSize()
	nonce := encryptedData[:nonceSize]
	ciphertext := encryptedData[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// CalculateChecksum calculates the SHA-256 checksum of data as hex
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// HashParts hashes the concatenation of the given parts with SHA-256.
// Used for commitment hashes and audit chain links.
func HashParts(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// IsWeakKey screens key material for obviously degenerate values
func IsWeakKey(key []byte) bool {
	if len(key) < misc.KeySize {
		return true
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Expect reasonable byte variety in random material
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}
	return len(uniqueBytes) < 16
}
