// Package crypto implements the decryption engine for participant
// uploads. Every chunk arrives with its symmetric key wrapped under
// the owning study's RSA public key; the engine unwraps the key and
// decrypts the ciphertext under an authenticated mode.
//
// The engine is pure: no I/O beyond its inputs, and neither plaintext
// nor key material ever reaches a log line or an error message.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// Wire constants shared with the mobile clients. These are fixed at
// enrollment time; any deviation is rejected with a typed error, never
// retried with relaxed parameters.
const (
	// AsymmetricKeyBits is the RSA modulus size for study key pairs.
	AsymmetricKeyBits = 2048
	// WrappedKeySize is the exact byte length of an RSA-OAEP wrapped
	// symmetric key (the modulus size).
	WrappedKeySize = AsymmetricKeyBits / 8
	// SymmetricKeySize is the AES-256 key length recovered by unwrapping.
	SymmetricKeySize = 32
	// IVSize is the GCM nonce length clients must use.
	IVSize = 12
	// tagSize is the GCM authentication tag appended to every ciphertext.
	tagSize = 16
)

// ErrorKind classifies decryption failures.
type ErrorKind string

const (
	// KeyUnwrapFailure - the wrapped key did not unwrap under the
	// study's private key.
	KeyUnwrapFailure ErrorKind = "key_unwrap_failure"
	// IntegrityFailure - the unwrapped key had the wrong length, or the
	// ciphertext failed authentication.
	IntegrityFailure ErrorKind = "integrity_failure"
	// MalformedInput - a structural field is missing or has an
	// impossible size.
	MalformedInput ErrorKind = "malformed_input"
)

// DecryptionError is the typed failure returned by Decrypt. The reason
// describes structure only; it never contains key bytes or plaintext.
type DecryptionError struct {
	Kind   ErrorKind
	Reason string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed (%s): %s", e.Kind, e.Reason)
}

func malformed(format string, args ...interface{}) *DecryptionError {
	return &DecryptionError{Kind: MalformedInput, Reason: fmt.Sprintf(format, args...)}
}

// Engine decrypts chunk ciphertext using per-study key material.
type Engine struct{}

// NewEngine creates a decryption engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Decrypt unwraps the chunk's symmetric key with the study's private
// key and decrypts the ciphertext. The recovered symmetric key lives
// only for the duration of the call and is zeroed before returning.
func (e *Engine) Decrypt(km *KeyMaterial, wrappedKey, iv, ciphertext []byte) ([]byte, error) {
	if km == nil || km.private == nil {
		return nil, malformed("missing study key material")
	}
	if len(wrappedKey) != km.private.Size() {
		return nil, malformed("wrapped key is %d bytes, want %d", len(wrappedKey), km.private.Size())
	}
	if len(iv) != IVSize {
		return nil, malformed("iv is %d bytes, want %d", len(iv), IVSize)
	}
	if len(ciphertext) < tagSize {
		return nil, malformed("ciphertext shorter than the authentication tag")
	}

	symKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, km.private, wrappedKey, nil)
	if err != nil {
		return nil, &DecryptionError{Kind: KeyUnwrapFailure, Reason: "wrapped key did not unwrap under the study private key"}
	}
	defer zero(symKey)

	// An unwrapped key of any other length is rejected outright, never
	// truncated or padded.
	if len(symKey) != SymmetricKeySize {
		return nil, &DecryptionError{Kind: IntegrityFailure, Reason: fmt.Sprintf("unwrapped key is %d bytes, want %d", len(symKey), SymmetricKeySize)}
	}

	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, &DecryptionError{Kind: IntegrityFailure, Reason: "unwrapped key rejected by cipher"}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &DecryptionError{Kind: IntegrityFailure, Reason: "cipher mode initialization failed"}
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, &DecryptionError{Kind: IntegrityFailure, Reason: "ciphertext failed authentication"}
	}

	return plaintext, nil
}

// Encrypt is the client-side counterpart of Decrypt: it generates a
// fresh symmetric key, encrypts the plaintext under it, and wraps the
// key with the study's public key. Used by enrollment tooling and by
// round-trip tests.
func (e *Engine) Encrypt(km *KeyMaterial, plaintext []byte) (wrappedKey, iv, ciphertext []byte, err error) {
	if km == nil || km.public == nil {
		return nil, nil, nil, fmt.Errorf("missing study public key")
	}

	symKey := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(symKey); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate symmetric key: %w", err)
	}
	defer zero(symKey)

	iv = make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize cipher mode: %w", err)
	}
	ciphertext = gcm.Seal(nil, iv, plaintext, nil)

	wrappedKey, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, km.public, symKey, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to wrap symmetric key: %w", err)
	}

	return wrappedKey, iv, ciphertext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
