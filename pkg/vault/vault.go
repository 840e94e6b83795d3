// Package vault provides authenticated symmetric encryption for stored
// credential values. The 256-bit key is derived once at startup from a
// process secret via scrypt and held only in process memory: it is never
// logged and never serialised.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	// scrypt parameters. N=16384 keeps derivation memory-hard while staying
	// fast enough for a one-time startup cost.
	scryptN = 16384
	scryptR = 8
	scryptP = 1

	keySize = 32
	ivSize  = 16
	tagSize = 16
)

// ErrCiphertextInvalid is returned when a ciphertext fails authentication
// or does not match the iv||tag||ct layout.
var ErrCiphertextInvalid = errors.New("ciphertext invalid")

// Vault encrypts and decrypts credential values with AES-256-GCM.
type Vault struct {
	aead cipher.AEAD
}

// New derives the encryption key from secret and salt and returns a ready
// vault. secret must be at least 32 characters.
func New(secret, salt string) (*Vault, error) {
	if len(secret) < 32 {
		return nil, errors.New("encryption secret must be at least 32 characters")
	}
	key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns iv||authTag||ciphertext. The iv is a
// fresh 128-bit random value on every call.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	// Seal returns ciphertext||tag; reorder into iv||tag||ciphertext.
	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt opens an iv||authTag||ciphertext blob. Any tamper or layout
// mismatch fails with ErrCiphertextInvalid.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < ivSize+tagSize {
		return nil, ErrCiphertextInvalid
	}
	iv := blob[:ivSize]
	tag := blob[ivSize : ivSize+tagSize]
	ct := blob[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrCiphertextInvalid
	}
	return plaintext, nil
}
