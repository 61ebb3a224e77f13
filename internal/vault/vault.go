// Package vault provides symmetric authenticated encryption of 32-byte
// secrets at rest (spec §4.2, the Credential Vault, C2). It derives a stable
// key from an operator-supplied master key and never lets plaintext secrets
// leave the process except at creation time.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/klingon-tech/walletmux/internal/walleterr"
)

const (
	envelopeVersion byte = 0x01
	ivLength        byte = 0x0C // 12 bytes, AES-GCM standard nonce size
	tagLength       int  = 16   // AES-GCM authentication tag size
)

// Vault encrypts and decrypts 32-byte secrets using AES-256-GCM under a key
// derived once from the operator-supplied master key.
type Vault struct {
	key []byte // 32 bytes
}

// New derives a Vault's AES-256 key from masterKey per spec §4.2:
//   - 64 lowercase hex characters -> decoded 32 bytes
//   - 32 bytes of base64 -> those bytes
//   - else -> SHA-256 of the input string
func New(masterKey string) (*Vault, error) {
	key, err := deriveKey(masterKey)
	if err != nil {
		return nil, err
	}
	return &Vault{key: key}, nil
}

func deriveKey(masterKey string) ([]byte, error) {
	if len(masterKey) == 64 && isLowerHex(masterKey) {
		decoded, err := hex.DecodeString(masterKey)
		if err == nil && len(decoded) == 32 {
			return decoded, nil
		}
	}

	if decoded, err := base64.StdEncoding.DecodeString(masterKey); err == nil && len(decoded) == 32 {
		return decoded, nil
	}

	sum := sha256.Sum256([]byte(masterKey))
	return sum[:], nil
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return false
	}
	return true
}

// Encrypt seals plaintext into the versioned envelope described in spec
// §4.2:
//
//	byte  0     : version (0x01)
//	byte  1     : iv_length (0x0C)
//	bytes 2..N  : iv (12 bytes)
//	bytes next  : auth_tag (16 bytes)
//	bytes rest  : ciphertext
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}

	iv := make([]byte, int(ivLength))
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("vault: generate iv: %w", err)
	}

	// Seal appends the tag to the end of the ciphertext; the envelope wants
	// the tag immediately after the IV, so split it back out.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	envelope := make([]byte, 0, 2+len(iv)+len(tag)+len(ciphertext))
	envelope = append(envelope, envelopeVersion, ivLength)
	envelope = append(envelope, iv...)
	envelope = append(envelope, tag...)
	envelope = append(envelope, ciphertext...)
	return envelope, nil
}

// Decrypt opens an envelope produced by Encrypt. Failure modes map to the
// spec §4.2 error kinds.
func (v *Vault) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < 2 {
		return nil, fmt.Errorf("vault: envelope too short: %w", walleterr.ErrInvalidInput)
	}
	version := envelope[0]
	if version != envelopeVersion {
		return nil, fmt.Errorf("vault: unknown envelope version %d: %w", version, walleterr.ErrAuthFailure)
	}

	ivLen := int(envelope[1])
	if len(envelope) < 2+ivLen+tagLength {
		return nil, fmt.Errorf("vault: envelope too short for iv+tag: %w", walleterr.ErrAuthFailure)
	}
	if ivLen != int(ivLength) {
		return nil, fmt.Errorf("vault: iv length mismatch (got %d, want %d): %w", ivLen, ivLength, walleterr.ErrAuthFailure)
	}

	iv := envelope[2 : 2+ivLen]
	tag := envelope[2+ivLen : 2+ivLen+tagLength]
	ciphertext := envelope[2+ivLen+tagLength:]

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: %w: %w", walleterr.ErrAuthFailure, err)
	}
	return plaintext, nil
}
