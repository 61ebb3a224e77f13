// Package keys provides the secp256k1 key-pair handling shared by the
// sub-wallet registry, the wire encryption used between client and service
// identities, and the upstream NWC client (spec §3: service and client key
// pairs are both secp256k1, 33-byte compressed public points).
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/klingon-tech/walletmux/pkg/helpers"
)

// SecretLen is the length in bytes of a raw secp256k1 scalar.
const SecretLen = 32

// PubKeyLen is the length in bytes of a compressed secp256k1 public point.
const PubKeyLen = 33

// GenerateSecret returns 32 cryptographically random bytes suitable as a
// secp256k1 private scalar.
func GenerateSecret() ([]byte, error) {
	secret, err := helpers.GenerateSecureRandom(SecretLen)
	if err != nil {
		return nil, fmt.Errorf("keys: generate secret: %w", err)
	}
	if helpers.IsZeroBytes(secret) {
		return nil, fmt.Errorf("keys: generate secret: random source returned all-zero bytes")
	}
	return secret, nil
}

// DerivePublic returns the 33-byte compressed public key for a 32-byte
// secret.
func DerivePublic(secret []byte) ([]byte, error) {
	if len(secret) != SecretLen {
		return nil, fmt.Errorf("keys: secret must be %d bytes, got %d", SecretLen, len(secret))
	}
	priv := secp256k1.PrivKeyFromBytes(secret)
	defer priv.Zero()
	return priv.PubKey().SerializeCompressed(), nil
}

// ParseSecretHex decodes a 64-character hex string into a 32-byte secret.
func ParseSecretHex(s string) ([]byte, error) {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid secret hex: %w", err)
	}
	if len(decoded) != SecretLen {
		return nil, fmt.Errorf("keys: secret must decode to %d bytes, got %d", SecretLen, len(decoded))
	}
	return decoded, nil
}

// ParsePublicHex decodes a 66-character hex string into a 33-byte compressed
// public key, validating it is a point on the curve.
func ParsePublicHex(s string) ([]byte, error) {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid pubkey hex: %w", err)
	}
	if _, err := secp256k1.ParsePubKey(decoded); err != nil {
		return nil, fmt.Errorf("keys: invalid pubkey point: %w", err)
	}
	return decoded, nil
}

// SharedSecret computes an ECDH shared secret between a local 32-byte secret
// and a remote 33-byte compressed public key, returning SHA-256 of the
// shared point's x-coordinate. This is symmetric: SharedSecret(a, B) ==
// SharedSecret(b, A) for a keypair (a, A) and (b, B). It is the key used for
// NIP-04-style symmetric encryption of request/response/notification event
// content between a sub-wallet's service identity and its authorized client.
func SharedSecret(localSecret, remotePub []byte) ([32]byte, error) {
	var out [32]byte
	if len(localSecret) != SecretLen {
		return out, fmt.Errorf("keys: local secret must be %d bytes", SecretLen)
	}
	priv := secp256k1.PrivKeyFromBytes(localSecret)
	defer priv.Zero()

	pub, err := secp256k1.ParsePubKey(remotePub)
	if err != nil {
		return out, fmt.Errorf("keys: invalid remote pubkey: %w", err)
	}

	sharedX := secp256k1.GenerateSharedSecret(priv, pub)
	out = sha256.Sum256(sharedX)
	return out, nil
}

// Zero overwrites a secret's bytes with zeros. Callers that hold decrypted
// secrets should defer this.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
