// Package nwc implements the wire protocol the multiplexer speaks on both
// sides of itself: NIP-47 (Nostr Wallet Connect) events carried over the
// relay transport. It defines the event envelope, id/signature handling, and
// the NIP-04-style content encryption shared by the sub-wallet endpoints
// (inward) and the upstream adapter (outward).
package nwc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Event kinds used by the protocol (NIP-47).
const (
	KindInfo         = 13194 // wallet capability advertisement
	KindRequest      = 23194 // client -> service
	KindResponse     = 23195 // service -> client
	KindNotification = 23196 // service -> client, unsolicited
)

// Tag is a single Nostr event tag, e.g. ["p", "<hex pubkey>"].
type Tag []string

// Event is the wire envelope common to all four kinds this protocol uses.
// Pubkey and Sig fields are hex-encoded, matching NIP-01 on-wire JSON even
// though this protocol's keys are 33-byte compressed points rather than the
// usual 32-byte x-only ones.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// serialize builds the NIP-01 canonical form used to derive an event's id:
// [0, pubkey, created_at, kind, tags, content].
func (e *Event) serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}
	arr := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}
	return json.Marshal(arr)
}

// ComputeID sets e.ID to the sha256 of the event's canonical serialization.
func (e *Event) ComputeID() error {
	data, err := e.serialize()
	if err != nil {
		return fmt.Errorf("nwc: serialize event: %w", err)
	}
	sum := sha256.Sum256(data)
	e.ID = hex.EncodeToString(sum[:])
	return nil
}

// Sign computes the event id and signs it with secret, an ECDSA signature
// over the 32-byte id rather than the usual Nostr Schnorr scheme: Schnorr
// (BIP-340) requires 32-byte x-only public keys, and this protocol's keys
// are 33-byte compressed points.
func (e *Event) Sign(secret []byte) error {
	if err := e.ComputeID(); err != nil {
		return err
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("nwc: decode event id: %w", err)
	}

	priv := secp256k1.PrivKeyFromBytes(secret)
	defer priv.Zero()

	sig := ecdsa.Sign(priv, idBytes)
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the event's id matches its content and that Sig is a
// valid signature over that id by the key in PubKey.
func (e *Event) Verify() error {
	data, err := e.serialize()
	if err != nil {
		return fmt.Errorf("nwc: serialize event: %w", err)
	}
	sum := sha256.Sum256(data)
	wantID := hex.EncodeToString(sum[:])
	if wantID != e.ID {
		return fmt.Errorf("nwc: event id mismatch: got %s, want %s", e.ID, wantID)
	}

	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("nwc: decode pubkey: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("nwc: invalid pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("nwc: decode sig: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("nwc: invalid signature encoding: %w", err)
	}

	if !sig.Verify(sum[:], pub) {
		return fmt.Errorf("nwc: signature verification failed")
	}
	return nil
}

// FirstTagValue returns the second element of the first tag named name, or
// "" if no such tag exists.
func (e *Event) FirstTagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
