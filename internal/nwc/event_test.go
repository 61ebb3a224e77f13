package nwc

import (
	"testing"

	"github.com/klingon-tech/walletmux/internal/keys"
)

func mustKeypair(t *testing.T) ([]byte, []byte) {
	t.Helper()
	secret, err := keys.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	pub, err := keys.DerivePublic(secret)
	if err != nil {
		t.Fatalf("DerivePublic: %v", err)
	}
	return secret, pub
}

func TestSignAndVerifyRoundtrip(t *testing.T) {
	secret, pub := mustKeypair(t)

	ev := &Event{
		PubKey:    hexEncode(pub),
		CreatedAt: 1700000000,
		Kind:      KindRequest,
		Tags:      []Tag{{"p", "deadbeef"}},
		Content:   "encrypted-payload",
	}

	if err := ev.Sign(secret); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if ev.ID == "" || ev.Sig == "" {
		t.Fatal("expected id and sig to be populated")
	}

	if err := ev.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	secret, pub := mustKeypair(t)

	ev := &Event{
		PubKey:    hexEncode(pub),
		CreatedAt: 1700000000,
		Kind:      KindRequest,
		Content:   "original",
	}
	if err := ev.Sign(secret); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ev.Content = "tampered"
	if err := ev.Verify(); err == nil {
		t.Error("expected verification failure after content tamper")
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	secretA, pubA := mustKeypair(t)
	secretB, _ := mustKeypair(t)

	ev := &Event{
		PubKey:    hexEncode(pubA),
		CreatedAt: 1700000000,
		Kind:      KindRequest,
		Content:   "hello",
	}
	if err := ev.Sign(secretB); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	_ = secretA

	if err := ev.Verify(); err == nil {
		t.Error("expected verification failure when signed by a different key than PubKey claims")
	}
}

func TestFirstTagValue(t *testing.T) {
	ev := &Event{Tags: []Tag{{"e", "abc123"}, {"p", "def456"}}}
	if got := ev.FirstTagValue("p"); got != "def456" {
		t.Errorf("FirstTagValue(p) = %q, want def456", got)
	}
	if got := ev.FirstTagValue("missing"); got != "" {
		t.Errorf("FirstTagValue(missing) = %q, want empty", got)
	}
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0x0F]
	}
	return string(out)
}
