package nwc

import (
	"testing"

	"github.com/klingon-tech/walletmux/internal/keys"
)

func TestEncryptDecryptContentRoundtrip(t *testing.T) {
	secretA, pubA := mustKeypair(t)
	secretB, pubB := mustKeypair(t)

	plaintext := `{"method":"get_balance","params":{}}`

	encrypted, err := EncryptContent(secretA, pubB, plaintext)
	if err != nil {
		t.Fatalf("EncryptContent: %v", err)
	}

	decrypted, err := DecryptContent(secretB, pubA, encrypted)
	if err != nil {
		t.Fatalf("DecryptContent: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("roundtrip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptContentRejectsWrongKey(t *testing.T) {
	secretA, pubA := mustKeypair(t)
	_, pubB := mustKeypair(t)
	secretC, _ := mustKeypair(t)

	encrypted, err := EncryptContent(secretA, pubB, "hello")
	if err != nil {
		t.Fatalf("EncryptContent: %v", err)
	}

	// secretC/pubA do not form the same shared secret as secretA/pubB, so
	// decryption should fail padding validation (or at least not silently
	// return the original plaintext).
	decrypted, err := DecryptContent(secretC, pubA, encrypted)
	if err == nil && decrypted == "hello" {
		t.Error("expected decryption under the wrong key to fail or differ")
	}
}

func TestDecryptContentRejectsMalformedWire(t *testing.T) {
	secret, _ := keys.GenerateSecret()
	pub, _ := keys.DerivePublic(secret)

	if _, err := DecryptContent(secret, pub, "not-a-valid-envelope"); err == nil {
		t.Error("expected error for missing ?iv= separator")
	}
}

func TestPKCS7PadUnpadRoundtrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31, 32} {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}
		padded := pkcs7Pad(data, 16)
		if len(padded)%16 != 0 {
			t.Fatalf("padded length %d not a multiple of 16", len(padded))
		}
		unpadded, err := pkcs7Unpad(padded, 16)
		if err != nil {
			t.Fatalf("pkcs7Unpad: %v", err)
		}
		if len(unpadded) != n {
			t.Errorf("unpad length = %d, want %d", len(unpadded), n)
		}
	}
}
