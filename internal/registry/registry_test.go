package registry

import (
	"os"
	"testing"

	"github.com/klingon-tech/walletmux/internal/ledger"
	"github.com/klingon-tech/walletmux/internal/vault"
)

func newTestLedger(t *testing.T) *ledger.Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "walletmux-registry-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	v, err := vault.New("test-master-key")
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	store, err := ledger.Open(&ledger.Config{DataDir: tmpDir}, v, nil)
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRegistryLoadsExistingSubAccounts(t *testing.T) {
	store := newTestLedger(t)
	acct, _, err := store.CreateSubAccount(ledger.CreateSubAccountInput{Label: "alice"})
	if err != nil {
		t.Fatalf("CreateSubAccount() error = %v", err)
	}

	reg, err := New(store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", reg.Count())
	}

	got, ok := reg.ByID(acct.ID)
	if !ok {
		t.Fatal("ByID() did not find freshly loaded sub-account")
	}
	if got.Label != "alice" {
		t.Errorf("Label = %s, want alice", got.Label)
	}

	byPubkey, ok := reg.ByServicePubKey(acct.ServicePubKey)
	if !ok || byPubkey.ID != acct.ID {
		t.Error("ByServicePubKey() did not find freshly loaded sub-account")
	}
}

func TestRegistryPutMakesAccountImmediatelyRoutable(t *testing.T) {
	store := newTestLedger(t)
	reg, err := New(store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if reg.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", reg.Count())
	}

	acct, _, err := store.CreateSubAccount(ledger.CreateSubAccountInput{Label: "bob"})
	if err != nil {
		t.Fatalf("CreateSubAccount() error = %v", err)
	}
	reg.Put(acct)

	if _, ok := reg.ByID(acct.ID); !ok {
		t.Error("Put() did not make sub-account routable by id")
	}
	pubkeys := reg.ServicePubKeys()
	found := false
	for _, k := range pubkeys {
		if k == acct.ServicePubKey {
			found = true
		}
	}
	if !found {
		t.Error("ServicePubKeys() does not include newly Put sub-account")
	}
}

func TestRegistryReloadReplacesIndex(t *testing.T) {
	store := newTestLedger(t)
	reg, err := New(store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	acct, _, err := store.CreateSubAccount(ledger.CreateSubAccountInput{Label: "carol"})
	if err != nil {
		t.Fatalf("CreateSubAccount() error = %v", err)
	}
	if reg.Count() != 0 {
		t.Fatalf("Count() before Reload = %d, want 0", reg.Count())
	}

	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("Count() after Reload = %d, want 1", reg.Count())
	}
	if _, ok := reg.ByID(acct.ID); !ok {
		t.Error("Reload() did not pick up sub-account created before it ran")
	}
}

func TestRegistryUnknownLookups(t *testing.T) {
	store := newTestLedger(t)
	reg, err := New(store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, ok := reg.ByID("nonexistent"); ok {
		t.Error("ByID(nonexistent) should not be found")
	}
	if _, ok := reg.ByServicePubKey("nonexistent"); ok {
		t.Error("ByServicePubKey(nonexistent) should not be found")
	}
}
