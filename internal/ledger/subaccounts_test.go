package ledger

import (
	"encoding/hex"
	"errors"
	"os"
	"testing"

	"github.com/klingon-tech/walletmux/internal/keys"
	"github.com/klingon-tech/walletmux/internal/vault"
	"github.com/klingon-tech/walletmux/internal/walleterr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "walletmux-ledger-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	v, err := vault.New("test-master-key")
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}

	store, err := Open(&Config{DataDir: tmpDir}, v, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetSubAccount(t *testing.T) {
	store := newTestStore(t)

	acct, secrets, err := store.CreateSubAccount(CreateSubAccountInput{
		Label:  "alice",
		Relays: []string{"wss://relay.example.com"},
	})
	if err != nil {
		t.Fatalf("CreateSubAccount() error = %v", err)
	}
	if acct.ID == "" {
		t.Fatal("CreateSubAccount() did not assign an id")
	}
	if secrets.ServiceSecretHex == "" || secrets.ClientSecretHex == "" {
		t.Fatal("CreateSubAccount() did not return plaintext secrets")
	}
	if acct.ServicePubKey == "" || acct.ClientPubKey == "" {
		t.Fatal("CreateSubAccount() did not derive pubkeys")
	}

	got, err := store.GetSubAccountByID(acct.ID)
	if err != nil {
		t.Fatalf("GetSubAccountByID() error = %v", err)
	}
	if got.Label != "alice" {
		t.Errorf("Label = %s, want alice", got.Label)
	}
	if got.BalanceMsat != 0 || got.PendingMsat != 0 {
		t.Errorf("new sub-account should start at zero balances, got balance=%d pending=%d", got.BalanceMsat, got.PendingMsat)
	}

	byPubkey, err := store.GetSubAccountByServicePubKey(acct.ServicePubKey)
	if err != nil {
		t.Fatalf("GetSubAccountByServicePubKey() error = %v", err)
	}
	if byPubkey.ID != acct.ID {
		t.Errorf("GetSubAccountByServicePubKey() ID = %s, want %s", byPubkey.ID, acct.ID)
	}
}

func TestCreateSubAccountDuplicateKey(t *testing.T) {
	store := newTestStore(t)

	secret, err := randomSecretHex()
	if err != nil {
		t.Fatalf("randomSecretHex() error = %v", err)
	}

	if _, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "a", ServiceSecretHex: secret}); err != nil {
		t.Fatalf("CreateSubAccount() error = %v", err)
	}
	_, _, err = store.CreateSubAccount(CreateSubAccountInput{Label: "b", ServiceSecretHex: secret})
	if !errors.Is(err, walleterr.ErrDuplicateKey) {
		t.Errorf("CreateSubAccount() with reused secret error = %v, want ErrDuplicateKey", err)
	}
}

func TestGetSubAccountUnknown(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetSubAccountByID("nonexistent")
	if !errors.Is(err, walleterr.ErrUnknownSubAccount) {
		t.Errorf("GetSubAccountByID(nonexistent) error = %v, want ErrUnknownSubAccount", err)
	}
}

func TestListSubAccountsOrdering(t *testing.T) {
	store := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		acct, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "sub"})
		if err != nil {
			t.Fatalf("CreateSubAccount() error = %v", err)
		}
		ids = append(ids, acct.ID)
	}

	list, err := store.ListSubAccounts()
	if err != nil {
		t.Fatalf("ListSubAccounts() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("ListSubAccounts() returned %d accounts, want 3", len(list))
	}
	for i, acct := range list {
		if acct.ID != ids[i] {
			t.Errorf("ListSubAccounts()[%d].ID = %s, want %s (created-at order)", i, acct.ID, ids[i])
		}
	}
}

func TestAdjustBalance(t *testing.T) {
	store := newTestStore(t)

	acct, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "alice"})
	if err != nil {
		t.Fatalf("CreateSubAccount() error = %v", err)
	}

	got, err := store.AdjustBalance(acct.ID, 5000)
	if err != nil {
		t.Fatalf("AdjustBalance(+5000) error = %v", err)
	}
	if got.BalanceMsat != 5000 {
		t.Errorf("BalanceMsat = %d, want 5000", got.BalanceMsat)
	}

	got, err = store.AdjustBalance(acct.ID, -2000)
	if err != nil {
		t.Fatalf("AdjustBalance(-2000) error = %v", err)
	}
	if got.BalanceMsat != 3000 {
		t.Errorf("BalanceMsat = %d, want 3000", got.BalanceMsat)
	}
}

func TestAdjustBalanceRejectsNegative(t *testing.T) {
	store := newTestStore(t)

	acct, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "alice"})
	if err != nil {
		t.Fatalf("CreateSubAccount() error = %v", err)
	}

	_, err = store.AdjustBalance(acct.ID, -1)
	if !errors.Is(err, walleterr.ErrInsufficientBalance) {
		t.Errorf("AdjustBalance() into negative error = %v, want ErrInsufficientBalance", err)
	}

	got, err := store.GetSubAccountByID(acct.ID)
	if err != nil {
		t.Fatalf("GetSubAccountByID() error = %v", err)
	}
	if got.BalanceMsat != 0 {
		t.Errorf("rejected AdjustBalance() should not mutate balance, got %d", got.BalanceMsat)
	}
}

func TestTouchSubAccount(t *testing.T) {
	store := newTestStore(t)

	acct, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "alice"})
	if err != nil {
		t.Fatalf("CreateSubAccount() error = %v", err)
	}

	if err := store.TouchSubAccount(acct.ID, TouchSubAccountOpts{IncrementUsage: true, UpdateLastUsed: true}); err != nil {
		t.Fatalf("TouchSubAccount() error = %v", err)
	}

	got, err := store.GetSubAccountByID(acct.ID)
	if err != nil {
		t.Fatalf("GetSubAccountByID() error = %v", err)
	}
	if got.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1", got.UsageCount)
	}
	if got.LastUsedAt == nil {
		t.Error("LastUsedAt should be set after TouchSubAccount")
	}
}

func TestTouchSubAccountUnknown(t *testing.T) {
	store := newTestStore(t)

	err := store.TouchSubAccount("nonexistent", TouchSubAccountOpts{IncrementUsage: true})
	if !errors.Is(err, walleterr.ErrUnknownSubAccount) {
		t.Errorf("TouchSubAccount(nonexistent) error = %v, want ErrUnknownSubAccount", err)
	}
}

func randomSecretHex() (string, error) {
	secret, err := keys.GenerateSecret()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(secret), nil
}
