package sweeper

import (
	"os"
	"testing"
	"time"

	"github.com/klingon-tech/walletmux/internal/ledger"
	"github.com/klingon-tech/walletmux/internal/vault"
)

func newTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "walletmux-sweeper-test-*")
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

func TestSweeperPrunesExpiredInvoicesOnTick(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(ledger.CreateSubAccountInput{Label: "alice"})
	if err != nil {
		t.Fatalf("CreateSubAccount() error = %v", err)
	}

	expiresAt := time.Now().Add(-time.Minute)
	_, err = store.RegisterPendingInvoice(ledger.PendingInvoiceParams{
		SubAccountID: acct.ID,
		Invoice:      "lnbc1...",
		PaymentHash:  "hash-1",
		AmountMsat:   1000,
		ExpiresAt:    &expiresAt,
	})
	if err != nil {
		t.Fatalf("RegisterPendingInvoice() error = %v", err)
	}

	s := New(store, Config{Interval: 20 * time.Millisecond}, nil)
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		inv, err := store.FindPendingInvoice(ledger.FindPendingInvoiceQuery{PaymentHash: "hash-1"})
		if err != nil {
			t.Fatalf("FindPendingInvoice() error = %v", err)
		}
		if inv.State == ledger.InvoiceExpired {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("invoice was not swept within deadline, state = %s", inv.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSweeperStopWaitsForLoopExit(t *testing.T) {
	store := newTestStore(t)
	s := New(store, Config{Interval: time.Hour}, nil)
	s.Start()
	s.Stop() // must return promptly, not hang
}
