package settlement

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/klingon-tech/walletmux/internal/ledger"
	"github.com/klingon-tech/walletmux/internal/vault"
)

func newTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "walletmux-settlement-test-*")
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

func TestCorrelatorSettlesMatchingInvoiceAndCreditsBalance(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(ledger.CreateSubAccountInput{Label: "alice"})
	if err != nil {
		t.Fatalf("CreateSubAccount() error = %v", err)
	}
	inv, err := store.RegisterPendingInvoice(ledger.PendingInvoiceParams{
		SubAccountID: acct.ID,
		Invoice:      "lnbc1...",
		PaymentHash:  "hash-1",
		AmountMsat:   1000,
	})
	if err != nil {
		t.Fatalf("RegisterPendingInvoice() error = %v", err)
	}

	notified := make(chan string, 1)
	c := New(store, func(ctx context.Context, subAccountID string, settled *ledger.PendingInvoice) {
		notified <- settled.ID
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Start(ctx)

	c.Enqueue(PaymentEvent{PaymentHash: "hash-1", AmountMsat: 1000})

	select {
	case id := <-notified:
		if id != inv.ID {
			t.Errorf("notified id = %s, want %s", id, inv.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("correlator did not notify after settling")
	}

	cancel()
	c.Wait()

	settled, err := store.GetSubAccountByID(acct.ID)
	if err != nil {
		t.Fatalf("GetSubAccountByID() error = %v", err)
	}
	if settled.BalanceMsat != 1000 {
		t.Errorf("BalanceMsat = %d, want 1000", settled.BalanceMsat)
	}
	if settled.PendingMsat != 0 {
		t.Errorf("PendingMsat = %d, want 0", settled.PendingMsat)
	}
}

func TestCorrelatorNoopsOnUnknownInvoice(t *testing.T) {
	store := newTestStore(t)
	c := New(store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Enqueue(PaymentEvent{PaymentHash: "nobody-issued-this"})
	time.Sleep(50 * time.Millisecond) // no crash, no notify call is the assertion
}

func TestCorrelatorIsIdempotentOnAlreadyTerminalInvoice(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(ledger.CreateSubAccountInput{Label: "bob"})
	if err != nil {
		t.Fatalf("CreateSubAccount() error = %v", err)
	}
	inv, err := store.RegisterPendingInvoice(ledger.PendingInvoiceParams{
		SubAccountID: acct.ID,
		PaymentHash:  "hash-2",
		AmountMsat:   500,
	})
	if err != nil {
		t.Fatalf("RegisterPendingInvoice() error = %v", err)
	}
	if _, err := store.UpdatePendingInvoiceState(inv.ID, ledger.InvoiceFailed); err != nil {
		t.Fatalf("UpdatePendingInvoiceState() error = %v", err)
	}

	notified := make(chan string, 1)
	c := New(store, func(ctx context.Context, subAccountID string, settled *ledger.PendingInvoice) {
		notified <- settled.ID
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Enqueue(PaymentEvent{PaymentHash: "hash-2", AmountMsat: 500})

	select {
	case <-notified:
		t.Fatal("correlator should not re-settle an already-terminal invoice")
	case <-time.After(100 * time.Millisecond):
	}

	acctAfter, err := store.GetSubAccountByID(acct.ID)
	if err != nil {
		t.Fatalf("GetSubAccountByID() error = %v", err)
	}
	if acctAfter.BalanceMsat != 0 {
		t.Errorf("BalanceMsat = %d, want 0 (failed invoice must not credit)", acctAfter.BalanceMsat)
	}
}

func TestCorrelatorRespectsExplicitSettledAt(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(ledger.CreateSubAccountInput{Label: "carol"})
	if err != nil {
		t.Fatalf("CreateSubAccount() error = %v", err)
	}
	if _, err := store.RegisterPendingInvoice(ledger.PendingInvoiceParams{
		SubAccountID: acct.ID,
		PaymentHash:  "hash-3",
		AmountMsat:   250,
	}); err != nil {
		t.Fatalf("RegisterPendingInvoice() error = %v", err)
	}

	c := New(store, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Start(ctx)

	settledAt := time.Now().Add(-time.Hour).Unix()
	c.Enqueue(PaymentEvent{PaymentHash: "hash-3", AmountMsat: 250, SettledAt: &settledAt})

	deadline := time.Now().Add(2 * time.Second)
	for {
		inv, err := store.FindPendingInvoice(ledger.FindPendingInvoiceQuery{PaymentHash: "hash-3"})
		if err != nil {
			t.Fatalf("FindPendingInvoice() error = %v", err)
		}
		if inv.State == ledger.InvoiceSettled {
			if inv.SettledAt == nil {
				t.Fatal("SettledAt was not set")
			}
			if inv.SettledAt.Unix() != settledAt {
				t.Errorf("SettledAt = %d, want %d", inv.SettledAt.Unix(), settledAt)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("invoice was never settled")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	c.Wait()
}
