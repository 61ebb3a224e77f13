// Package settlement reconciles upstream payment confirmations against
// locally issued PendingInvoices (the multiplexer's C7). It runs on its own
// task, fed by a buffered channel so neither the Router nor a lookup_invoice
// handler ever blocks waiting for a reconcile to finish (spec §4.7, §5).
package settlement

import (
	"context"
	"time"

	"github.com/klingon-tech/walletmux/internal/ledger"
	"github.com/klingon-tech/walletmux/pkg/logging"
)

// queueDepth bounds how many unreconciled payment events can be in flight;
// a backlog this deep means the correlator is falling behind notifications,
// at which point dropping the oldest is preferable to unbounded growth.
const queueDepth = 256

// PaymentEvent is the trigger for a reconcile attempt, sourced from either
// the upstream adapter's payment_received stream or a lookup_invoice
// handler that observed state == "settled".
type PaymentEvent struct {
	PaymentHash     string
	Invoice         string
	DescriptionHash string
	AmountMsat      int64
	SettledAt       *int64 // unix seconds; nil means "use time of reconcile"
}

// Notifier relays a settled PendingInvoice back out to the owning
// sub-wallet's client, after the ledger transaction that settled it has
// committed. Supplied by the endpoint layer (C5) at wiring time.
type Notifier func(ctx context.Context, subAccountID string, inv *ledger.PendingInvoice)

// Correlator reconciles PaymentEvents against the ledger.
type Correlator struct {
	store  *ledger.Store
	notify Notifier
	log    *logging.Logger
	events chan PaymentEvent

	done chan struct{}
}

// New constructs a Correlator. Call Start to begin processing.
func New(store *ledger.Store, notify Notifier, log *logging.Logger) *Correlator {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Correlator{
		store:  store,
		notify: notify,
		log:    log.Component("settlement"),
		events: make(chan PaymentEvent, queueDepth),
		done:   make(chan struct{}),
	}
}

// Enqueue hands a PaymentEvent off for reconciliation without blocking the
// caller. If the queue is full, the oldest pending event is dropped in
// favor of the new one rather than blocking a notification stream or a
// client-facing handler.
func (c *Correlator) Enqueue(ev PaymentEvent) {
	select {
	case c.events <- ev:
	default:
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
		default:
			c.log.Warn("settlement queue full, dropping event", "payment_hash", ev.PaymentHash)
		}
	}
}

// Start runs the reconcile loop until ctx is canceled. Call it in its own
// goroutine.
func (c *Correlator) Start(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.reconcile(ctx, ev)
		}
	}
}

// Wait blocks until Start's loop has exited (ctx canceled and drained).
func (c *Correlator) Wait() { <-c.done }

// reconcile implements spec §4.7's five-step flow.
func (c *Correlator) reconcile(ctx context.Context, ev PaymentEvent) {
	inv, err := c.store.FindPendingInvoice(ledger.FindPendingInvoiceQuery{
		PaymentHash:     ev.PaymentHash,
		Invoice:         ev.Invoice,
		DescriptionHash: ev.DescriptionHash,
	})
	if err != nil {
		c.log.Debug("no pending invoice matches settlement event", "payment_hash", ev.PaymentHash, "invoice", ev.Invoice)
		return
	}

	if inv.State != ledger.InvoicePending {
		c.log.Debug("settlement event matched an already-terminal invoice, no-op", "id", inv.ID, "state", inv.State)
		return
	}

	creditMsat := ev.AmountMsat
	if creditMsat == 0 {
		creditMsat = inv.AmountMsat
	}

	var settled *ledger.PendingInvoice
	if ev.SettledAt != nil {
		settled, err = c.store.SettlePendingInvoice(inv.ID, creditMsat, time.Unix(*ev.SettledAt, 0))
	} else {
		settled, err = c.store.SettlePendingInvoice(inv.ID, creditMsat)
	}
	if err != nil {
		c.log.Warn("failed to settle pending invoice", "id", inv.ID, "error", err)
		return
	}

	c.log.Info("settled pending invoice", "id", inv.ID, "sub_account_id", inv.SubAccountID, "amount_msat", creditMsat)

	if c.notify != nil {
		c.notify(ctx, inv.SubAccountID, settled)
	}
}
