// Package upstream provides the core's façade over the single upstream
// payment wallet (spec §4.6, C6): invoice creation, payment, lookup, info,
// and an async payment-notification stream.
package upstream

import "context"

// MakeInvoiceOpts carries the optional fields of a make_invoice call.
type MakeInvoiceOpts struct {
	Description     string
	DescriptionHash string
	ExpirySeconds   int64
}

// InvoiceResult is the upstream's response to make_invoice or lookup_invoice.
type InvoiceResult struct {
	Invoice         string
	PaymentHash     string
	DescriptionHash string
	AmountMsat      int64
	State           string // "pending", "settled", "failed", "expired" -- upstream vocabulary; the endpoint acts only on "settled" and does not map it onto ledger.InvoiceState
	ExpiresAt       *int64
	SettledAt       *int64
	Raw             string // opaque JSON, retained for audit (spec §9)
}

// PayResult is the upstream's response to a successful pay_invoice.
type PayResult struct {
	Preimage   string
	FeesPaid   int64
	AmountMsat int64
	Raw        string
}

// LookupQuery selects an invoice by any of its natural keys.
type LookupQuery struct {
	PaymentHash string
	Invoice     string
}

// Info is the upstream's get_info response. The endpoint passes only Alias
// on to clients; it reports its own method and notification lists, and the
// other fields are not returned.
type Info struct {
	Alias       string
	Pubkey      string
	Methods     []string
	Network     string
	BlockHeight int64
	BlockHash   string
	Raw         string
}

// Notification is an async payment event from the upstream wallet.
type Notification struct {
	Type            string // "incoming" or "outgoing"
	PaymentHash     string
	Invoice         string
	DescriptionHash string
	AmountMsat      int64
	SettledAt       *int64
	Raw             string
}

// Adapter is the core's only dependency on the upstream wallet client
// (spec §4.6). The core treats it as a single serial resource; an
// implementation that is not internally thread-safe must be wrapped with a
// mutex (done here in NWCAdapter).
type Adapter interface {
	MakeInvoice(ctx context.Context, amountMsats int64, opts MakeInvoiceOpts) (*InvoiceResult, error)
	PayInvoice(ctx context.Context, invoice string, amountOverrideMsats *int64) (*PayResult, error)
	LookupInvoice(ctx context.Context, q LookupQuery) (*InvoiceResult, error)
	GetInfo(ctx context.Context) (*Info, error)
	SupportsNotifications() bool
	Notifications() <-chan *Notification
}
