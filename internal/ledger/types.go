package ledger

import "time"

// SubAccountState constants are not modeled explicitly; a SubAccount has no
// lifecycle states of its own beyond existing or being deleted. Its owned
// PendingInvoices do.

// InvoiceState is the lifecycle state of a PendingInvoice.
type InvoiceState string

const (
	InvoicePending InvoiceState = "pending"
	InvoiceSettled InvoiceState = "settled"
	InvoiceFailed  InvoiceState = "failed"
	InvoiceExpired InvoiceState = "expired"
)

// SubAccount is identity and accounting for one virtual wallet.
type SubAccount struct {
	ID          string
	Label       string
	Description string

	Relays []string

	ServicePubKey string // hex, 33-byte compressed point
	ClientPubKey  string // hex, 33-byte compressed point

	// ServiceSecretEnvelope and ClientSecretEnvelope are the vault
	// envelopes as persisted; plaintext secrets are only ever returned
	// once, at creation.
	ServiceSecretEnvelope []byte
	ClientSecretEnvelope  []byte

	BalanceMsat int64
	PendingMsat int64

	Metadata string // opaque JSON blob or ""

	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastUsedAt *time.Time
	UsageCount int64
}

// PendingInvoice is an invoice issued on behalf of a SubAccount, awaiting
// upstream settlement.
type PendingInvoice struct {
	ID              string
	SubAccountID    string
	Invoice         string
	PaymentHash     string
	DescriptionHash string
	AmountMsat      int64
	State           InvoiceState
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SettledAt       *time.Time
	Raw             string // opaque JSON of the upstream's original response
}

// CreateSubAccountInput carries the operator-supplied fields for creating a
// SubAccount. ServiceSecretHex/ClientSecretHex are optional; when absent a
// fresh secret is generated.
type CreateSubAccountInput struct {
	Label            string
	Description      string
	Relays           []string
	Metadata         string
	ServiceSecretHex string
	ClientSecretHex  string
}

// CreatedSecrets carries the one-time plaintext secrets returned from
// CreateSubAccount; callers must not retain them beyond handing them to the
// operator.
type CreatedSecrets struct {
	ServiceSecretHex string
	ClientSecretHex  string
}

// FindPendingInvoiceQuery selects a PendingInvoice by any of its natural
// keys; at least one field should be set.
type FindPendingInvoiceQuery struct {
	PaymentHash     string
	Invoice         string
	DescriptionHash string
}

// PendingInvoiceParams are the fields needed to register a new
// PendingInvoice.
type PendingInvoiceParams struct {
	SubAccountID    string
	Invoice         string
	PaymentHash     string
	DescriptionHash string
	AmountMsat      int64
	ExpiresAt       *time.Time
	Raw             string
}
