// Package walleterr defines the sentinel error kinds shared across the
// wallet multiplexer. Handlers map these to wallet-protocol error responses;
// they are never retried by the core (spec §7).
package walleterr

import "errors"

var (
	// ErrInvalidInput marks a malformed request: bad hex, missing required field.
	ErrInvalidInput = errors.New("invalid_input")

	// ErrUnknownSubAccount marks a routing target that does not exist.
	ErrUnknownSubAccount = errors.New("unknown_sub_account")

	// ErrDuplicateKey marks a pubkey collision on sub-account creation.
	ErrDuplicateKey = errors.New("duplicate_key")

	// ErrInsufficientBalance marks a ledger guard trip (I-2).
	ErrInsufficientBalance = errors.New("insufficient_balance")

	// ErrInvalidTransition marks an illegal PendingInvoice state transition.
	ErrInvalidTransition = errors.New("invalid_transition")

	// ErrInvoiceAmountMissing marks pay_invoice called with no amount anywhere.
	ErrInvoiceAmountMissing = errors.New("invoice_amount_missing")

	// ErrUpstreamFailure marks an error returned by the upstream adapter.
	ErrUpstreamFailure = errors.New("upstream_failure")

	// ErrTimeout marks an operation that exceeded its budget.
	ErrTimeout = errors.New("timeout")

	// ErrAuthFailure marks tampered ciphertext or a wrong master key.
	ErrAuthFailure = errors.New("auth_failure")

	// ErrTransportDropped marks a transient transport failure, retried by the
	// transport layer rather than the core.
	ErrTransportDropped = errors.New("transport_dropped")
)
