package nwc

import "encoding/json"

// Request is the decrypted content of a kind-23194 event: a JSON-RPC-style
// method call against a sub-wallet.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the decrypted content of a kind-23195 event.
type Response struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Error          `json:"error,omitempty"`
}

// Notification is the decrypted content of a kind-23196 event.
type Notification struct {
	NotificationType string          `json:"notification_type"`
	Notification     json.RawMessage `json:"notification"`
}

// Error is a NIP-47 error object, one of the well-known codes below.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Well-known NIP-47 error codes.
const (
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeNotImplemented       = "NOT_IMPLEMENTED"
	ErrCodeInsufficientBalance  = "INSUFFICIENT_BALANCE"
	ErrCodeQuotaExceeded        = "QUOTA_EXCEEDED"
	ErrCodeRestricted           = "RESTRICTED"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeInternal             = "INTERNAL"
	ErrCodeOther                = "OTHER"
	ErrCodePaymentFailed        = "PAYMENT_FAILED"
	ErrCodeNotFound             = "NOT_FOUND"
)

// Method names this protocol implements (spec §4.5/§4.6).
const (
	MethodGetInfo       = "get_info"
	MethodGetBalance    = "get_balance"
	MethodMakeInvoice   = "make_invoice"
	MethodPayInvoice    = "pay_invoice"
	MethodLookupInvoice = "lookup_invoice"
)

// Notification type names.
const (
	NotificationPaymentReceived = "payment_received"
	NotificationPaymentSent     = "payment_sent"
)

// MakeInvoiceParams are the params of a make_invoice request.
type MakeInvoiceParams struct {
	AmountMsat      int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	ExpirySeconds   int64  `json:"expiry,omitempty"`
}

// PayInvoiceParams are the params of a pay_invoice request.
type PayInvoiceParams struct {
	Invoice string `json:"invoice"`
	AmountMsat *int64 `json:"amount,omitempty"`
}

// LookupInvoiceParams are the params of a lookup_invoice request.
type LookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

// TransactionResult is the common shape of make_invoice/lookup_invoice
// results and of payment_received/payment_sent notification payloads.
type TransactionResult struct {
	Type            string `json:"type"`
	Invoice         string `json:"invoice,omitempty"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Preimage        string `json:"preimage,omitempty"`
	PaymentHash     string `json:"payment_hash,omitempty"`
	AmountMsat      int64  `json:"amount"`
	FeesPaidMsat    int64  `json:"fees_paid,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	SettledAt       int64  `json:"settled_at,omitempty"`
}

// BalanceResult is the result of get_balance.
type BalanceResult struct {
	BalanceMsat int64 `json:"balance"`
}

// PayInvoiceResult is the result of a successful pay_invoice.
type PayInvoiceResult struct {
	Preimage string `json:"preimage"`
}

// InfoResult is the result of get_info.
type InfoResult struct {
	Alias         string   `json:"alias,omitempty"`
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications"`
}
