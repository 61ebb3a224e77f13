// Package endpoint implements the per-sub-wallet NIP-47 service side (C5):
// the handler a Router worker invokes for every decoded request event
// addressed to one SubAccount. It verifies and decrypts the request,
// dispatches the five wallet methods against the ledger and the upstream
// adapter, and encrypts, signs, and publishes the response.
package endpoint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-tech/walletmux/internal/bolt11"
	"github.com/klingon-tech/walletmux/internal/ledger"
	"github.com/klingon-tech/walletmux/internal/nwc"
	"github.com/klingon-tech/walletmux/internal/settlement"
	"github.com/klingon-tech/walletmux/internal/upstream"
	"github.com/klingon-tech/walletmux/internal/walleterr"
	"github.com/klingon-tech/walletmux/pkg/logging"
)

// Directory is the slice of registry.Registry the endpoint depends on.
type Directory interface {
	ByID(id string) (*ledger.SubAccount, bool)
}

// Store is the slice of ledger.Store the endpoint depends on.
type Store interface {
	GetSubAccountByID(id string) (*ledger.SubAccount, error)
	DecryptServiceSecret(acct *ledger.SubAccount) ([]byte, error)
	AdjustBalance(id string, deltaMsat int64) (*ledger.SubAccount, error)
	RegisterPendingInvoice(params ledger.PendingInvoiceParams) (*ledger.PendingInvoice, error)
	TouchSubAccount(id string, opts ledger.TouchSubAccountOpts) error
}

// Publisher is the slice of relay.Pool the endpoint depends on.
type Publisher interface {
	Publish(ctx context.Context, event *nwc.Event) error
}

// Correlator is the slice of settlement.Correlator the endpoint depends on:
// lookup_invoice hands a freshly observed settlement to it rather than
// settling the ledger inline, so the reconciliation path is the same
// whether the settlement was discovered by a notification or by a poll.
type Correlator interface {
	Enqueue(ev settlement.PaymentEvent)
}

// Endpoint is the NIP-47 service side of every SubAccount registered in
// Directory: one instance handles requests for all sub-wallets, keyed per
// call by the subAccountID the Router supplies.
type Endpoint struct {
	registry   Directory
	store      Store
	upstream   upstream.Adapter
	correlator Correlator
	publisher  Publisher
	log        *logging.Logger
}

// New constructs an Endpoint.
func New(registry Directory, store Store, up upstream.Adapter, correlator Correlator, publisher Publisher, log *logging.Logger) *Endpoint {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Endpoint{
		registry:   registry,
		store:      store,
		upstream:   up,
		correlator: correlator,
		publisher:  publisher,
		log:        log.Component("endpoint"),
	}
}

// Handle is the router.Handler callback: it processes one request event
// addressed to subAccountID.
func (e *Endpoint) Handle(ctx context.Context, subAccountID string, ev *nwc.Event) {
	acct, ok := e.registry.ByID(subAccountID)
	if !ok {
		e.log.Warn("request for unknown sub-wallet reached the endpoint", "sub_account_id", subAccountID)
		return
	}

	if err := ev.Verify(); err != nil {
		e.log.Debug("dropping request with invalid signature", "sub_account_id", subAccountID, "error", err)
		return
	}
	if ev.PubKey != acct.ClientPubKey {
		e.log.Debug("dropping request from unauthorized pubkey", "sub_account_id", subAccountID, "pubkey", ev.PubKey)
		return
	}

	servicePriv, err := e.store.DecryptServiceSecret(acct)
	if err != nil {
		e.log.Error("failed to decrypt service secret", "sub_account_id", subAccountID, "error", err)
		return
	}
	clientPub, err := hex.DecodeString(acct.ClientPubKey)
	if err != nil {
		e.log.Error("stored client pubkey is not valid hex", "sub_account_id", subAccountID, "error", err)
		return
	}

	plaintext, err := nwc.DecryptContent(servicePriv, clientPub, ev.Content)
	if err != nil {
		e.log.Debug("failed to decrypt request content", "sub_account_id", subAccountID, "error", err)
		return
	}

	var req nwc.Request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		e.log.Debug("malformed request payload", "sub_account_id", subAccountID, "error", err)
		return
	}

	result, nwcErr := e.dispatch(ctx, acct, req)

	touchErr := e.store.TouchSubAccount(acct.ID, ledger.TouchSubAccountOpts{IncrementUsage: true, UpdateLastUsed: true})
	if touchErr != nil {
		e.log.Warn("failed to update sub-wallet usage bookkeeping", "sub_account_id", acct.ID, "error", touchErr)
	}

	e.respond(ctx, acct, ev, req.Method, result, nwcErr)
}

// dispatch invokes the handler for req.Method, returning either a result
// value to be marshaled into Response.Result, or a protocol error.
func (e *Endpoint) dispatch(ctx context.Context, acct *ledger.SubAccount, req nwc.Request) (interface{}, *nwc.Error) {
	switch req.Method {
	case nwc.MethodGetBalance:
		return e.handleGetBalance(acct)
	case nwc.MethodGetInfo:
		return e.handleGetInfo(ctx)
	case nwc.MethodMakeInvoice:
		return e.handleMakeInvoice(ctx, acct, req.Params)
	case nwc.MethodPayInvoice:
		return e.handlePayInvoice(ctx, acct, req.Params)
	case nwc.MethodLookupInvoice:
		return e.handleLookupInvoice(ctx, acct, req.Params)
	default:
		return nil, &nwc.Error{Code: nwc.ErrCodeNotImplemented, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (e *Endpoint) handleGetBalance(acct *ledger.SubAccount) (interface{}, *nwc.Error) {
	fresh, err := e.store.GetSubAccountByID(acct.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return nwc.BalanceResult{BalanceMsat: fresh.BalanceMsat}, nil
}

func (e *Endpoint) handleGetInfo(ctx context.Context) (interface{}, *nwc.Error) {
	info, err := e.upstream.GetInfo(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return nwc.InfoResult{
		Alias:   info.Alias,
		Methods: []string{nwc.MethodGetInfo, nwc.MethodGetBalance, nwc.MethodMakeInvoice, nwc.MethodPayInvoice, nwc.MethodLookupInvoice},
		Notifications: []string{
			nwc.NotificationPaymentReceived,
			nwc.NotificationPaymentSent,
		},
	}, nil
}

func (e *Endpoint) handleMakeInvoice(ctx context.Context, acct *ledger.SubAccount, raw json.RawMessage) (interface{}, *nwc.Error) {
	var params nwc.MakeInvoiceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &nwc.Error{Code: nwc.ErrCodeOther, Message: "malformed make_invoice params"}
	}
	if params.AmountMsat <= 0 {
		return nil, &nwc.Error{Code: nwc.ErrCodeOther, Message: "amount is required"}
	}

	result, err := e.upstream.MakeInvoice(ctx, params.AmountMsat, upstream.MakeInvoiceOpts{
		Description:     params.Description,
		DescriptionHash: params.DescriptionHash,
		ExpirySeconds:   params.ExpirySeconds,
	})
	if err != nil {
		return nil, mapError(err)
	}

	expiresAt := expiryFromResult(result, params.ExpirySeconds)
	inv, err := e.store.RegisterPendingInvoice(ledger.PendingInvoiceParams{
		SubAccountID:    acct.ID,
		Invoice:         result.Invoice,
		PaymentHash:     result.PaymentHash,
		DescriptionHash: result.DescriptionHash,
		AmountMsat:      result.AmountMsat,
		ExpiresAt:       expiresAt,
		Raw:             result.Raw,
	})
	if err != nil {
		e.log.Error("failed to register pending invoice", "sub_account_id", acct.ID, "error", err)
		return nil, mapError(err)
	}

	return nwc.TransactionResult{
		Type:            "incoming",
		Invoice:         inv.Invoice,
		Description:     params.Description,
		DescriptionHash: inv.DescriptionHash,
		PaymentHash:     inv.PaymentHash,
		AmountMsat:      inv.AmountMsat,
		CreatedAt:       inv.CreatedAt.Unix(),
		ExpiresAt:       unixOrZero(inv.ExpiresAt),
	}, nil
}

func (e *Endpoint) handlePayInvoice(ctx context.Context, acct *ledger.SubAccount, raw json.RawMessage) (interface{}, *nwc.Error) {
	var params nwc.PayInvoiceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &nwc.Error{Code: nwc.ErrCodeOther, Message: "malformed pay_invoice params"}
	}
	if params.Invoice == "" {
		return nil, &nwc.Error{Code: nwc.ErrCodeOther, Message: "invoice is required"}
	}

	var override *int64
	amountMsat, embedded := bolt11.AmountMsat(params.Invoice)
	if !embedded {
		if params.AmountMsat == nil {
			return nil, mapError(walleterr.ErrInvoiceAmountMissing)
		}
		amountMsat = *params.AmountMsat
		override = params.AmountMsat
	}

	fresh, err := e.store.GetSubAccountByID(acct.ID)
	if err != nil {
		return nil, mapError(err)
	}
	if fresh.BalanceMsat < amountMsat {
		return nil, mapError(walleterr.ErrInsufficientBalance)
	}

	result, err := e.upstream.PayInvoice(ctx, params.Invoice, override)
	if err != nil {
		return nil, mapError(err)
	}

	if _, err := e.store.AdjustBalance(acct.ID, -amountMsat); err != nil {
		// The payment already left the wallet; a failure to debit here is a
		// bookkeeping bug, not a payment failure, and must not be reported
		// to the client as one.
		e.log.Error("payment succeeded upstream but ledger debit failed", "sub_account_id", acct.ID, "amount_msat", amountMsat, "error", err)
	}

	return nwc.PayInvoiceResult{Preimage: result.Preimage}, nil
}

func (e *Endpoint) handleLookupInvoice(ctx context.Context, acct *ledger.SubAccount, raw json.RawMessage) (interface{}, *nwc.Error) {
	var params nwc.LookupInvoiceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &nwc.Error{Code: nwc.ErrCodeOther, Message: "malformed lookup_invoice params"}
	}
	if params.PaymentHash == "" && params.Invoice == "" {
		return nil, &nwc.Error{Code: nwc.ErrCodeOther, Message: "payment_hash or invoice is required"}
	}

	result, err := e.upstream.LookupInvoice(ctx, upstream.LookupQuery{
		PaymentHash: params.PaymentHash,
		Invoice:     params.Invoice,
	})
	if err != nil {
		return nil, mapError(err)
	}

	if result.State == "settled" && e.correlator != nil {
		e.correlator.Enqueue(settlement.PaymentEvent{
			PaymentHash:     result.PaymentHash,
			Invoice:         result.Invoice,
			DescriptionHash: result.DescriptionHash,
			AmountMsat:      result.AmountMsat,
			SettledAt:       result.SettledAt,
		})
	}

	return nwc.TransactionResult{
		Type:            "incoming",
		Invoice:         result.Invoice,
		DescriptionHash: result.DescriptionHash,
		PaymentHash:     result.PaymentHash,
		AmountMsat:      result.AmountMsat,
		ExpiresAt:       int64OrZero(result.ExpiresAt),
		SettledAt:       int64OrZero(result.SettledAt),
	}, nil
}

// NotifyPaymentReceived matches settlement.Notifier: it relays a settled
// PendingInvoice back to its owning sub-wallet's client as a kind-23196
// notification (spec §4.7 step 5).
func (e *Endpoint) NotifyPaymentReceived(ctx context.Context, subAccountID string, inv *ledger.PendingInvoice) {
	acct, ok := e.registry.ByID(subAccountID)
	if !ok {
		e.log.Warn("settlement notification for unknown sub-wallet", "sub_account_id", subAccountID)
		return
	}

	tx := nwc.TransactionResult{
		Type:        "incoming",
		Invoice:     inv.Invoice,
		PaymentHash: inv.PaymentHash,
		AmountMsat:  inv.AmountMsat,
		CreatedAt:   inv.CreatedAt.Unix(),
		SettledAt:   unixOrZero(inv.SettledAt),
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		e.log.Error("failed to marshal payment notification", "sub_account_id", subAccountID, "error", err)
		return
	}
	notification := nwc.Notification{
		NotificationType: nwc.NotificationPaymentReceived,
		Notification:     payload,
	}

	if err := e.sendEvent(ctx, acct, nwc.KindNotification, notification, nil); err != nil {
		e.log.Error("failed to publish payment notification", "sub_account_id", subAccountID, "error", err)
	}
}

// respond encrypts, signs, and publishes a kind-23195 response event
// correlated to the request ev by its e-tag.
func (e *Endpoint) respond(ctx context.Context, acct *ledger.SubAccount, req *nwc.Event, method string, result interface{}, nwcErr *nwc.Error) {
	resp := nwc.Response{ResultType: method, Error: nwcErr}
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			e.log.Error("failed to marshal response result", "sub_account_id", acct.ID, "error", err)
			resp = nwc.Response{ResultType: method, Error: &nwc.Error{Code: nwc.ErrCodeInternal, Message: "internal error"}}
		} else {
			resp.Result = encoded
		}
	}

	if err := e.sendEvent(ctx, acct, nwc.KindResponse, resp, req); err != nil {
		e.log.Error("failed to publish response", "sub_account_id", acct.ID, "error", err)
	}
}

// sendEvent builds, encrypts, signs, and publishes one event from acct's
// service identity to its client. When correlatesWith is non-nil the event
// carries an e-tag referencing it (a response to a request); otherwise it is
// unsolicited (a notification).
func (e *Endpoint) sendEvent(ctx context.Context, acct *ledger.SubAccount, kind int, payload interface{}, correlatesWith *nwc.Event) error {
	content, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("endpoint: marshal event content: %w", err)
	}

	servicePriv, err := e.store.DecryptServiceSecret(acct)
	if err != nil {
		return fmt.Errorf("endpoint: decrypt service secret: %w", err)
	}
	clientPub, err := hex.DecodeString(acct.ClientPubKey)
	if err != nil {
		return fmt.Errorf("endpoint: decode client pubkey: %w", err)
	}

	encrypted, err := nwc.EncryptContent(servicePriv, clientPub, string(content))
	if err != nil {
		return fmt.Errorf("endpoint: encrypt event content: %w", err)
	}

	tags := []nwc.Tag{{"p", acct.ClientPubKey}}
	if correlatesWith != nil {
		tags = append(tags, nwc.Tag{"e", correlatesWith.ID})
	}

	ev := &nwc.Event{
		PubKey:    acct.ServicePubKey,
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   encrypted,
	}
	if err := ev.Sign(servicePriv); err != nil {
		return fmt.Errorf("endpoint: sign event: %w", err)
	}

	return e.publisher.Publish(ctx, ev)
}

// mapError translates a walleterr sentinel (or an opaque upstream error)
// into the NIP-47 error code a client understands (spec §7).
func mapError(err error) *nwc.Error {
	switch {
	case errors.Is(err, walleterr.ErrInsufficientBalance):
		return &nwc.Error{Code: nwc.ErrCodeInsufficientBalance, Message: err.Error()}
	case errors.Is(err, walleterr.ErrInvoiceAmountMissing):
		return &nwc.Error{Code: nwc.ErrCodeOther, Message: "invoice has no amount and none was supplied"}
	case errors.Is(err, walleterr.ErrUnknownSubAccount):
		return &nwc.Error{Code: nwc.ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, walleterr.ErrInvalidInput):
		return &nwc.Error{Code: nwc.ErrCodeOther, Message: err.Error()}
	case errors.Is(err, walleterr.ErrTimeout):
		return &nwc.Error{Code: nwc.ErrCodeOther, Message: "upstream timed out"}
	case errors.Is(err, walleterr.ErrUpstreamFailure):
		return &nwc.Error{Code: nwc.ErrCodePaymentFailed, Message: err.Error()}
	default:
		return &nwc.Error{Code: nwc.ErrCodeInternal, Message: "internal error"}
	}
}

func expiryFromResult(result *upstream.InvoiceResult, requestedExpirySeconds int64) *time.Time {
	if result.ExpiresAt != nil {
		t := time.Unix(*result.ExpiresAt, 0).UTC()
		return &t
	}
	if requestedExpirySeconds > 0 {
		t := time.Now().UTC().Add(time.Duration(requestedExpirySeconds) * time.Second)
		return &t
	}
	return nil
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

func int64OrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
