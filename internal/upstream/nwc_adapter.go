package upstream

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-tech/walletmux/internal/keys"
	"github.com/klingon-tech/walletmux/internal/nwc"
	"github.com/klingon-tech/walletmux/internal/relay"
	"github.com/klingon-tech/walletmux/internal/walleterr"
	"github.com/klingon-tech/walletmux/pkg/logging"
)

// Timeouts holds the per-operation budgets of spec §4.6.
type Timeouts struct {
	Info    time.Duration
	Balance time.Duration
	Make    time.Duration
	Lookup  time.Duration
	Pay     time.Duration
}

// NWCAdapter speaks NIP-47 outward to the single upstream wallet over the
// relay transport, correlating requests to responses the way a NWC client
// tracks its own outstanding calls: one pending channel per request event
// id (other_examples/70b60cc0_..._nwc.go.go's `pending map[eventID]chan
// *Response` pattern).
type NWCAdapter struct {
	pool         *relay.Pool
	walletPubkey []byte // 33-byte compressed, the upstream service pubkey
	clientSecret []byte // our 32-byte client secret for this upstream connection
	clientPubkey []byte
	timeouts     Timeouts
	log          *logging.Logger

	// callMu serializes upstream calls end to end per spec §4.6 ("the core
	// treats the adapter as a single serial resource"). pendingMu guards
	// only the correlation map, so the response-handling goroutine never
	// blocks behind an in-flight call.
	callMu    sync.Mutex
	pendingMu sync.Mutex
	pending   map[string]chan *nwc.Response

	notifications chan *Notification
}

// NewNWCAdapter parses connectURI (a nostr+walletconnect:// URI identical in
// shape to the one this service hands its own clients) and wires a request
// correlator over pool.
func NewNWCAdapter(connectURI string, pool *relay.Pool, timeouts Timeouts, log *logging.Logger) (*NWCAdapter, error) {
	parsed, err := nwc.ParseConnectURI(connectURI)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse connect uri: %w", err)
	}

	clientPubkey, err := keys.DerivePublic(parsed.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("upstream: derive client pubkey: %w", err)
	}

	if log == nil {
		log = logging.GetDefault()
	}

	a := &NWCAdapter{
		pool:          pool,
		walletPubkey:  parsed.ServicePubKey,
		clientSecret:  parsed.ClientSecret,
		clientPubkey:  clientPubkey,
		timeouts:      timeouts,
		log:           log.Component("upstream"),
		pending:       make(map[string]chan *nwc.Response),
		notifications: make(chan *Notification, 64),
	}
	return a, nil
}

// Run subscribes to responses and notifications from the upstream wallet
// until ctx is canceled. Call it in its own goroutine before issuing calls.
func (a *NWCAdapter) Run(ctx context.Context) {
	walletPubkeyHex := hex.EncodeToString(a.walletPubkey)
	events, cancel := a.pool.Subscribe(relay.Filter{
		Kinds:   []int{nwc.KindResponse, nwc.KindNotification},
		Authors: []string{walletPubkeyHex},
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.handleEvent(ev)
		}
	}
}

func (a *NWCAdapter) handleEvent(ev *nwc.Event) {
	switch ev.Kind {
	case nwc.KindResponse:
		a.handleResponse(ev)
	case nwc.KindNotification:
		a.handleNotification(ev)
	}
}

func (a *NWCAdapter) handleResponse(ev *nwc.Event) {
	reqID := ev.FirstTagValue("e")
	if reqID == "" {
		return
	}

	a.pendingMu.Lock()
	ch, ok := a.pending[reqID]
	if ok {
		delete(a.pending, reqID)
	}
	a.pendingMu.Unlock()
	if !ok {
		return
	}

	plaintext, err := nwc.DecryptContent(a.clientSecret, a.walletPubkey, ev.Content)
	if err != nil {
		a.log.Warn("failed to decrypt upstream response", "error", err)
		close(ch)
		return
	}

	var resp nwc.Response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		a.log.Warn("failed to unmarshal upstream response", "error", err)
		close(ch)
		return
	}
	ch <- &resp
}

func (a *NWCAdapter) handleNotification(ev *nwc.Event) {
	plaintext, err := nwc.DecryptContent(a.clientSecret, a.walletPubkey, ev.Content)
	if err != nil {
		a.log.Warn("failed to decrypt upstream notification", "error", err)
		return
	}

	var n nwc.Notification
	if err := json.Unmarshal([]byte(plaintext), &n); err != nil {
		a.log.Warn("failed to unmarshal upstream notification", "error", err)
		return
	}
	if n.NotificationType != nwc.NotificationPaymentReceived && n.NotificationType != nwc.NotificationPaymentSent {
		return
	}

	var tx nwc.TransactionResult
	if err := json.Unmarshal(n.Notification, &tx); err != nil {
		a.log.Warn("failed to unmarshal upstream notification payload", "error", err)
		return
	}

	notifType := "incoming"
	if n.NotificationType == nwc.NotificationPaymentSent {
		notifType = "outgoing"
	}

	var settledAt *int64
	if tx.SettledAt != 0 {
		settledAt = &tx.SettledAt
	}

	a.notifications <- &Notification{
		Type:            notifType,
		PaymentHash:     tx.PaymentHash,
		Invoice:         tx.Invoice,
		DescriptionHash: tx.DescriptionHash,
		AmountMsat:      tx.AmountMsat,
		SettledAt:       settledAt,
		Raw:             string(n.Notification),
	}
}

// SupportsNotifications reports whether this adapter relays a
// payment_received stream; NWCAdapter always does.
func (a *NWCAdapter) SupportsNotifications() bool { return true }

// Notifications returns the channel payment notifications are delivered on.
func (a *NWCAdapter) Notifications() <-chan *Notification { return a.notifications }

// call publishes a request event and blocks until the matching response
// arrives or ctx is done. Upstream calls serialize through callMu per spec
// §4.6 ("concurrent calls are permitted only if the adapter itself declares
// thread-safe").
func (a *NWCAdapter) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (*nwc.Response, error) {
	a.callMu.Lock()
	defer a.callMu.Unlock()

	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("upstream: marshal request params: %w", err)
		}
		rawParams = encoded
	}

	payload, err := json.Marshal(nwc.Request{Method: method, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	encrypted, err := nwc.EncryptContent(a.clientSecret, a.walletPubkey, string(payload))
	if err != nil {
		return nil, fmt.Errorf("upstream: encrypt request: %w", err)
	}

	ev := &nwc.Event{
		PubKey:    hex.EncodeToString(a.clientPubkey),
		CreatedAt: time.Now().Unix(),
		Kind:      nwc.KindRequest,
		Tags:      []nwc.Tag{{"p", hex.EncodeToString(a.walletPubkey)}},
		Content:   encrypted,
	}
	if err := ev.Sign(a.clientSecret); err != nil {
		return nil, fmt.Errorf("upstream: sign request: %w", err)
	}

	respCh := make(chan *nwc.Response, 1)
	a.pendingMu.Lock()
	a.pending[ev.ID] = respCh
	a.pendingMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.pool.Publish(callCtx, ev); err != nil {
		a.pendingMu.Lock()
		delete(a.pending, ev.ID)
		a.pendingMu.Unlock()
		return nil, fmt.Errorf("upstream: publish request: %w", err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("upstream: %w: response undecryptable", walleterr.ErrUpstreamFailure)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("upstream: %w: %s", walleterr.ErrUpstreamFailure, resp.Error.Message)
		}
		return resp, nil
	case <-callCtx.Done():
		a.pendingMu.Lock()
		delete(a.pending, ev.ID)
		a.pendingMu.Unlock()
		return nil, fmt.Errorf("upstream: %w", walleterr.ErrTimeout)
	}
}

// MakeInvoice asks the upstream wallet to issue an invoice.
func (a *NWCAdapter) MakeInvoice(ctx context.Context, amountMsats int64, opts MakeInvoiceOpts) (*InvoiceResult, error) {
	resp, err := a.call(ctx, nwc.MethodMakeInvoice, nwc.MakeInvoiceParams{
		AmountMsat:      amountMsats,
		Description:     opts.Description,
		DescriptionHash: opts.DescriptionHash,
		ExpirySeconds:   opts.ExpirySeconds,
	}, a.timeouts.Make)
	if err != nil {
		return nil, err
	}
	return decodeInvoiceResult(resp.Result, "pending")
}

// PayInvoice asks the upstream wallet to pay a BOLT11 invoice.
func (a *NWCAdapter) PayInvoice(ctx context.Context, invoice string, amountOverrideMsats *int64) (*PayResult, error) {
	resp, err := a.call(ctx, nwc.MethodPayInvoice, nwc.PayInvoiceParams{
		Invoice:    invoice,
		AmountMsat: amountOverrideMsats,
	}, a.timeouts.Pay)
	if err != nil {
		return nil, err
	}

	var result nwc.PayInvoiceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("upstream: decode pay_invoice result: %w", err)
	}

	var tx nwc.TransactionResult
	_ = json.Unmarshal(resp.Result, &tx) // fees_paid/amount are optional extensions; best effort

	return &PayResult{
		Preimage:   result.Preimage,
		FeesPaid:   tx.FeesPaidMsat,
		AmountMsat: tx.AmountMsat,
		Raw:        string(resp.Result),
	}, nil
}

// LookupInvoice asks the upstream wallet for an invoice's current state.
func (a *NWCAdapter) LookupInvoice(ctx context.Context, q LookupQuery) (*InvoiceResult, error) {
	resp, err := a.call(ctx, nwc.MethodLookupInvoice, nwc.LookupInvoiceParams{
		PaymentHash: q.PaymentHash,
		Invoice:     q.Invoice,
	}, a.timeouts.Lookup)
	if err != nil {
		return nil, err
	}
	return decodeInvoiceResult(resp.Result, "")
}

// GetInfo asks the upstream wallet for its capabilities. Only the alias
// reaches the sub-wallet client (see Info).
func (a *NWCAdapter) GetInfo(ctx context.Context) (*Info, error) {
	resp, err := a.call(ctx, nwc.MethodGetInfo, nil, a.timeouts.Info)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Alias       string   `json:"alias"`
		Pubkey      string   `json:"pubkey"`
		Network     string   `json:"network"`
		BlockHeight int64    `json:"block_height"`
		BlockHash   string   `json:"block_hash"`
		Methods     []string `json:"methods"`
	}
	if err := json.Unmarshal(resp.Result, &raw); err != nil {
		return nil, fmt.Errorf("upstream: decode get_info result: %w", err)
	}

	return &Info{
		Alias:       raw.Alias,
		Pubkey:      raw.Pubkey,
		Methods:     raw.Methods,
		Network:     raw.Network,
		BlockHeight: raw.BlockHeight,
		BlockHash:   raw.BlockHash,
		Raw:         string(resp.Result),
	}, nil
}

// decodeInvoiceResult maps an upstream TransactionResult payload onto
// InvoiceResult. defaultState is used when the upstream payload carries no
// explicit state (make_invoice's initial response is implicitly pending).
func decodeInvoiceResult(raw json.RawMessage, defaultState string) (*InvoiceResult, error) {
	var tx struct {
		nwc.TransactionResult
		State string `json:"state"`
	}
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("upstream: decode invoice result: %w", err)
	}

	state := tx.State
	if state == "" {
		state = defaultState
	}

	var settledAt *int64
	if tx.SettledAt != 0 {
		settledAt = &tx.SettledAt
	}
	var expiresAt *int64
	if tx.ExpiresAt != 0 {
		expiresAt = &tx.ExpiresAt
	}

	return &InvoiceResult{
		Invoice:         tx.Invoice,
		PaymentHash:     tx.PaymentHash,
		DescriptionHash: tx.DescriptionHash,
		AmountMsat:      tx.AmountMsat,
		State:           state,
		ExpiresAt:       expiresAt,
		SettledAt:       settledAt,
		Raw:             string(raw),
	}, nil
}
