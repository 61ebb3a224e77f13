// Package admin implements the operator-facing JSON-RPC 2.0 façade (spec
// §6.4): sub-wallet lifecycle management, kept deliberately separate from
// the NIP-47 client-facing protocol the endpoint layer speaks.
package admin

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-tech/walletmux/internal/ledger"
	"github.com/klingon-tech/walletmux/internal/nwc"
	"github.com/klingon-tech/walletmux/pkg/logging"
)

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Store is the slice of ledger.Store the façade depends on.
type Store interface {
	CreateSubAccount(input ledger.CreateSubAccountInput) (*ledger.SubAccount, *ledger.CreatedSecrets, error)
	ListSubAccounts() ([]*ledger.SubAccount, error)
	GetSubAccountByID(id string) (*ledger.SubAccount, error)
	DecryptClientSecret(acct *ledger.SubAccount) ([]byte, error)
	ListPendingInvoicesBySubAccount(subAccountID string) ([]*ledger.PendingInvoice, error)
}

// Directory is the slice of registry.Registry the façade depends on: a
// freshly created SubAccount must be routable immediately, without waiting
// for the router's next full reload.
type Directory interface {
	Put(acct *ledger.SubAccount)
}

// Server is the operator-facing JSON-RPC 2.0 server.
type Server struct {
	store    Store
	registry Directory
	log      *logging.Logger

	httpServer *http.Server
	listener   net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewServer constructs a Server and registers its handlers.
func NewServer(store Store, registry Directory, log *logging.Logger) *Server {
	if log == nil {
		log = logging.GetDefault()
	}
	s := &Server{
		store:    store,
		registry: registry,
		log:      log.Component("admin"),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["create_sub_account"] = s.createSubAccount
	s.handlers["list_sub_accounts"] = s.listSubAccounts
	s.handlers["list_pending_invoices"] = s.listPendingInvoices
	s.handlers["get_connect_uri"] = s.getConnectURI
}

// Start starts the JSON-RPC server listening on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin: listen on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin server error", "error", err)
		}
	}()

	s.log.Info("admin facade started", "addr", addr)
	return nil
}

// Stop gracefully shuts down the JSON-RPC server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "invalid request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message, Data: data}, ID: id})
}

// CreateSubAccountParams is the params of create_sub_account.
type CreateSubAccountParams struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Relays      []string `json:"relays"`
	Metadata    string `json:"metadata,omitempty"`
}

// CreateSubAccountResult is the result of create_sub_account. The secrets
// are plaintext and returned exactly once; the operator is responsible for
// delivering them to the sub-wallet's owner.
type CreateSubAccountResult struct {
	ID               string `json:"id"`
	ServicePubKey    string `json:"service_pubkey"`
	ClientPubKey     string `json:"client_pubkey"`
	ServiceSecretHex string `json:"service_secret"`
	ClientSecretHex  string `json:"client_secret"`
	ConnectURI       string `json:"connect_uri"`
}

func (s *Server) createSubAccount(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params CreateSubAccountParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("admin: invalid params: %w", err)
	}
	if params.Label == "" {
		return nil, fmt.Errorf("admin: label is required")
	}
	if len(params.Relays) == 0 {
		return nil, fmt.Errorf("admin: at least one relay is required")
	}

	acct, secrets, err := s.store.CreateSubAccount(ledger.CreateSubAccountInput{
		Label:       params.Label,
		Description: params.Description,
		Relays:      params.Relays,
		Metadata:    params.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("admin: create sub account: %w", err)
	}
	s.registry.Put(acct)

	return &CreateSubAccountResult{
		ID:               acct.ID,
		ServicePubKey:    acct.ServicePubKey,
		ClientPubKey:     acct.ClientPubKey,
		ServiceSecretHex: secrets.ServiceSecretHex,
		ClientSecretHex:  secrets.ClientSecretHex,
		ConnectURI:       nwc.BuildConnectURI(acct.ServicePubKey, acct.Relays, secrets.ClientSecretHex),
	}, nil
}

// SubAccountInfo is the operator-facing view of a SubAccount: balances and
// identity, never secrets.
type SubAccountInfo struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	Description   string `json:"description,omitempty"`
	ServicePubKey string `json:"service_pubkey"`
	ClientPubKey  string `json:"client_pubkey"`
	BalanceMsat   int64  `json:"balance_msat"`
	PendingMsat   int64  `json:"pending_msat"`
	UsageCount    int64  `json:"usage_count"`
	CreatedAt     int64  `json:"created_at"`
	LastUsedAt    int64  `json:"last_used_at,omitempty"`
}

// ListSubAccountsResult is the result of list_sub_accounts.
type ListSubAccountsResult struct {
	SubAccounts []SubAccountInfo `json:"sub_accounts"`
}

func (s *Server) listSubAccounts(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	accounts, err := s.store.ListSubAccounts()
	if err != nil {
		return nil, fmt.Errorf("admin: list sub accounts: %w", err)
	}

	out := make([]SubAccountInfo, 0, len(accounts))
	for _, acct := range accounts {
		info := SubAccountInfo{
			ID:            acct.ID,
			Label:         acct.Label,
			Description:   acct.Description,
			ServicePubKey: acct.ServicePubKey,
			ClientPubKey:  acct.ClientPubKey,
			BalanceMsat:   acct.BalanceMsat,
			PendingMsat:   acct.PendingMsat,
			UsageCount:    acct.UsageCount,
			CreatedAt:     acct.CreatedAt.Unix(),
		}
		if acct.LastUsedAt != nil {
			info.LastUsedAt = acct.LastUsedAt.Unix()
		}
		out = append(out, info)
	}
	return &ListSubAccountsResult{SubAccounts: out}, nil
}

// ListPendingInvoicesParams is the params of list_pending_invoices.
type ListPendingInvoicesParams struct {
	SubAccountID string `json:"sub_account_id"`
}

// PendingInvoiceInfo is the operator-facing view of a PendingInvoice.
type PendingInvoiceInfo struct {
	ID              string `json:"id"`
	Invoice         string `json:"invoice,omitempty"`
	PaymentHash     string `json:"payment_hash,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	AmountMsat      int64  `json:"amount_msat"`
	State           string `json:"state"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	SettledAt       int64  `json:"settled_at,omitempty"`
}

// ListPendingInvoicesResult is the result of list_pending_invoices.
type ListPendingInvoicesResult struct {
	Invoices []PendingInvoiceInfo `json:"invoices"`
}

func (s *Server) listPendingInvoices(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params ListPendingInvoicesParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("admin: invalid params: %w", err)
	}
	if params.SubAccountID == "" {
		return nil, fmt.Errorf("admin: sub_account_id is required")
	}

	invoices, err := s.store.ListPendingInvoicesBySubAccount(params.SubAccountID)
	if err != nil {
		return nil, fmt.Errorf("admin: list pending invoices: %w", err)
	}

	out := make([]PendingInvoiceInfo, 0, len(invoices))
	for _, inv := range invoices {
		info := PendingInvoiceInfo{
			ID:              inv.ID,
			Invoice:         inv.Invoice,
			PaymentHash:     inv.PaymentHash,
			DescriptionHash: inv.DescriptionHash,
			AmountMsat:      inv.AmountMsat,
			State:           string(inv.State),
			CreatedAt:       inv.CreatedAt.Unix(),
		}
		if inv.ExpiresAt != nil {
			info.ExpiresAt = inv.ExpiresAt.Unix()
		}
		if inv.SettledAt != nil {
			info.SettledAt = inv.SettledAt.Unix()
		}
		out = append(out, info)
	}
	return &ListPendingInvoicesResult{Invoices: out}, nil
}

// GetConnectURIParams is the params of get_connect_uri.
type GetConnectURIParams struct {
	SubAccountID string `json:"sub_account_id"`
}

// GetConnectURIResult is the result of get_connect_uri.
type GetConnectURIResult struct {
	ConnectURI string `json:"connect_uri"`
}

func (s *Server) getConnectURI(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params GetConnectURIParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("admin: invalid params: %w", err)
	}
	if params.SubAccountID == "" {
		return nil, fmt.Errorf("admin: sub_account_id is required")
	}

	acct, err := s.store.GetSubAccountByID(params.SubAccountID)
	if err != nil {
		return nil, fmt.Errorf("admin: get sub account: %w", err)
	}
	clientSecret, err := s.store.DecryptClientSecret(acct)
	if err != nil {
		return nil, fmt.Errorf("admin: decrypt client secret: %w", err)
	}

	return &GetConnectURIResult{
		ConnectURI: nwc.BuildConnectURI(acct.ServicePubKey, acct.Relays, hex.EncodeToString(clientSecret)),
	}, nil
}
