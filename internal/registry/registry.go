// Package registry holds the in-memory index of SubAccounts the router and
// endpoint layers consult on every request: a snapshot of the ledger's
// sub_accounts table keyed by id and by service pubkey, refreshed whenever a
// SubAccount is created.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/klingon-tech/walletmux/internal/ledger"
)

// Registry is a read-mostly, RWMutex-guarded index over the ledger's
// SubAccounts, adapted from the peer-map pattern of a libp2p-backed peer
// store: load on start, mutate on write, serve reads from memory.
type Registry struct {
	store *ledger.Store

	mu       sync.RWMutex
	byID     map[string]*ledger.SubAccount
	byPubKey map[string]*ledger.SubAccount

	// pubkeys holds an atomic snapshot of every known service pubkey, so C4
	// can poll it for subscription-filter refresh without taking mu.
	pubkeys atomic.Value // []string
}

// New constructs a Registry and loads the current SubAccount set from store.
func New(store *ledger.Store) (*Registry, error) {
	r := &Registry{
		store:    store,
		byID:     make(map[string]*ledger.SubAccount),
		byPubKey: make(map[string]*ledger.SubAccount),
	}
	r.pubkeys.Store([]string{})
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reloads the full SubAccount set from the ledger, replacing the
// in-memory index. Safe to call concurrently with reads.
func (r *Registry) Reload() error {
	accounts, err := r.store.ListSubAccounts()
	if err != nil {
		return fmt.Errorf("registry: list sub accounts: %w", err)
	}

	byID := make(map[string]*ledger.SubAccount, len(accounts))
	byPubKey := make(map[string]*ledger.SubAccount, len(accounts))
	pubkeys := make([]string, 0, len(accounts))
	for _, acct := range accounts {
		byID[acct.ID] = acct
		byPubKey[acct.ServicePubKey] = acct
		pubkeys = append(pubkeys, acct.ServicePubKey)
	}

	r.mu.Lock()
	r.byID = byID
	r.byPubKey = byPubKey
	r.mu.Unlock()

	r.pubkeys.Store(pubkeys)
	return nil
}

// ByID returns the SubAccount with the given id, and whether it was found.
func (r *Registry) ByID(id string) (*ledger.SubAccount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.byID[id]
	return acct, ok
}

// ByServicePubKey returns the SubAccount addressed by the given service
// pubkey, and whether it was found.
func (r *Registry) ByServicePubKey(pubkeyHex string) (*ledger.SubAccount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.byPubKey[pubkeyHex]
	return acct, ok
}

// ServicePubKeys returns a snapshot of every known service pubkey, for C4 to
// build its relay subscription filter from. The returned slice must not be
// mutated.
func (r *Registry) ServicePubKeys() []string {
	return r.pubkeys.Load().([]string)
}

// Put inserts or replaces a single SubAccount in the index without a full
// reload, used right after CreateSubAccount so a freshly minted sub-wallet
// is immediately routable.
func (r *Registry) Put(acct *ledger.SubAccount) {
	r.mu.Lock()
	r.byID[acct.ID] = acct
	r.byPubKey[acct.ServicePubKey] = acct

	pubkeys := make([]string, 0, len(r.byPubKey))
	for k := range r.byPubKey {
		pubkeys = append(pubkeys, k)
	}
	r.mu.Unlock()

	r.pubkeys.Store(pubkeys)
}

// Count returns the number of indexed SubAccounts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
