// Package router demuxes inbound NIP-47 request events from the relay
// transport to per-sub-wallet worker goroutines: one FIFO queue per
// SubAccount so requests against the same sub-wallet serialize, while
// different sub-wallets are handled in parallel (spec §5, §9).
package router

import (
	"context"
	"sync"
	"time"

	"github.com/klingon-tech/walletmux/internal/ledger"
	"github.com/klingon-tech/walletmux/internal/nwc"
	"github.com/klingon-tech/walletmux/internal/relay"
	"github.com/klingon-tech/walletmux/pkg/logging"
)

// Subscriber is the slice of relay.Pool the router depends on, accepted as
// an interface so tests can drive the demux loop without a live relay.
type Subscriber interface {
	Subscribe(filter relay.Filter) (<-chan *nwc.Event, func())
}

// Directory is the slice of registry.Registry the router depends on.
type Directory interface {
	ByServicePubKey(pubkeyHex string) (*ledger.SubAccount, bool)
	ServicePubKeys() []string
}

const (
	// workerQueueDepth bounds how many in-flight requests a single
	// sub-wallet can have queued before the router starts dropping the
	// oldest; a wallet that cannot keep up should not grow unbounded.
	workerQueueDepth = 64

	// pubkeyPollInterval is how often the router checks whether the
	// registry's known service-pubkey set has changed, triggering a
	// subscription refresh.
	pubkeyPollInterval = 2 * time.Second
)

// Handler processes one decoded request event addressed to a SubAccount.
// It is supplied by the endpoint layer (C5).
type Handler func(ctx context.Context, subAccountID string, event *nwc.Event)

// Router demuxes relay events by recipient (the request's `p` tag) into
// per-sub-wallet worker goroutines.
type Router struct {
	pool     Subscriber
	registry Directory
	handler  Handler
	log      *logging.Logger

	mu      sync.Mutex
	workers map[string]chan *nwc.Event // keyed by sub-wallet service pubkey
}

// New constructs a Router. Call Run to start demuxing.
func New(pool Subscriber, reg Directory, handler Handler, log *logging.Logger) *Router {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Router{
		pool:     pool,
		registry: reg,
		handler:  handler,
		log:      log.Component("router"),
		workers:  make(map[string]chan *nwc.Event),
	}
}

// Run subscribes to request events for every known sub-wallet and demuxes
// them until ctx is canceled. It blocks; call it in its own goroutine.
func (r *Router) Run(ctx context.Context) {
	current := r.registry.ServicePubKeys()
	events, cancel := r.pool.Subscribe(relay.Filter{Kinds: []int{nwc.KindRequest}, PTags: current})

	ticker := time.NewTicker(pubkeyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			r.dispatch(ctx, ev)

		case <-ticker.C:
			next := r.registry.ServicePubKeys()
			if !sameSet(current, next) {
				r.log.Debug("sub-wallet pubkey set changed, refreshing subscription", "count", len(next))
				newEvents, newCancel := r.pool.Subscribe(relay.Filter{Kinds: []int{nwc.KindRequest}, PTags: next})
				oldEvents, oldCancel := events, cancel
				events, cancel = newEvents, newCancel
				current = next
				// Drain the old subscription rather than discarding it
				// outright: requests already in flight on it still get a
				// response.
				go r.drainThenClose(ctx, oldEvents, oldCancel)
			}
		}
	}
}

func (r *Router) drainThenClose(ctx context.Context, events <-chan *nwc.Event, cancel func()) {
	defer cancel()
	drainWindow := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.dispatch(ctx, ev)
		case <-drainWindow:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) dispatch(ctx context.Context, ev *nwc.Event) {
	target := ev.FirstTagValue("p")
	if target == "" {
		return
	}
	acct, ok := r.registry.ByServicePubKey(target)
	if !ok {
		r.log.Debug("dropping request addressed to unknown sub-wallet", "pubkey", target)
		return
	}

	queue := r.workerFor(ctx, target, acct.ID)
	select {
	case queue <- ev:
	default:
		r.log.Warn("sub-wallet request queue full, dropping oldest", "sub_account_id", acct.ID)
		select {
		case <-queue:
		default:
		}
		queue <- ev
	}
}

// workerFor returns the worker goroutine's inbound channel for the given
// sub-wallet, starting the worker on first use.
func (r *Router) workerFor(ctx context.Context, pubkey, subAccountID string) chan *nwc.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.workers[pubkey]; ok {
		return ch
	}

	ch := make(chan *nwc.Event, workerQueueDepth)
	r.workers[pubkey] = ch
	go r.runWorker(ctx, subAccountID, ch)
	return ch
}

func (r *Router) runWorker(ctx context.Context, subAccountID string, queue chan *nwc.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-queue:
			if !ok {
				return
			}
			r.handler(ctx, subAccountID, ev)
		}
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			return false
		}
	}
	return true
}
