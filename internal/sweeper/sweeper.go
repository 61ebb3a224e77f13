// Package sweeper runs the background loop that expires stale pending
// invoices (the multiplexer's C8): a single ticker that periodically asks
// the ledger to transition any PendingInvoice past its expires_at into the
// expired state (spec §4.8).
package sweeper

import (
	"context"
	"time"

	"github.com/klingon-tech/walletmux/internal/ledger"
	"github.com/klingon-tech/walletmux/pkg/logging"
)

// Config configures the sweeper's poll interval (spec §4.8 default: 60s).
type Config struct {
	Interval time.Duration
}

// Sweeper periodically prunes expired pending invoices.
type Sweeper struct {
	store  *ledger.Store
	config Config
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Sweeper. Call Start to begin the background loop.
func New(store *ledger.Store, cfg Config, log *logging.Logger) *Sweeper {
	if log == nil {
		log = logging.GetDefault()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		store:  store,
		config: cfg,
		log:    log.Component("sweeper"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start starts the sweeper's background goroutine.
func (s *Sweeper) Start() {
	go s.run()
	s.log.Info("sweeper started", "interval", s.config.Interval)
}

// Stop stops the sweeper and waits for its goroutine to exit.
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.done
	s.log.Info("sweeper stopped")
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	n, err := s.store.PruneExpired(time.Now().Unix())
	if err != nil {
		s.log.Warn("failed to prune expired invoices", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("pruned expired pending invoices", "count", n)
	}
}
