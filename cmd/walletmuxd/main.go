// Package main provides walletmuxd, the wallet multiplexer daemon: it fans
// one upstream NWC wallet out to many independently addressable, independently
// metered sub-wallets speaking NIP-47 themselves.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/klingon-tech/walletmux/internal/admin"
	"github.com/klingon-tech/walletmux/internal/config"
	"github.com/klingon-tech/walletmux/internal/endpoint"
	"github.com/klingon-tech/walletmux/internal/ledger"
	"github.com/klingon-tech/walletmux/internal/registry"
	"github.com/klingon-tech/walletmux/internal/relay"
	"github.com/klingon-tech/walletmux/internal/router"
	"github.com/klingon-tech/walletmux/internal/settlement"
	"github.com/klingon-tech/walletmux/internal/sweeper"
	"github.com/klingon-tech/walletmux/internal/upstream"
	"github.com/klingon-tech/walletmux/internal/vault"
	"github.com/klingon-tech/walletmux/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir       = flag.String("data-dir", "~/.walletmux", "Data directory")
		upstreamURI   = flag.String("upstream-uri", "", "nostr+walletconnect:// URI of the upstream wallet, overrides config")
		relayList     = flag.String("relays", "", "Comma-separated relay URLs the daemon connects to, overrides config")
		adminAddr     = flag.String("admin", "", "Operator JSON-RPC admin address, overrides config")
		masterKeyEnv  = flag.String("master-key-env", "", "Environment variable holding the vault master key, overrides config")
		sweepInterval = flag.Duration("sweep-interval", 0, "Expiry sweeper poll interval, overrides config")
		logLevel      = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion   = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly}).Infof("walletmuxd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		panic(err)
	}
	cfg.Storage.DataDir = *dataDir
	if *upstreamURI != "" {
		cfg.Upstream.ConnectURI = *upstreamURI
	}
	if *relayList != "" {
		cfg.Relays = strings.Split(*relayList, ",")
	}
	if *adminAddr != "" {
		cfg.Admin.Addr = *adminAddr
	}
	if *masterKeyEnv != "" {
		cfg.Storage.MasterKeyEnv = *masterKeyEnv
	}
	if *sweepInterval != 0 {
		cfg.Sweeper.Interval = *sweepInterval
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log := logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if cfg.Upstream.ConnectURI == "" {
		log.Fatal("upstream connect URI is required: pass --upstream-uri or set upstream.connect_uri in config.yaml")
	}
	masterKey := os.Getenv(cfg.Storage.MasterKeyEnv)
	if masterKey == "" {
		log.Fatal("master key environment variable is unset or empty", "var", cfg.Storage.MasterKeyEnv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := vault.New(masterKey)
	if err != nil {
		log.Fatal("failed to initialize vault", "error", err)
	}

	store, err := ledger.Open(&ledger.Config{DataDir: cfg.Storage.DataDir}, v, log)
	if err != nil {
		log.Fatal("failed to open ledger", "error", err)
	}
	defer store.Close()
	log.Info("ledger opened", "data_dir", cfg.Storage.DataDir)

	reg, err := registry.New(store)
	if err != nil {
		log.Fatal("failed to build sub-wallet registry", "error", err)
	}
	log.Info("registry loaded", "sub_wallets", reg.Count())

	relayURLs := relayURLsFor(cfg.Upstream.ConnectURI, strings.Join(cfg.Relays, ","), log)
	pool := relay.NewPool(ctx, relayURLs, log)
	log.Info("relay pool started", "relays", relayURLs)

	upstreamAdapter, err := upstream.NewNWCAdapter(cfg.Upstream.ConnectURI, pool, upstream.Timeouts{
		Info:    cfg.Timeouts.Info,
		Balance: cfg.Timeouts.Balance,
		Make:    cfg.Timeouts.Make,
		Lookup:  cfg.Timeouts.Lookup,
		Pay:     cfg.Timeouts.Pay,
	}, log)
	if err != nil {
		log.Fatal("failed to build upstream adapter", "error", err)
	}
	go upstreamAdapter.Run(ctx)

	ep := &endpointHolder{}
	correlator := settlement.New(store, ep.notify, log)
	go correlator.Start(ctx)

	endpointImpl := endpoint.New(reg, store, upstreamAdapter, correlator, pool, log)
	ep.endpoint = endpointImpl

	go relayUpstreamNotifications(ctx, upstreamAdapter, correlator, log)

	r := router.New(pool, reg, endpointImpl.Handle, log)
	go r.Run(ctx)
	log.Info("router started")

	sweep := sweeper.New(store, sweeper.Config{Interval: cfg.Sweeper.Interval}, log)
	sweep.Start()
	defer sweep.Stop()

	adminServer := admin.NewServer(store, reg, log)
	if err := adminServer.Start(cfg.Admin.Addr); err != nil {
		log.Fatal("failed to start admin facade", "error", err)
	}
	defer adminServer.Stop()

	log.Info("walletmuxd started", "admin_addr", cfg.Admin.Addr, "sub_wallets", reg.Count())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down...")
	cancel()
	correlator.Wait()
}

// endpointHolder breaks the construction cycle between the Settlement
// Correlator (which needs a Notifier at construction) and the Endpoint (which
// needs the Correlator): the correlator captures notify as a late-bound
// indirection, and endpointImpl is assigned into it before the correlator's
// event sources (the router and the upstream-notification relay) are started.
type endpointHolder struct {
	endpoint *endpoint.Endpoint
}

func (h *endpointHolder) notify(ctx context.Context, subAccountID string, inv *ledger.PendingInvoice) {
	if h.endpoint == nil {
		return
	}
	h.endpoint.NotifyPaymentReceived(ctx, subAccountID, inv)
}

// relayUpstreamNotifications forwards the upstream adapter's async payment
// notifications into the Settlement Correlator, the other trigger for C7
// besides a client's own lookup_invoice poll (spec §4.7).
func relayUpstreamNotifications(ctx context.Context, up *upstream.NWCAdapter, correlator *settlement.Correlator, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-up.Notifications():
			if !ok {
				return
			}
			if note.Type != "incoming" {
				continue
			}
			correlator.Enqueue(settlement.PaymentEvent{
				PaymentHash:     note.PaymentHash,
				Invoice:         note.Invoice,
				DescriptionHash: note.DescriptionHash,
				AmountMsat:      note.AmountMsat,
				SettledAt:       note.SettledAt,
			})
		}
	}
}

// relayURLsFor merges the operator-configured relay list with the relays
// embedded in the upstream connect URI, deduplicated: both the upstream
// wallet and every sub-wallet's client are reached through one shared pool.
func relayURLsFor(upstreamURI, configured string, log *logging.Logger) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}

	for _, u := range strings.Split(configured, ",") {
		add(u)
	}

	if idx := strings.Index(upstreamURI, "relay="); idx >= 0 {
		for _, part := range strings.Split(upstreamURI[idx:], "&") {
			if strings.HasPrefix(part, "relay=") {
				add(strings.TrimPrefix(part, "relay="))
			}
		}
	}

	if len(out) == 0 {
		log.Fatal("no relays configured: pass --relays or include relay= in --upstream-uri")
	}
	return out
}
