// Package ledger provides the durable, transactional balance-and-invoice
// store (the multiplexer's C1 Ledger Store): SubAccounts and their owned
// PendingInvoices, backed by SQLite with a single writer connection so that
// every balance-affecting write serializes through one transaction queue.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-tech/walletmux/internal/vault"
	"github.com/klingon-tech/walletmux/pkg/logging"
)

// Store is the persistent ledger of SubAccounts and PendingInvoices.
type Store struct {
	db    *sql.DB
	vault *vault.Vault
	log   *logging.Logger
}

// Config holds ledger storage configuration.
type Config struct {
	DataDir string
}

// Open creates (or opens) the ledger database under cfg.DataDir and ensures
// its schema exists. v encrypts/decrypts SubAccount secrets at rest.
func Open(cfg *Config, v *vault.Vault, log *logging.Logger) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("ledger: create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "walletmux.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping database: %w", err)
	}

	// SQLite supports one writer; serializing all writes through a single
	// connection is what gives us the read-committed-plus-row-locks
	// isolation the ledger's invariants require, without a separate
	// per-SubAccount mutex layer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if log == nil {
		log = logging.GetDefault()
	}
	s := &Store{db: db, vault: v, log: log.Component("ledger")}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DecryptServiceSecret opens a SubAccount's service-secret envelope, giving
// the endpoint layer the key it needs to verify and decrypt inbound
// requests addressed to that sub-wallet.
func (s *Store) DecryptServiceSecret(acct *SubAccount) ([]byte, error) {
	return s.vault.Decrypt(acct.ServiceSecretEnvelope)
}

// DecryptClientSecret opens a SubAccount's client-secret envelope. Used when
// the multiplexer itself must act as that sub-wallet's authorized client,
// e.g. to build the connect URI the operator hands out.
func (s *Store) DecryptClientSecret(acct *SubAccount) ([]byte, error) {
	return s.vault.Decrypt(acct.ClientSecretEnvelope)
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sub_accounts (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		description TEXT,
		relays TEXT NOT NULL,
		service_pubkey TEXT NOT NULL UNIQUE,
		service_secret BLOB NOT NULL,
		client_pubkey TEXT NOT NULL UNIQUE,
		client_secret BLOB NOT NULL,
		balance_msats INTEGER NOT NULL DEFAULT 0,
		pending_msats INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_used_at TEXT,
		usage_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS pending_invoices (
		id TEXT PRIMARY KEY,
		sub_account_id TEXT NOT NULL REFERENCES sub_accounts(id) ON DELETE CASCADE,
		invoice TEXT,
		payment_hash TEXT,
		description_hash TEXT,
		amount_msats INTEGER NOT NULL,
		state TEXT NOT NULL CHECK(state IN ('pending','settled','failed','expired')),
		expires_at INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		settled_at TEXT,
		raw TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_pending_invoices_account_state ON pending_invoices(sub_account_id, state);
	CREATE INDEX IF NOT EXISTS idx_pending_invoices_payment_hash ON pending_invoices(payment_hash);
	CREATE INDEX IF NOT EXISTS idx_pending_invoices_invoice ON pending_invoices(invoice);
	`
	_, err := s.db.Exec(schema)
	return err
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
