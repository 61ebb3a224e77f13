package ledger

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-tech/walletmux/internal/keys"
	"github.com/klingon-tech/walletmux/internal/walleterr"
	"github.com/klingon-tech/walletmux/pkg/helpers"
)

const timeLayout = time.RFC3339Nano

// CreateSubAccount generates (or accepts) the service/client key pairs,
// encrypts both secrets, and inserts a new SubAccount row with zero
// balances. It returns the stored record and the one-time plaintext
// secrets (spec §4.1).
func (s *Store) CreateSubAccount(input CreateSubAccountInput) (*SubAccount, *CreatedSecrets, error) {
	serviceSecret, err := resolveSecret(input.ServiceSecretHex)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: service secret: %w", err)
	}
	clientSecret, err := resolveSecret(input.ClientSecretHex)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: client secret: %w", err)
	}

	servicePub, err := keys.DerivePublic(serviceSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: derive service pubkey: %w", err)
	}
	clientPub, err := keys.DerivePublic(clientSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: derive client pubkey: %w", err)
	}

	serviceEnvelope, err := s.vault.Encrypt(serviceSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: encrypt service secret: %w", err)
	}
	clientEnvelope, err := s.vault.Encrypt(clientSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: encrypt client secret: %w", err)
	}

	id, err := randomID()
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: generate id: %w", err)
	}

	relaysJSON, err := json.Marshal(input.Relays)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: marshal relays: %w", err)
	}

	now := time.Now().UTC()
	record := &SubAccount{
		ID:                    id,
		Label:                 input.Label,
		Description:           input.Description,
		Relays:                input.Relays,
		ServicePubKey:         hex.EncodeToString(servicePub),
		ClientPubKey:          hex.EncodeToString(clientPub),
		ServiceSecretEnvelope: serviceEnvelope,
		ClientSecretEnvelope:  clientEnvelope,
		Metadata:              input.Metadata,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	err = s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sub_accounts (
				id, label, description, relays, service_pubkey, service_secret,
				client_pubkey, client_secret, balance_msats, pending_msats,
				metadata, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
		`,
			record.ID, record.Label, nullableString(record.Description), string(relaysJSON),
			record.ServicePubKey, record.ServiceSecretEnvelope,
			record.ClientPubKey, record.ClientSecretEnvelope,
			nullableString(record.Metadata), record.CreatedAt.Format(timeLayout), record.UpdatedAt.Format(timeLayout),
		)
		return err
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, nil, fmt.Errorf("ledger: %w", walleterr.ErrDuplicateKey)
		}
		return nil, nil, fmt.Errorf("ledger: insert sub_account: %w", err)
	}

	secrets := &CreatedSecrets{
		ServiceSecretHex: hex.EncodeToString(serviceSecret),
		ClientSecretHex:  hex.EncodeToString(clientSecret),
	}
	keys.Zero(serviceSecret)
	keys.Zero(clientSecret)

	return record, secrets, nil
}

// resolveSecret validates a supplied hex secret or generates a fresh one.
func resolveSecret(hexSecret string) ([]byte, error) {
	if hexSecret == "" {
		return keys.GenerateSecret()
	}
	return keys.ParseSecretHex(hexSecret)
}

func randomID() (string, error) {
	b, err := helpers.GenerateSecureRandom(16)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GetSubAccountByID returns a SubAccount by its opaque id, or
// walleterr.ErrUnknownSubAccount if none exists.
func (s *Store) GetSubAccountByID(id string) (*SubAccount, error) {
	return s.scanSubAccount(s.db.QueryRow(selectSubAccountSQL+" WHERE id = ?", id))
}

// GetSubAccountByServicePubKey returns a SubAccount by its service public
// key, the address clients target.
func (s *Store) GetSubAccountByServicePubKey(pubkeyHex string) (*SubAccount, error) {
	return s.scanSubAccount(s.db.QueryRow(selectSubAccountSQL+" WHERE service_pubkey = ?", pubkeyHex))
}

// ListSubAccounts returns every SubAccount ordered by creation time.
func (s *Store) ListSubAccounts() ([]*SubAccount, error) {
	rows, err := s.db.Query(selectSubAccountSQL + " ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("ledger: list sub_accounts: %w", err)
	}
	defer rows.Close()

	var out []*SubAccount
	for rows.Next() {
		acct, err := s.scanSubAccountRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// AdjustBalance atomically applies delta to balance_msats, failing with
// walleterr.ErrInsufficientBalance if the result would be negative (I-2).
func (s *Store) AdjustBalance(id string, deltaMsat int64) (*SubAccount, error) {
	var record *SubAccount
	err := s.withTx(func(tx *sql.Tx) error {
		var current int64
		if err := tx.QueryRow(`SELECT balance_msats FROM sub_accounts WHERE id = ?`, id).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return walleterr.ErrUnknownSubAccount
			}
			return err
		}

		next := current + deltaMsat
		if next < 0 {
			return walleterr.ErrInsufficientBalance
		}

		now := time.Now().UTC().Format(timeLayout)
		if _, err := tx.Exec(`UPDATE sub_accounts SET balance_msats = ?, updated_at = ? WHERE id = ?`, next, now, id); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: adjust balance: %w", err)
	}

	record, err = s.GetSubAccountByID(id)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// TouchSubAccountOpts controls which metadata columns TouchSubAccount
// updates.
type TouchSubAccountOpts struct {
	IncrementUsage bool
	UpdateLastUsed bool
}

// TouchSubAccount updates usage bookkeeping columns after a handler
// completes.
func (s *Store) TouchSubAccount(id string, opts TouchSubAccountOpts) error {
	return s.withTx(func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(timeLayout)
		query := `UPDATE sub_accounts SET updated_at = ?`
		args := []interface{}{now}

		if opts.IncrementUsage {
			query += `, usage_count = usage_count + 1`
		}
		if opts.UpdateLastUsed {
			query += `, last_used_at = ?`
			args = append(args, now)
		}
		query += ` WHERE id = ?`
		args = append(args, id)

		res, err := tx.Exec(query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return walleterr.ErrUnknownSubAccount
		}
		return nil
	})
}

const selectSubAccountSQL = `
	SELECT id, label, description, relays, service_pubkey, service_secret,
	       client_pubkey, client_secret, balance_msats, pending_msats,
	       metadata, created_at, updated_at, last_used_at, usage_count
	FROM sub_accounts`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanSubAccount(row *sql.Row) (*SubAccount, error) {
	acct, err := s.scanSubAccountRow(row)
	if err == sql.ErrNoRows {
		return nil, walleterr.ErrUnknownSubAccount
	}
	return acct, err
}

func (s *Store) scanSubAccountRow(row rowScanner) (*SubAccount, error) {
	var acct SubAccount
	var description, metadata, lastUsedAt sql.NullString
	var relaysJSON string
	var createdAt, updatedAt string

	err := row.Scan(
		&acct.ID, &acct.Label, &description, &relaysJSON, &acct.ServicePubKey, &acct.ServiceSecretEnvelope,
		&acct.ClientPubKey, &acct.ClientSecretEnvelope, &acct.BalanceMsat, &acct.PendingMsat,
		&metadata, &createdAt, &updatedAt, &lastUsedAt, &acct.UsageCount,
	)
	if err != nil {
		return nil, err
	}

	acct.Description = description.String
	acct.Metadata = metadata.String
	if err := json.Unmarshal([]byte(relaysJSON), &acct.Relays); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal relays: %w", err)
	}
	if acct.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("ledger: parse created_at: %w", err)
	}
	if acct.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("ledger: parse updated_at: %w", err)
	}
	if lastUsedAt.Valid {
		t, err := time.Parse(timeLayout, lastUsedAt.String)
		if err != nil {
			return nil, fmt.Errorf("ledger: parse last_used_at: %w", err)
		}
		acct.LastUsedAt = &t
	}
	return &acct, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
