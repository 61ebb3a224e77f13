package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/klingon-tech/walletmux/internal/walleterr"
)

// RegisterPendingInvoice inserts a new PendingInvoice in the pending state
// and refreshes the owning SubAccount's pending_msats aggregate (I-1).
func (s *Store) RegisterPendingInvoice(params PendingInvoiceParams) (*PendingInvoice, error) {
	id, err := randomID()
	if err != nil {
		return nil, fmt.Errorf("ledger: generate id: %w", err)
	}

	now := time.Now().UTC()
	inv := &PendingInvoice{
		ID:              id,
		SubAccountID:    params.SubAccountID,
		Invoice:         params.Invoice,
		PaymentHash:     params.PaymentHash,
		DescriptionHash: params.DescriptionHash,
		AmountMsat:      params.AmountMsat,
		State:           InvoicePending,
		ExpiresAt:       params.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
		Raw:             params.Raw,
	}

	err = s.withTx(func(tx *sql.Tx) error {
		var exists string
		row := tx.QueryRow(`SELECT id FROM sub_accounts WHERE id = ?`, inv.SubAccountID)
		if err := row.Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return walleterr.ErrUnknownSubAccount
			}
			return err
		}

		_, err := tx.Exec(`
			INSERT INTO pending_invoices (
				id, sub_account_id, invoice, payment_hash, description_hash,
				amount_msats, state, expires_at, created_at, updated_at, raw
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			inv.ID, inv.SubAccountID, nullableString(inv.Invoice), nullableString(inv.PaymentHash),
			nullableString(inv.DescriptionHash), inv.AmountMsat, string(inv.State),
			nullableUnixTime(inv.ExpiresAt), inv.CreatedAt.Format(timeLayout), inv.UpdatedAt.Format(timeLayout),
			nullableString(inv.Raw),
		)
		if err != nil {
			return err
		}

		return refreshPendingAggregate(tx, inv.SubAccountID)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: register pending invoice: %w", err)
	}
	return inv, nil
}

// legalTransitions enumerates the PendingInvoice states reachable from
// pending; all of them are terminal.
var legalTransitions = map[InvoiceState]bool{
	InvoiceSettled: true,
	InvoiceFailed:  true,
	InvoiceExpired: true,
}

// UpdatePendingInvoiceState transitions a PendingInvoice from pending to a
// terminal state, refreshing the owning SubAccount's pending_msats
// aggregate. Any transition out of a terminal state is rejected with
// walleterr.ErrInvalidTransition. An optional settledAt pins the settled_at
// timestamp to an upstream-reported time instead of the time of the call
// (spec §4.7 step 4: "settled_at from the event, else now").
func (s *Store) UpdatePendingInvoiceState(id string, next InvoiceState, settledAt ...time.Time) (*PendingInvoice, error) {
	if !legalTransitions[next] {
		return nil, fmt.Errorf("ledger: update pending invoice state: %w", walleterr.ErrInvalidTransition)
	}
	if len(settledAt) > 1 {
		return nil, fmt.Errorf("ledger: update pending invoice state: at most one settledAt may be given")
	}

	err := s.withTx(func(tx *sql.Tx) error {
		var current string
		var subAccountID string
		row := tx.QueryRow(`SELECT state, sub_account_id FROM pending_invoices WHERE id = ?`, id)
		if err := row.Scan(&current, &subAccountID); err != nil {
			if err == sql.ErrNoRows {
				return walleterr.ErrInvalidTransition
			}
			return err
		}
		if InvoiceState(current) != InvoicePending {
			return walleterr.ErrInvalidTransition
		}

		now := time.Now().UTC().Format(timeLayout)
		var settledAtCol interface{}
		if next == InvoiceSettled {
			settledAtCol = now
			if len(settledAt) == 1 {
				settledAtCol = settledAt[0].UTC().Format(timeLayout)
			}
		}

		if _, err := tx.Exec(
			`UPDATE pending_invoices SET state = ?, updated_at = ?, settled_at = ? WHERE id = ?`,
			string(next), now, settledAtCol, id,
		); err != nil {
			return err
		}

		return refreshPendingAggregate(tx, subAccountID)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: update pending invoice state: %w", err)
	}
	return s.getPendingInvoiceByID(id)
}

// SettlePendingInvoice transitions a PendingInvoice from pending to settled
// and credits creditMsat onto the owning SubAccount's balance in a single
// transaction (spec §4.7 step 4, invariant I-3): the state transition, the
// pending_msats aggregate refresh, and the balance credit either all commit
// or none do, so a crash or failure partway through never leaves a
// permanently-settled invoice with its credit missing. An optional
// settledAt pins the settled_at timestamp to an upstream-reported time
// instead of the time of the call.
func (s *Store) SettlePendingInvoice(id string, creditMsat int64, settledAt ...time.Time) (*PendingInvoice, error) {
	if len(settledAt) > 1 {
		return nil, fmt.Errorf("ledger: settle pending invoice: at most one settledAt may be given")
	}

	err := s.withTx(func(tx *sql.Tx) error {
		var current string
		var subAccountID string
		row := tx.QueryRow(`SELECT state, sub_account_id FROM pending_invoices WHERE id = ?`, id)
		if err := row.Scan(&current, &subAccountID); err != nil {
			if err == sql.ErrNoRows {
				return walleterr.ErrInvalidTransition
			}
			return err
		}
		if InvoiceState(current) != InvoicePending {
			return walleterr.ErrInvalidTransition
		}

		now := time.Now().UTC().Format(timeLayout)
		settledAtCol := now
		if len(settledAt) == 1 {
			settledAtCol = settledAt[0].UTC().Format(timeLayout)
		}

		if _, err := tx.Exec(
			`UPDATE pending_invoices SET state = ?, updated_at = ?, settled_at = ? WHERE id = ?`,
			string(InvoiceSettled), now, settledAtCol, id,
		); err != nil {
			return err
		}

		if err := refreshPendingAggregate(tx, subAccountID); err != nil {
			return err
		}

		var balance int64
		if err := tx.QueryRow(`SELECT balance_msats FROM sub_accounts WHERE id = ?`, subAccountID).Scan(&balance); err != nil {
			if err == sql.ErrNoRows {
				return walleterr.ErrUnknownSubAccount
			}
			return err
		}
		if _, err := tx.Exec(
			`UPDATE sub_accounts SET balance_msats = ?, updated_at = ? WHERE id = ?`,
			balance+creditMsat, now, subAccountID,
		); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: settle pending invoice: %w", err)
	}
	return s.getPendingInvoiceByID(id)
}

// FindPendingInvoice locates a PendingInvoice by payment_hash, invoice, or
// description_hash, in that preference order (spec §4.7); ties within a
// single lookup field break on most-recent updated_at.
func (s *Store) FindPendingInvoice(q FindPendingInvoiceQuery) (*PendingInvoice, error) {
	type attempt struct {
		column string
		value  string
	}
	attempts := []attempt{
		{"payment_hash", q.PaymentHash},
		{"invoice", q.Invoice},
		{"description_hash", q.DescriptionHash},
	}

	for _, a := range attempts {
		if a.value == "" {
			continue
		}
		row := s.db.QueryRow(
			selectPendingInvoiceSQL+fmt.Sprintf(" WHERE %s = ? ORDER BY updated_at DESC LIMIT 1", a.column),
			a.value,
		)
		inv, err := scanPendingInvoiceRow(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: find pending invoice: %w", err)
		}
		return inv, nil
	}
	return nil, walleterr.ErrInvalidInput
}

// ListPendingInvoicesBySubAccount returns every PendingInvoice owned by
// subAccountID, most recently created first.
func (s *Store) ListPendingInvoicesBySubAccount(subAccountID string) ([]*PendingInvoice, error) {
	rows, err := s.db.Query(
		selectPendingInvoiceSQL+" WHERE sub_account_id = ? ORDER BY created_at DESC",
		subAccountID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: list pending invoices: %w", err)
	}
	defer rows.Close()

	var out []*PendingInvoice
	for rows.Next() {
		inv, err := scanPendingInvoiceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: list pending invoices: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// PruneExpired transitions every pending invoice whose expires_at has
// passed nowUnix into the expired state. It is idempotent: invoices already
// terminal are left untouched.
func (s *Store) PruneExpired(nowUnix int64) (int, error) {
	var affected int
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT id, sub_account_id FROM pending_invoices WHERE state = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
			string(InvoicePending), nowUnix,
		)
		if err != nil {
			return err
		}
		type target struct{ id, subAccountID string }
		var targets []target
		for rows.Next() {
			var t target
			if err := rows.Scan(&t.id, &t.subAccountID); err != nil {
				rows.Close()
				return err
			}
			targets = append(targets, t)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		now := time.Now().UTC().Format(timeLayout)
		touched := make(map[string]bool)
		for _, t := range targets {
			if _, err := tx.Exec(
				`UPDATE pending_invoices SET state = ?, updated_at = ? WHERE id = ?`,
				string(InvoiceExpired), now, t.id,
			); err != nil {
				return err
			}
			touched[t.subAccountID] = true
			affected++
		}
		for subAccountID := range touched {
			if err := refreshPendingAggregate(tx, subAccountID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: prune expired: %w", err)
	}
	return affected, nil
}

func refreshPendingAggregate(tx *sql.Tx, subAccountID string) error {
	var total sql.NullInt64
	row := tx.QueryRow(
		`SELECT SUM(amount_msats) FROM pending_invoices WHERE sub_account_id = ? AND state = ?`,
		subAccountID, string(InvoicePending),
	)
	if err := row.Scan(&total); err != nil {
		return err
	}
	_, err := tx.Exec(`UPDATE sub_accounts SET pending_msats = ? WHERE id = ?`, total.Int64, subAccountID)
	return err
}

const selectPendingInvoiceSQL = `
	SELECT id, sub_account_id, invoice, payment_hash, description_hash,
	       amount_msats, state, expires_at, created_at, updated_at, settled_at, raw
	FROM pending_invoices`

func (s *Store) getPendingInvoiceByID(id string) (*PendingInvoice, error) {
	row := s.db.QueryRow(selectPendingInvoiceSQL+" WHERE id = ?", id)
	return scanPendingInvoiceRow(row)
}

func scanPendingInvoiceRow(row rowScanner) (*PendingInvoice, error) {
	var inv PendingInvoice
	var invoice, paymentHash, descriptionHash, raw sql.NullString
	var state string
	var expiresAt sql.NullInt64
	var createdAt, updatedAt string
	var settledAt sql.NullString

	err := row.Scan(
		&inv.ID, &inv.SubAccountID, &invoice, &paymentHash, &descriptionHash,
		&inv.AmountMsat, &state, &expiresAt, &createdAt, &updatedAt, &settledAt, &raw,
	)
	if err != nil {
		return nil, err
	}

	inv.Invoice = invoice.String
	inv.PaymentHash = paymentHash.String
	inv.DescriptionHash = descriptionHash.String
	inv.Raw = raw.String
	inv.State = InvoiceState(state)

	if inv.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("ledger: parse created_at: %w", err)
	}
	if inv.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("ledger: parse updated_at: %w", err)
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		inv.ExpiresAt = &t
	}
	if settledAt.Valid {
		t, err := time.Parse(timeLayout, settledAt.String)
		if err != nil {
			return nil, fmt.Errorf("ledger: parse settled_at: %w", err)
		}
		inv.SettledAt = &t
	}
	return &inv, nil
}

func nullableUnixTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
