package ledger

import (
	"database/sql"
	"strings"
	"time"
)

const (
	maxTxRetries  = 3
	retryBaseWait = 20 * time.Millisecond
)

// withTx runs fn inside a transaction, retrying up to maxTxRetries times
// with exponential backoff when SQLite reports the transient "database is
// locked"/"database is busy" condition (spec §7: ledger transaction aborts
// are retried on transient serialization errors only).
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	wait := retryBaseWait

	for attempt := 0; ; attempt++ {
		err := s.runTx(fn)
		if err == nil {
			return nil
		}
		if !isTransientBusy(err) || attempt == maxTxRetries {
			return err
		}
		s.log.Warn("ledger transaction retrying after transient busy error", "attempt", attempt+1, "error", err)
		time.Sleep(wait)
		wait *= 2
	}
}

func (s *Store) runTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isTransientBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
