// Package store is the relational persistence layer: typed repository
// interfaces over a single *sql.DB, backed by Postgres via lib/pq. Every
// multi-row mutation the spec calls out — node transition + heartbeat,
// ledger insert, meter batch insert — happens inside one *sql.Tx. The
// ledger issues its balance-cache invalidation before that transaction
// commits; the meter truncates its WAL only after its batch has committed.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Open connects to Postgres at dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: PLATFORM_DB_PATH is not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}
	return db, nil
}

// Serializable runs fn inside a SERIALIZABLE transaction, retrying once on
// a serialization failure (Postgres error code 40001) since the ledger's
// credit/debit pair is exactly the kind of read-sum-write cycle that
// isolation level is built to protect.
func Serializable(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	const maxAttempts = 2
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("store: beginning transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if isSerializationFailure(err) && attempt < maxAttempts-1 {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) && attempt < maxAttempts-1 {
				lastErr = err
				continue
			}
			return fmt.Errorf("store: committing transaction: %w", err)
		}
		return nil
	}
	return lastErr
}

func isSerializationFailure(err error) bool {
	// lib/pq reports this as *pq.Error with Code "40001"; matched by
	// substring to avoid importing the driver's error type everywhere.
	return err != nil && (contains(err.Error(), "40001") || contains(err.Error(), "could not serialize"))
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
