package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrDuplicateReference is returned by LedgerRepo.Insert when a row with
// the same non-null reference_id already exists; callers treat this as a
// no-op and fetch the existing row instead.
var ErrDuplicateReference = errors.New("store: duplicate reference_id")

// LedgerRepo persists append-only ledger transactions.
type LedgerRepo struct{ DB *sql.DB }

// Insert appends a transaction within tx. It returns ErrDuplicateReference
// if ReferenceID is set and already present (idempotency, spec.md §3b).
func (r *LedgerRepo) Insert(ctx context.Context, tx *sql.Tx, txn *LedgerTransaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, tenant_id, delta_raw, type, description, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		txn.ID, txn.TenantID, txn.DeltaRaw, txn.Type, txn.Description, txn.ReferenceID, txn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("store: inserting ledger transaction: %w", err)
	}
	return nil
}

// FindByReferenceID looks up an existing transaction by its idempotency key.
func (r *LedgerRepo) FindByReferenceID(ctx context.Context, q Querier, refID string) (*LedgerTransaction, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, delta_raw, type, description, reference_id, created_at
		FROM ledger_transactions WHERE reference_id = $1`, refID)
	return scanLedgerTransaction(row)
}

// HasReferenceID is a fast existence check for webhook idempotency.
func (r *LedgerRepo) HasReferenceID(ctx context.Context, refID string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ledger_transactions WHERE reference_id = $1)`, refID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: checking reference_id: %w", err)
	}
	return exists, nil
}

// Balance sums all deltas for tenantID within q (tx or DB), per spec.md
// §8 invariant 1: balance is always computed, never stored.
func (r *LedgerRepo) Balance(ctx context.Context, q Querier, tenantID string) (int64, error) {
	var sum sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT SUM(delta_raw) FROM ledger_transactions WHERE tenant_id = $1`, tenantID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("store: summing balance: %w", err)
	}
	if !sum.Valid {
		return 0, nil
	}
	return sum.Int64, nil
}

// HistoryFilter narrows a History query.
type HistoryFilter struct {
	Type   *LedgerTransactionType
	Limit  int
	Offset int
}

// History returns newest-first transactions for tenantID.
func (r *LedgerRepo) History(ctx context.Context, tenantID string, f HistoryFilter) ([]LedgerTransaction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if f.Type != nil {
		rows, err = r.DB.QueryContext(ctx, `
			SELECT id, tenant_id, delta_raw, type, description, reference_id, created_at
			FROM ledger_transactions WHERE tenant_id = $1 AND type = $2
			ORDER BY created_at DESC LIMIT $3 OFFSET $4`, tenantID, *f.Type, limit, f.Offset)
	} else {
		rows, err = r.DB.QueryContext(ctx, `
			SELECT id, tenant_id, delta_raw, type, description, reference_id, created_at
			FROM ledger_transactions WHERE tenant_id = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3`, tenantID, limit, f.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("store: querying history: %w", err)
	}
	defer rows.Close()

	var out []LedgerTransaction
	for rows.Next() {
		txn, err := scanLedgerTransactionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanLedgerTransaction(row *sql.Row) (*LedgerTransaction, error) {
	var t LedgerTransaction
	var ref sql.NullString
	if err := row.Scan(&t.ID, &t.TenantID, &t.DeltaRaw, &t.Type, &t.Description, &ref, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scanning ledger transaction: %w", err)
	}
	if ref.Valid {
		t.ReferenceID = &ref.String
	}
	return &t, nil
}

func scanLedgerTransactionRows(rows *sql.Rows) (*LedgerTransaction, error) {
	var t LedgerTransaction
	var ref sql.NullString
	if err := rows.Scan(&t.ID, &t.TenantID, &t.DeltaRaw, &t.Type, &t.Description, &ref, &t.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: scanning ledger transaction row: %w", err)
	}
	if ref.Valid {
		t.ReferenceID = &ref.String
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && containsAny(err.Error(), "23505", "unique constraint", "duplicate key")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if contains(s, sub) {
			return true
		}
	}
	return false
}
