// Package ledger is the append-only credit ledger: credit, debit, balance,
// and history over internal/store.LedgerRepo, with a per-tenant mutex
// layered on top of Postgres SERIALIZABLE transactions so balance ≥ 0
// holds under concurrent debits even if two requests race on the same
// tenant within the same process.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr/fleetctl/internal/cache"
	"github.com/wopr/fleetctl/internal/ctrlerr"
	"github.com/wopr/fleetctl/internal/credit"
	"github.com/wopr/fleetctl/internal/store"
)

// Ledger is the credit ledger for one control plane instance.
type Ledger struct {
	db     *sql.DB
	repo   *store.LedgerRepo
	cache  *cache.Client // may be nil: cache is strictly an accelerator
	logger *log.Logger

	mu       sync.Mutex
	tenantMu map[string]*sync.Mutex
}

func New(db *sql.DB, repo *store.LedgerRepo, c *cache.Client) *Ledger {
	return &Ledger{
		db:       db,
		repo:     repo,
		cache:    c,
		logger:   log.New(log.Writer(), "[ledger] ", log.LstdFlags),
		tenantMu: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) lockFor(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.tenantMu[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.tenantMu[tenantID] = m
	}
	return m
}

// Credit appends a positive delta. amount must be >= 0. If referenceID is
// non-nil and already present, this is a no-op returning the existing
// transaction.
func (l *Ledger) Credit(ctx context.Context, tenantID string, amount credit.Credit, txType store.LedgerTransactionType, description string, referenceID *string) (*store.LedgerTransaction, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: credit amount must be >= 0", ctrlerr.Validation)
	}
	return l.append(ctx, tenantID, amount.Raw(), txType, description, referenceID)
}

// Debit appends a negative delta, failing with ctrlerr.InsufficientBalance
// if it would take the tenant's balance below zero.
func (l *Ledger) Debit(ctx context.Context, tenantID string, amount credit.Credit, txType store.LedgerTransactionType, description string, referenceID *string) (*store.LedgerTransaction, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: debit amount must be >= 0", ctrlerr.Validation)
	}
	return l.append(ctx, tenantID, -amount.Raw(), txType, description, referenceID)
}

func (l *Ledger) append(ctx context.Context, tenantID string, deltaRaw int64, txType store.LedgerTransactionType, description string, referenceID *string) (*store.LedgerTransaction, error) {
	lock := l.lockFor(tenantID)
	lock.Lock()
	defer lock.Unlock()

	if referenceID != nil {
		if existing, err := l.repo.FindByReferenceID(ctx, l.db, *referenceID); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}

	txn := &store.LedgerTransaction{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		DeltaRaw:    deltaRaw,
		Type:        txType,
		Description: description,
		ReferenceID: referenceID,
	}

	var result *store.LedgerTransaction
	err := store.Serializable(ctx, l.db, func(tx *sql.Tx) error {
		balance, err := l.repo.Balance(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if balance+deltaRaw < 0 {
			return ctrlerr.InsufficientBalance
		}
		txn.CreatedAt = nowFunc()
		if err := l.repo.Insert(ctx, tx, txn); err != nil {
			if errors.Is(err, store.ErrDuplicateReference) {
				return err
			}
			return err
		}
		if l.cache != nil {
			if err := l.cache.InvalidateBalance(ctx, tenantID); err != nil {
				l.logger.Printf("failed to invalidate balance cache: tenant=%s err=%v", tenantID, err)
			}
		}
		result = txn
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateReference) && referenceID != nil {
			existing, findErr := l.repo.FindByReferenceID(ctx, l.db, *referenceID)
			if findErr != nil {
				return nil, findErr
			}
			return existing, nil
		}
		return nil, err
	}

	if l.cache != nil {
		if err := l.cache.InvalidateBalance(ctx, tenantID); err != nil {
			l.logger.Printf("failed to invalidate balance cache: tenant=%s err=%v", tenantID, err)
		}
	}
	return result, nil
}

// Balance returns the tenant's current balance, preferring the cache.
func (l *Ledger) Balance(ctx context.Context, tenantID string) (credit.Credit, error) {
	if l.cache != nil {
		if raw, err := l.cache.GetBalance(ctx, tenantID); err == nil {
			return credit.MustFromRaw(raw), nil
		}
	}
	raw, err := l.repo.Balance(ctx, l.db, tenantID)
	if err != nil {
		return credit.Credit{}, err
	}
	if l.cache != nil {
		if err := l.cache.SetBalance(ctx, tenantID, raw); err != nil {
			l.logger.Printf("failed to warm balance cache: tenant=%s err=%v", tenantID, err)
		}
	}
	return credit.MustFromRaw(raw), nil
}

// History returns a tenant's transactions, newest first.
func (l *Ledger) History(ctx context.Context, tenantID string, f store.HistoryFilter) ([]store.LedgerTransaction, error) {
	return l.repo.History(ctx, tenantID, f)
}

// HasReferenceID is a fast idempotency check for webhook handlers.
func (l *Ledger) HasReferenceID(ctx context.Context, refID string) (bool, error) {
	return l.repo.HasReferenceID(ctx, refID)
}

// nowFunc is overridable in tests.
var nowFunc = time.Now
