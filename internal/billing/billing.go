// Package billing maintains BotBilling lifecycle state (active/suspended
// per bot) and the daily runtime cron that charges tenants for their
// active bots. It never imports internal/ledger directly — per the
// "cyclic references" design note, RunDaily and CheckReactivation receive
// a Ledger interface and RunDaily an onSuspend callback from the caller,
// so Ledger and BotBilling never reference each other's packages.
package billing

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/wopr/fleetctl/internal/audit"
	"github.com/wopr/fleetctl/internal/credit"
	"github.com/wopr/fleetctl/internal/store"
)

// Ledger is the subset of internal/ledger.Ledger that billing needs. Kept
// as a narrow interface so this package has no import-time dependency on
// the ledger package.
type Ledger interface {
	Balance(ctx context.Context, tenantID string) (credit.Credit, error)
	Debit(ctx context.Context, tenantID string, amount credit.Credit, txType store.LedgerTransactionType, description string, referenceID *string) (*store.LedgerTransaction, error)
}

// AddOn is a recurring per-bot charge layered on top of the base daily fee
// (spec.md §4.2 "Σ enabled add-ons' dailyCost").
type AddOn struct {
	Name      string
	DailyCost credit.Credit
}

// Service manages bot billing lifecycle transitions.
type Service struct {
	repo        *store.BotBillingRepo
	botRepo     *store.BotInstanceRepo
	audit       *audit.Logger
	perBotDaily credit.Credit
	addOnsFor   func(tenantID string) ([]AddOn, error)
	logger      *log.Logger
	now         func() time.Time
}

func New(repo *store.BotBillingRepo, botRepo *store.BotInstanceRepo, auditLog *audit.Logger, perBotDaily credit.Credit, addOnsFor func(string) ([]AddOn, error)) *Service {
	if addOnsFor == nil {
		addOnsFor = func(string) ([]AddOn, error) { return nil, nil }
	}
	return &Service{
		repo:        repo,
		botRepo:     botRepo,
		audit:       auditLog,
		perBotDaily: perBotDaily,
		addOnsFor:   addOnsFor,
		logger:      log.New(log.Writer(), "[billing] ", log.LstdFlags),
		now:         time.Now,
	}
}

// RegisterBot creates a bot_billing row in the active state, idempotently.
func (s *Service) RegisterBot(ctx context.Context, botID, tenantID, name string) error {
	now := s.now()
	b := &store.BotBilling{
		BotID:        botID,
		TenantID:     tenantID,
		Name:         name,
		BillingState: store.BillingActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Register(ctx, b); err != nil {
		return err
	}
	return nil
}

// SuspendAllForTenant flips every active bot for tenantID to suspended,
// audits each transition, and returns the suspended bot ids.
func (s *Service) SuspendAllForTenant(ctx context.Context, tenantID string) ([]string, error) {
	active, err := s.repo.ListActiveForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, botID := range active {
		if err := s.repo.SetState(ctx, botID, store.BillingSuspended, now); err != nil {
			return nil, err
		}
		if err := s.botRepo.SetBillingState(ctx, s.repo.DB, botID, store.BillingSuspended, now); err != nil {
			return nil, err
		}
		s.audit.Record(ctx, "billing-cron", "bot.suspended", botID, nil, map[string]any{"tenantId": tenantID})
	}
	return active, nil
}

// CheckReactivation flips suspended bots back to active if tenantID's
// ledger balance is positive, emitting a bot.reactivated audit entry per
// bot (spec.md §4.2).
func (s *Service) CheckReactivation(ctx context.Context, tenantID string, ledger Ledger) ([]string, error) {
	balance, err := ledger.Balance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if balance.IsNegative() || balance.IsZero() {
		return nil, nil
	}

	suspended, err := s.repo.ListSuspendedForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, botID := range suspended {
		if err := s.repo.SetState(ctx, botID, store.BillingActive, now); err != nil {
			return nil, err
		}
		if err := s.botRepo.SetBillingState(ctx, s.repo.DB, botID, store.BillingActive, now); err != nil {
			return nil, err
		}
		s.audit.Record(ctx, "billing-cron", "bot.reactivated", botID, nil, map[string]any{"tenantId": tenantID})
	}
	return suspended, nil
}

// RuntimeCronResult summarizes one daily cron pass (spec.md §4.2).
type RuntimeCronResult struct {
	Processed int
	Debited   []string
	Suspended []string
}

// RunDaily charges every tenant with >=1 active bot the daily per-bot fee
// plus enabled add-ons, via a deterministic referenceId so reruns within
// the same calendar day are idempotent. On InsufficientBalance it debits
// whatever is available (0-clamped) and calls onSuspend.
func (s *Service) RunDaily(ctx context.Context, ledger Ledger, day string, onSuspend func(ctx context.Context, tenantID string) error) (*RuntimeCronResult, error) {
	tenants, err := s.repo.ListTenantsWithActiveBots(ctx)
	if err != nil {
		return nil, err
	}

	result := &RuntimeCronResult{}
	for _, tenantID := range tenants {
		result.Processed++

		activeCount, err := s.repo.CountActiveForTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if activeCount == 0 {
			continue
		}

		dailyCost, err := s.perBotDaily.Mul(float64(activeCount))
		if err != nil {
			return nil, err
		}
		addOns, err := s.addOnsFor(tenantID)
		if err != nil {
			s.logger.Printf("failed to resolve add-ons: tenant=%s err=%v", tenantID, err)
		}
		for _, a := range addOns {
			dailyCost, err = dailyCost.Add(a.DailyCost)
			if err != nil {
				return nil, err
			}
		}

		refID := fmt.Sprintf("runtime:%s:%s", tenantID, day)
		_, err = ledger.Debit(ctx, tenantID, dailyCost, store.TxBotRuntime, "daily bot runtime charge", &refID)
		if err == nil {
			result.Debited = append(result.Debited, tenantID)
			continue
		}

		balance, balErr := ledger.Balance(ctx, tenantID)
		if balErr != nil {
			return nil, balErr
		}
		if !balance.IsNegative() && !balance.IsZero() {
			partialRef := refID + ":partial"
			if _, err := ledger.Debit(ctx, tenantID, balance, store.TxBotRuntime, "daily bot runtime charge (partial, insufficient balance)", &partialRef); err != nil {
				s.logger.Printf("partial debit failed: tenant=%s err=%v", tenantID, err)
			} else {
				result.Debited = append(result.Debited, tenantID)
			}
		}

		if onSuspend != nil {
			if err := onSuspend(ctx, tenantID); err != nil {
				s.logger.Printf("onSuspend callback failed: tenant=%s err=%v", tenantID, err)
			}
		}
		result.Suspended = append(result.Suspended, tenantID)
	}
	return result, nil
}
