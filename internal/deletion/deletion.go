// Package deletion implements the account-deletion flow (spec.md §4.11):
// a 30-day grace window after which a cron invokes an external executor
// per tenant and retries failures on the next run.
package deletion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wopr/fleetctl/internal/audit"
	"github.com/wopr/fleetctl/internal/ctrlerr"
	"github.com/wopr/fleetctl/internal/store"
)

const gracePeriod = 30 * 24 * time.Hour

// Executor performs the actual tenant teardown (bot deletion, data
// purge, object-store cleanup) once a request's grace window elapses.
// It lives outside this package since the concrete steps touch nearly
// every other subsystem.
type Executor func(ctx context.Context, req store.DeletionRequest) error

// Service manages deletion request lifecycle.
type Service struct {
	repo    *store.DeletionRepo
	audit   *audit.Logger
	nowFunc func() time.Time
}

func New(repo *store.DeletionRepo, auditLog *audit.Logger) *Service {
	return &Service{repo: repo, audit: auditLog, nowFunc: time.Now}
}

// Create opens a pending deletion request for tenantID, rejecting with
// ctrlerr.Conflict if one is already pending for that tenant.
func (s *Service) Create(ctx context.Context, tenantID, userID string) (*store.DeletionRequest, error) {
	existing, err := s.repo.GetPendingForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("deletion: tenant %s already has a pending request: %w", tenantID, ctrlerr.Conflict)
	}

	now := s.nowFunc()
	req := &store.DeletionRequest{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		UserID:      userID,
		Status:      store.DeletionPending,
		DeleteAfter: now.Add(gracePeriod),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, req); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "user:"+userID, "deletion.requested", tenantID, nil, map[string]any{"deleteAfter": req.DeleteAfter})
	return req, nil
}

// Cancel flips a pending request to cancelled, stamping reason.
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	now := s.nowFunc()
	if err := s.repo.Cancel(ctx, id, reason, now); err != nil {
		return err
	}
	s.audit.Record(ctx, "system", "deletion.cancelled", id, nil, map[string]any{"reason": reason})
	return nil
}

// MarkCompleted flips a pending request to completed, stamping summary
// as a JSON blob of whatever the executor reports it did.
func (s *Service) MarkCompleted(ctx context.Context, id string, summary any) error {
	blob, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("deletion: marshaling summary: %w", err)
	}
	now := s.nowFunc()
	if err := s.repo.MarkCompleted(ctx, id, string(blob), now); err != nil {
		return err
	}
	s.audit.Record(ctx, "system", "deletion.completed", id, nil, nil)
	return nil
}

// FindExpired returns pending requests whose grace window has elapsed.
func (s *Service) FindExpired(ctx context.Context) ([]store.DeletionRequest, error) {
	return s.repo.FindExpired(ctx, s.nowFunc())
}

// CronResult summarizes one sweep (mirrors internal/billing's
// RuntimeCronResult shape).
type CronResult struct {
	Processed int
	Completed []string
	Failed    int
}

// RunSweep finds every expired pending request and invokes execute for
// each. A failed execution increments Failed but leaves the request
// pending — it's picked up again on the next sweep — rather than
// flipping it to any terminal state, per spec.md §4.11.
func (s *Service) RunSweep(ctx context.Context, execute Executor) (*CronResult, error) {
	expired, err := s.FindExpired(ctx)
	if err != nil {
		return nil, err
	}

	result := &CronResult{}
	for _, req := range expired {
		result.Processed++

		if err := execute(ctx, req); err != nil {
			slog.Error("deletion: executor failed, will retry next sweep", "tenant_id", req.TenantID, "request_id", req.ID, "err", err)
			result.Failed++
			continue
		}

		summary := map[string]any{"tenantId": req.TenantID, "completedAt": s.nowFunc()}
		if err := s.MarkCompleted(ctx, req.ID, summary); err != nil {
			slog.Error("deletion: marking completed failed", "request_id", req.ID, "err", err)
			result.Failed++
			continue
		}
		result.Completed = append(result.Completed, req.TenantID)
	}
	return result, nil
}
