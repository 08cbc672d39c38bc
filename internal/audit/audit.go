// Package audit appends immutable audit log entries for operator and
// automated actions the control plane takes on a tenant's behalf:
// suspensions, manual recoveries, spending-cap overrides, node
// decommissions. Writes never block or roll back the action they
// describe; a failed audit write is logged and swallowed.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wopr/fleetctl/internal/store"
)

// Logger appends audit entries. It is safe for concurrent use.
type Logger struct {
	repo *store.AuditRepo
	now  func() time.Time
}

func New(repo *store.AuditRepo) *Logger {
	return &Logger{repo: repo, now: time.Now}
}

// Record appends one entry. before/after are optional structured
// snapshots of the mutated state; either may be nil.
func (l *Logger) Record(ctx context.Context, actor, action, target string, before, after map[string]any) {
	entry := &store.AuditEntry{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Before:    before,
		After:     after,
		CreatedAt: l.now(),
	}
	if err := l.repo.Insert(ctx, entry); err != nil {
		slog.Error("audit: failed to record entry", "action", action, "target", target, "error", err)
	}
}

// History returns a target's audit trail, newest first.
func (l *Logger) History(ctx context.Context, target string, limit int) ([]store.AuditEntry, error) {
	return l.repo.ListByTarget(ctx, target, limit)
}
