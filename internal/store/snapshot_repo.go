package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SnapshotRepo persists bot-state snapshot metadata rows (spec.md §4.10).
// The tar/gzip payload itself lives in object storage or on local disk;
// this table is the index used for list/get/delete/getOldest.
type SnapshotRepo struct{ DB *sql.DB }

func (r *SnapshotRepo) Insert(ctx context.Context, s *SnapshotRecord) error {
	plugins, err := json.Marshal(s.Plugins)
	if err != nil {
		return fmt.Errorf("store: marshaling snapshot plugin list: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO snapshots (id, instance_id, user_id, created_at, size_mb, trigger, plugins, config_hash, storage_path)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID, s.InstanceID, s.UserID, s.CreatedAt, s.SizeMB, s.Trigger, plugins, s.ConfigHash, s.StoragePath)
	if err != nil {
		return fmt.Errorf("store: inserting snapshot record: %w", err)
	}
	return nil
}

func (r *SnapshotRepo) Get(ctx context.Context, id string) (*SnapshotRecord, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, instance_id, user_id, created_at, size_mb, trigger, plugins, config_hash, storage_path
		FROM snapshots WHERE id = $1`, id)
	return scanSnapshot(row)
}

// ListByInstance returns an instance's snapshots, newest first.
func (r *SnapshotRepo) ListByInstance(ctx context.Context, instanceID string) ([]SnapshotRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, instance_id, user_id, created_at, size_mb, trigger, plugins, config_hash, storage_path
		FROM snapshots WHERE instance_id = $1 ORDER BY created_at DESC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: listing snapshots: %w", err)
	}
	defer rows.Close()
	var out []SnapshotRecord
	for rows.Next() {
		s, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *SnapshotRepo) CountByInstance(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE instance_id = $1`, instanceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: counting snapshots: %w", err)
	}
	return n, nil
}

// GetOldest returns the oldest snapshot for instanceID. It is exposed as
// snapshot.Manager.GetOldest; no retention sweep calls it.
func (r *SnapshotRepo) GetOldest(ctx context.Context, instanceID string) (*SnapshotRecord, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, instance_id, user_id, created_at, size_mb, trigger, plugins, config_hash, storage_path
		FROM snapshots WHERE instance_id = $1 ORDER BY created_at ASC LIMIT 1`, instanceID)
	return scanSnapshot(row)
}

func (r *SnapshotRepo) Delete(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM snapshots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: deleting snapshot record: %w", err)
	}
	return nil
}

func scanSnapshot(row *sql.Row) (*SnapshotRecord, error) {
	var s SnapshotRecord
	var plugins []byte
	if err := row.Scan(&s.ID, &s.InstanceID, &s.UserID, &s.CreatedAt, &s.SizeMB, &s.Trigger, &plugins, &s.ConfigHash, &s.StoragePath); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scanning snapshot record: %w", err)
	}
	if err := json.Unmarshal(plugins, &s.Plugins); err != nil {
		return nil, fmt.Errorf("store: unmarshaling snapshot plugin list: %w", err)
	}
	return &s, nil
}

func scanSnapshotRows(rows *sql.Rows) (*SnapshotRecord, error) {
	var s SnapshotRecord
	var plugins []byte
	if err := rows.Scan(&s.ID, &s.InstanceID, &s.UserID, &s.CreatedAt, &s.SizeMB, &s.Trigger, &plugins, &s.ConfigHash, &s.StoragePath); err != nil {
		return nil, fmt.Errorf("store: scanning snapshot row: %w", err)
	}
	if err := json.Unmarshal(plugins, &s.Plugins); err != nil {
		return nil, fmt.Errorf("store: unmarshaling snapshot plugin list: %w", err)
	}
	return &s, nil
}
