// Package snapshot implements the bot-state snapshot manager (spec.md
// §4.10): tar/gzip bot data directories to disk, index them in Postgres,
// and restore them with a safety-rename so a failed restore can be undone.
package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wopr/fleetctl/internal/ctrlerr"
	"github.com/wopr/fleetctl/internal/store"
)

var safeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrUnsafeID is returned when an instanceId doesn't match the
// [A-Za-z0-9_-]+ pattern spec.md §4.10 requires before it's used to build
// a filesystem path.
var ErrUnsafeID = errors.New("snapshot: instance id contains unsafe characters")

// Manager creates and restores snapshots under Dir, indexing metadata via
// repo and optionally mirroring the archive to object storage.
type Manager struct {
	dir     string
	repo    *store.SnapshotRepo
	upload  func(key string, data []byte) error
	nowFunc func() time.Time
}

// Uploader matches the narrow surface internal/objectstore.Client exposes;
// kept as a func type here so tests don't need a live bucket.
type Uploader func(key string, data []byte) error

func NewManager(dir string, repo *store.SnapshotRepo, upload Uploader) *Manager {
	return &Manager{dir: dir, repo: repo, upload: upload, nowFunc: time.Now}
}

// Create tars up srcDir and indexes the result for instanceId.
func (m *Manager) Create(ctx context.Context, instanceID, userID, srcDir string, trigger store.SnapshotTrigger, plugins []string) (*store.SnapshotRecord, error) {
	if !safeIDPattern.MatchString(instanceID) {
		return nil, fmt.Errorf("%w: %q", ErrUnsafeID, instanceID)
	}

	configHash, err := hashConfig(filepath.Join(srcDir, "config.json"))
	if err != nil {
		return nil, err
	}

	instanceDir := filepath.Join(m.dir, instanceID)
	if err := os.MkdirAll(instanceDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: creating %s: %w", instanceDir, err)
	}

	id := uuid.NewString()
	tarPath := filepath.Join(instanceDir, id+".tar.gz")
	if err := tarDirectory(srcDir, tarPath); err != nil {
		return nil, err
	}

	info, err := os.Stat(tarPath)
	if err != nil {
		_ = os.Remove(tarPath)
		return nil, fmt.Errorf("snapshot: statting archive: %w", err)
	}
	sizeMB := roundTo2(float64(info.Size()) / (1024 * 1024))

	rec := &store.SnapshotRecord{
		ID:          id,
		InstanceID:  instanceID,
		UserID:      userID,
		CreatedAt:   m.nowFunc(),
		SizeMB:      sizeMB,
		Trigger:     trigger,
		Plugins:     plugins,
		ConfigHash:  configHash,
		StoragePath: tarPath,
	}
	if err := m.repo.Insert(ctx, rec); err != nil {
		_ = os.Remove(tarPath)
		return nil, err
	}

	if m.upload != nil {
		data, readErr := os.ReadFile(tarPath)
		if readErr == nil {
			_ = m.upload(objectKey(instanceID, id), data)
		}
	}

	return rec, nil
}

// Restore extracts snapshotID's archive into dstDir, renaming any existing
// dstDir aside first so a failed restore can be rolled back.
func (m *Manager) Restore(ctx context.Context, snapshotID, dstDir string) error {
	rec, err := m.repo.Get(ctx, snapshotID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("snapshot: %s not found: %w", snapshotID, ctrlerr.NotFound)
	}

	backupDir := fmt.Sprintf("%s.pre-restore-%d", dstDir, m.nowFunc().Unix())
	hadExisting := false
	if _, err := os.Stat(dstDir); err == nil {
		if err := os.Rename(dstDir, backupDir); err != nil {
			return fmt.Errorf("snapshot: backing up %s: %w", dstDir, err)
		}
		hadExisting = true
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: statting %s: %w", dstDir, err)
	}

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		m.undoRestoreFailure(dstDir, backupDir, hadExisting)
		return fmt.Errorf("snapshot: creating %s: %w", dstDir, err)
	}

	if err := untarStripFirst(rec.StoragePath, dstDir); err != nil {
		m.undoRestoreFailure(dstDir, backupDir, hadExisting)
		return err
	}

	if hadExisting {
		_ = os.RemoveAll(backupDir)
	}
	return nil
}

func (m *Manager) undoRestoreFailure(dstDir, backupDir string, hadExisting bool) {
	_ = os.RemoveAll(dstDir)
	if hadExisting {
		_ = os.Rename(backupDir, dstDir)
	}
}

func (m *Manager) List(ctx context.Context, instanceID string) ([]store.SnapshotRecord, error) {
	return m.repo.ListByInstance(ctx, instanceID)
}

func (m *Manager) Get(ctx context.Context, snapshotID string) (*store.SnapshotRecord, error) {
	return m.repo.Get(ctx, snapshotID)
}

func (m *Manager) Delete(ctx context.Context, snapshotID string) error {
	rec, err := m.repo.Get(ctx, snapshotID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if err := m.repo.Delete(ctx, snapshotID); err != nil {
		return err
	}
	_ = os.Remove(rec.StoragePath)
	return nil
}

func (m *Manager) Count(ctx context.Context, instanceID string) (int, error) {
	return m.repo.CountByInstance(ctx, instanceID)
}

func (m *Manager) GetOldest(ctx context.Context, instanceID string) (*store.SnapshotRecord, error) {
	return m.repo.GetOldest(ctx, instanceID)
}

func objectKey(instanceID, snapshotID string) string {
	return fmt.Sprintf("snapshots/%s/%s.tar.gz", instanceID, snapshotID)
}

func hashConfig(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("snapshot: opening config file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("snapshot: hashing config file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func roundTo2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func tarDirectory(srcDir, destTarGz string) error {
	out, err := os.Create(destTarGz)
	if err != nil {
		return fmt.Errorf("snapshot: creating archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	parent := filepath.Dir(srcDir)

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func untarStripFirst(tarGzPath, dstDir string) error {
	f, err := os.Open(tarGzPath)
	if err != nil {
		return fmt.Errorf("snapshot: opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("snapshot: reading gzip header: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("snapshot: reading tar entry: %w", err)
		}

		name := stripFirstComponent(hdr.Name)
		if name == "" {
			continue
		}
		target := filepath.Join(dstDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

func stripFirstComponent(name string) string {
	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return ""
	}
	return name[idx+1:]
}
