package meter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/fleetctl/internal/store"
)

func newTestEmitter(t *testing.T) *Emitter {
	t.Helper()
	dir := t.TempDir()
	e := &Emitter{
		cfg: Config{
			WALPath:    filepath.Join(dir, "wal.jsonl"),
			DLQPath:    filepath.Join(dir, "dlq.jsonl"),
			MaxRetries: 2,
			BatchSize:  10,
		}.withDefaults(),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	wal, err := os.OpenFile(e.cfg.WALPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	require.NoError(t, err)
	e.walFile = wal
	return e
}

func TestEmitAppendsToWALAndBuffer(t *testing.T) {
	e := newTestEmitter(t)
	defer e.walFile.Close()
	e.walEnc = json.NewEncoder(e.walFile)

	e.Emit(store.MeterEvent{ID: "evt-1", TenantID: "tenant-1", CostRaw: 100, ChargeRaw: 130})

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Len(t, e.buffer, 1)
	assert.Equal(t, "evt-1", e.buffer[0].event.ID)
}

func TestEmitAfterCloseIsSilentDrop(t *testing.T) {
	e := newTestEmitter(t)
	defer e.walFile.Close()
	e.walEnc = json.NewEncoder(e.walFile)
	e.closed = true

	e.Emit(store.MeterEvent{ID: "evt-2", TenantID: "tenant-1"})

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.buffer)
}

func TestFlushWithNoDBDoesNothingOnEmptyBuffer(t *testing.T) {
	e := newTestEmitter(t)
	defer e.walFile.Close()
	e.walEnc = json.NewEncoder(e.walFile)

	assert.NotPanics(t, func() { e.flush() })
}
