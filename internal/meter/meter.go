// Package meter is the usage-event pipeline: a synchronous emit() call
// appends to a local WAL file, buffers in memory, and a background
// flusher batches inserts into internal/store on a timer or size
// threshold. Failed batches are retried a bounded number of times before
// falling through to a DLQ file. Modeled on internal/webhooks/dispatcher.go's
// bounded-channel worker-pool shape, but adapted from fire-and-forget HTTP
// delivery to a WAL-backed, crash-recoverable insert pipeline (spec.md
// §4.3) since meter rows must never be silently dropped.
package meter

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr/fleetctl/internal/store"
)

const (
	defaultFlushInterval = 250 * time.Millisecond
	defaultBatchSize     = 200
	defaultMaxRetries    = 5
)

// Config controls the emitter's batching and retry policy.
type Config struct {
	WALPath       string
	DLQPath       string
	FlushInterval time.Duration
	BatchSize     int
	MaxRetries    int
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

type bufferedEvent struct {
	event   store.MeterEvent
	retries int
}

// Emitter is the synchronous entry point: emit() appends to the WAL,
// buffers the event, and returns immediately. A background goroutine
// flushes on a timer or when the buffer crosses BatchSize.
type Emitter struct {
	cfg    Config
	db     *sql.DB
	repo   *store.MeterRepo
	logger *log.Logger

	walMu   sync.Mutex
	walFile *os.File
	walEnc  *json.Encoder

	mu      sync.Mutex
	buffer  []bufferedEvent
	closed  bool
	closeCh chan struct{}
	doneCh  chan struct{}
}

// NewEmitter opens (or creates) the WAL file at cfg.WALPath and starts the
// background flush loop. Callers MUST call Close to drain the final batch.
func NewEmitter(cfg Config, db *sql.DB, repo *store.MeterRepo) (*Emitter, error) {
	cfg = cfg.withDefaults()
	wal, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("meter: opening WAL file: %w", err)
	}

	e := &Emitter{
		cfg:     cfg,
		db:      db,
		repo:    repo,
		logger:  log.New(log.Writer(), "[meter] ", log.LstdFlags),
		walFile: wal,
		walEnc:  json.NewEncoder(wal),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := e.replayWAL(); err != nil {
		e.logger.Printf("WAL replay encountered an error, continuing with partial recovery: %v", err)
	}

	go e.flushLoop()
	return e, nil
}

// replayWAL reloads any events left in the WAL from a prior crash into the
// in-memory buffer, so a restart never loses durable-but-unflushed events.
func (e *Emitter) replayWAL() error {
	if _, err := e.walFile.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(e.walFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev store.MeterEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			e.logger.Printf("skipping malformed WAL line: %v", err)
			continue
		}
		e.buffer = append(e.buffer, bufferedEvent{event: ev})
	}
	if _, err := e.walFile.Seek(0, 2); err != nil {
		return err
	}
	return scanner.Err()
}

// Emit appends event to the WAL and buffers it. event.ID must already be a
// UUID minted by the caller, since that id is the at-least-once dedup key
// at the database layer. Emit after Close is a silent drop.
func (e *Emitter) Emit(event store.MeterEvent) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.walMu.Lock()
	if err := e.walEnc.Encode(event); err != nil {
		e.logger.Printf("failed to append WAL line for event %s: %v", event.ID, err)
	}
	e.walMu.Unlock()

	e.mu.Lock()
	e.buffer = append(e.buffer, bufferedEvent{event: event})
	shouldFlush := len(e.buffer) >= e.cfg.BatchSize
	e.mu.Unlock()

	if shouldFlush {
		e.flush()
	}
}

func (e *Emitter) flushLoop() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.flush()
		case <-e.closeCh:
			e.flush()
			return
		}
	}
}

// flush copies and clears the buffer, inserts the batch in one
// transaction, and on success truncates the WAL. On failure, events are
// returned to the buffer with their retry count incremented; events past
// MaxRetries are appended to the DLQ instead.
func (e *Emitter) flush() {
	e.mu.Lock()
	if len(e.buffer) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	events := make([]store.MeterEvent, len(batch))
	for i, b := range batch {
		events[i] = b.event
	}

	err := store.Serializable(context.Background(), e.db, func(tx *sql.Tx) error {
		return e.repo.InsertBatch(context.Background(), tx, events)
	})
	if err == nil {
		e.truncateWAL()
		return
	}

	e.logger.Printf("batch insert failed, requeuing %d events: %v", len(batch), err)

	var retry []bufferedEvent
	var dead []store.MeterEvent
	for _, b := range batch {
		b.retries++
		if b.retries > e.cfg.MaxRetries {
			dead = append(dead, b.event)
			continue
		}
		retry = append(retry, b)
	}
	if len(dead) > 0 {
		e.appendDLQ(dead)
	}

	e.mu.Lock()
	e.buffer = append(retry, e.buffer...)
	e.mu.Unlock()
}

func (e *Emitter) truncateWAL() {
	e.walMu.Lock()
	defer e.walMu.Unlock()
	if err := e.walFile.Truncate(0); err != nil {
		e.logger.Printf("failed to truncate WAL after successful flush: %v", err)
		return
	}
	if _, err := e.walFile.Seek(0, 0); err != nil {
		e.logger.Printf("failed to seek WAL after truncate: %v", err)
	}
}

func (e *Emitter) appendDLQ(events []store.MeterEvent) {
	f, err := os.OpenFile(e.cfg.DLQPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		e.logger.Printf("failed to open DLQ file, dropping %d events: %v", len(events), err)
		return
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			e.logger.Printf("failed to write DLQ line for event %s: %v", ev.ID, err)
		}
	}
}

// Close stops the flush loop after one final synchronous flush.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.closeCh)
	<-e.doneCh
	return e.walFile.Close()
}
