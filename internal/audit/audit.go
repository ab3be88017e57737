// Package audit emits the gateway's append-only audit event stream: one
// JSON line per security-relevant action (config mutations, auth events,
// rejected oversized bodies), written asynchronously so the request path
// never blocks on audit I/O. Events carry the acting caller, the action, the
// target entity, the outcome, and the request id for correlation with the
// request logs.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"` // username or "anonymous"
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Status    string    `json:"status"` // "success" | "denied" | "error"
	Details   string    `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Common action names used by the gateway's own call sites.
const (
	ActionLogin         = "auth.login"
	ActionLogout        = "auth.logout"
	ActionTokenRefresh  = "auth.refresh"
	ActionBodyRejected  = "request.body_rejected"
	ActionEntityCreated = "config.created"
	ActionEntityUpdated = "config.updated"
	ActionEntityDeleted = "config.deleted"
	ActionSnapshotWrite = "lifecycle.snapshot_write"
	ActionSnapshotLoad  = "lifecycle.snapshot_restore"
	ActionConfigReload  = "lifecycle.config_reload"
)

// Config controls the audit sink.
type Config struct {
	// Output is "stdout", "stderr", or a file path (rotated).
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	BufferSize int
}

// Logger is the async audit sink.
type Logger struct {
	queue   chan Event
	out     io.Writer
	closer  io.Closer
	stopCh  chan struct{}
	doneCh  chan struct{}
	written atomic.Int64
	dropped atomic.Int64
}

// New builds a Logger and starts its flush goroutine.
func New(cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}

	var out io.Writer
	var closer io.Closer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = lj
		closer = lj
	}

	l := &Logger{
		queue:  make(chan Event, cfg.BufferSize),
		out:    out,
		closer: closer,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.run()
	return l
}

// Emit enqueues an event, dropping (and counting) when the buffer is full —
// audit must never stall a request.
func (l *Logger) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case l.queue <- e:
	default:
		l.dropped.Add(1)
	}
}

func (l *Logger) run() {
	defer close(l.doneCh)
	enc := json.NewEncoder(l.out)
	for {
		select {
		case e := <-l.queue:
			if err := enc.Encode(e); err == nil {
				l.written.Add(1)
			}
		case <-l.stopCh:
			// Drain whatever is queued before exiting.
			for {
				select {
				case e := <-l.queue:
					if err := enc.Encode(e); err == nil {
						l.written.Add(1)
					}
				default:
					return
				}
			}
		}
	}
}

// Close drains the queue and releases the file handle.
func (l *Logger) Close() error {
	close(l.stopCh)
	<-l.doneCh
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Stats reports delivery counters.
func (l *Logger) Stats() (written, dropped int64) {
	return l.written.Load(), l.dropped.Load()
}
