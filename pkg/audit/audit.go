// Package audit records workflow transitions as structured, tamper-evident
// entries. WriterLogger emits JSON lines for log pipelines; ChainStore
// persists a hash-chained trail suitable for regulatory evidence.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the workflow engine.
const (
	ActionPhaseStarted        = "phase_started"
	ActionPhaseCompleted      = "phase_completed"
	ActionPhaseOverridden     = "phase_overridden"
	ActionMetadataUpdated     = "metadata_updated"
	ActionWorkflowAdvanced    = "workflow_advanced"
	ActionEscalationTriggered = "escalation_triggered"
)

// Resource types recorded by the workflow engine.
const (
	ResourcePhase    = "phase"
	ResourceWorkflow = "workflow"
)

// Entry is a single audit record. Callers fill Actor, Action, ResourceType,
// ResourceID and Details; loggers fill the rest.
type Entry struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	PayloadHash  string         `json:"payload_hash,omitempty"`
	PreviousHash string         `json:"previous_hash,omitempty"`
	EntryHash    string         `json:"entry_hash,omitempty"`
}

// Logger records audit entries.
type Logger interface {
	Record(ctx context.Context, entry Entry) error
}

// Nop discards every entry. Useful as a default collaborator.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Record(context.Context, Entry) error { return nil }

// WriterLogger writes entries as JSON lines to a configurable writer.
type WriterLogger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewWriterLogger creates a WriterLogger. A nil writer defaults to os.Stdout.
func NewWriterLogger(w io.Writer) *WriterLogger {
	if w == nil {
		w = os.Stdout
	}
	return &WriterLogger{writer: w, clock: time.Now}
}

// WithClock overrides the time source.
func (l *WriterLogger) WithClock(clock func() time.Time) *WriterLogger {
	l.clock = clock
	return l
}

func (l *WriterLogger) Record(_ context.Context, entry Entry) error {
	stamp(&entry, l.clock)

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Multi fans every entry out to all loggers, collecting their errors.
func Multi(loggers ...Logger) Logger {
	return multiLogger(loggers)
}

type multiLogger []Logger

func (m multiLogger) Record(ctx context.Context, entry Entry) error {
	var errs []error
	for _, l := range m {
		if err := l.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stamp fills the fields a caller may leave empty.
func stamp(entry *Entry, clock func() time.Time) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = clock().UTC()
	} else {
		entry.Timestamp = entry.Timestamp.UTC()
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}
}
