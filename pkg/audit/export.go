package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidResource is returned when cycle or report ids are not positive.
	ErrInvalidResource = errors.New("audit: cycle and report ids must be positive")
	// ErrInvalidWindow is returned when the start time is after the end time.
	ErrInvalidWindow = errors.New("audit: start time must be before end time")
	// ErrStoreNotConfigured is returned when export is invoked without a backing store.
	ErrStoreNotConfigured = errors.New("audit: chain store not configured (fail-closed)")
)

// ExportRequest defines what to export: all entries touching one test cycle
// and report, optionally bounded in time.
type ExportRequest struct {
	CycleID  int64     `json:"cycle_id"`
	ReportID int64     `json:"report_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// Exporter builds evidence packs from the audit chain.
type Exporter struct {
	store *ChainStore
	clock func() time.Time
}

// NewExporter creates an Exporter over the given chain store.
func NewExporter(s *ChainStore) *Exporter {
	return &Exporter{store: s, clock: time.Now}
}

// WithClock overrides the time source.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// GeneratePack creates a zip containing the matching audit entries and a
// manifest, returning the archive bytes and a suggested pack filename. The
// manifest records the SHA-256 of events.json so the pack verifies on its
// own.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.CycleID <= 0 || req.ReportID <= 0 {
		return nil, "", ErrInvalidResource
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.From.After(req.To) {
		return nil, "", ErrInvalidWindow
	}
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}

	filter := Filter{}
	if !req.From.IsZero() {
		filter.From = &req.From
	}
	if !req.To.IsZero() {
		filter.To = &req.To
	}
	all, err := e.store.Query(ctx, filter)
	if err != nil {
		return nil, "", err
	}
	// Phase resources are keyed "cycle/report/phase", workflow resources
	// "cycle/report"; the prefix match collects both.
	prefix := fmt.Sprintf("%d/%d", req.CycleID, req.ReportID)
	entries := make([]Entry, 0, len(all))
	for _, entry := range all {
		if entry.ResourceID == prefix || strings.HasPrefix(entry.ResourceID, prefix+"/") {
			entries = append(entries, entry)
		}
	}

	eventsJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", err
	}
	eventsSum := sha256.Sum256(eventsJSON)

	head, err := e.store.Head(ctx)
	if err != nil {
		return nil, "", err
	}
	now := e.clock().UTC()
	manifest := map[string]any{
		"cycle_id":      req.CycleID,
		"report_id":     req.ReportID,
		"generated_at":  now,
		"entry_count":   len(entries),
		"chain_head":    head,
		"events_sha256": hex.EncodeToString(eventsSum[:]),
		"period": map[string]any{
			"start": req.From,
			"end":   req.To,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(eventsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Evidence pack for test cycle %d, report %d\nGenerated at %s\n",
		req.CycleID, req.ReportID, now.Format(time.RFC3339))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	filename := fmt.Sprintf("evidence-pack-c%d-r%d-%s.zip",
		req.CycleID, req.ReportID, now.Format("20060102T150405Z"))
	return buf.Bytes(), filename, nil
}
