package sla

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oversight-labs/phasegate/pkg/audit"
	"github.com/oversight-labs/phasegate/pkg/metadata"
	"github.com/oversight-labs/phasegate/pkg/notify"
	"github.com/oversight-labs/phasegate/pkg/phase"
	"github.com/oversight-labs/phasegate/pkg/store"
)

type captureNotifier struct {
	sent []notify.Notification
}

func (c *captureNotifier) Send(_ context.Context, n notify.Notification) error {
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) SendBulk(ctx context.Context, ns []notify.Notification) error {
	for _, n := range ns {
		if err := c.Send(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

type captureAudit struct {
	entries []audit.Entry
}

func (c *captureAudit) Record(_ context.Context, entry audit.Entry) error {
	c.entries = append(c.entries, entry)
	return nil
}

func testScanner(t *testing.T, policies map[phase.Name]Policy, now *time.Time) (*Scanner, *store.MemoryStore, *captureNotifier, *captureAudit) {
	t.Helper()
	clock := func() time.Time { return *now }
	st := store.NewMemoryStore().WithClock(clock)
	tracker := NewTracker(st, NewStaticSource(policies)).WithClock(clock)
	notifier := &captureNotifier{}
	auditor := &captureAudit{}
	scanner := NewScanner(tracker).
		WithNotifier(notifier).
		WithAudit(auditor).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return scanner, st, notifier, auditor
}

func seedInProgress(t *testing.T, st *store.MemoryStore, key store.Key, startedAt time.Time) {
	t.Helper()
	status := phase.StatusInProgress
	actor := "alice"
	_, err := st.Save(context.Background(), key, store.Patch{
		Status:    &status,
		StartedAt: &startedAt,
		StartedBy: &actor,
	})
	require.NoError(t, err)
}

func TestSweepEscalatesBreachedPhase(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	scanner, st, notifier, auditor := testScanner(t, map[phase.Name]Policy{phase.TestExecution: {Hours: 48}}, &now)
	key := store.Key{CycleID: 7, ReportID: 12, Phase: phase.TestExecution}
	seedInProgress(t, st, key, now.Add(-50*time.Hour))
	ctx := context.Background()

	n, err := scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, metadata.CurrentEscalationLevel(rec.Metadata))

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, notify.TypeSLABreach, notifier.sent[0].Type)
	assert.Equal(t, notify.PriorityHigh, notifier.sent[0].Priority)
	assert.Equal(t, "alice", notifier.sent[0].UserID)

	require.Len(t, auditor.entries, 1)
	assert.Equal(t, audit.ActionEscalationTriggered, auditor.entries[0].Action)
	assert.Equal(t, "sla-scanner", auditor.entries[0].Actor)
	assert.Equal(t, 1, auditor.entries[0].Details["level"])
}

func TestSweepDoesNotRepeatLevel(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	scanner, st, notifier, _ := testScanner(t, map[phase.Name]Policy{phase.TestExecution: {Hours: 48}}, &now)
	key := store.Key{CycleID: 7, ReportID: 12, Phase: phase.TestExecution}
	seedInProgress(t, st, key, now.Add(-50*time.Hour))
	ctx := context.Background()

	_, err := scanner.Sweep(ctx)
	require.NoError(t, err)
	n, err := scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, notifier.sent, 1)
}

func TestSweepClimbsLadder(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	scanner, st, notifier, _ := testScanner(t, map[phase.Name]Policy{phase.TestExecution: {Hours: 48}}, &now)
	key := store.Key{CycleID: 7, ReportID: 12, Phase: phase.TestExecution}
	seedInProgress(t, st, key, now.Add(-50*time.Hour))
	ctx := context.Background()

	_, err := scanner.Sweep(ctx)
	require.NoError(t, err)

	// 30 hours later the breach passes 24 hours over budget: level 2.
	now = now.Add(30 * time.Hour)
	n, err := scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Two days later it passes 72 hours over: level 3.
	now = now.Add(48 * time.Hour)
	n, err = scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, metadata.CurrentEscalationLevel(rec.Metadata))
	entries, err := metadata.EscalationsFrom(rec.Metadata)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Levels past the first notify as escalation, not breach.
	require.Len(t, notifier.sent, 3)
	assert.Equal(t, notify.TypeEscalation, notifier.sent[1].Type)
	assert.Equal(t, notify.PriorityUrgent, notifier.sent[1].Priority)
}

func TestSweepSkipsPhasesWithoutPolicy(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	scanner, st, notifier, _ := testScanner(t, map[phase.Name]Policy{phase.Planning: {Hours: 48}}, &now)
	seedInProgress(t, st, store.Key{CycleID: 7, ReportID: 12, Phase: phase.Scoping}, now.Add(-500*time.Hour))

	n, err := scanner.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, notifier.sent)
}

func TestSweepSkipsHealthyPhases(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	scanner, st, notifier, _ := testScanner(t, map[phase.Name]Policy{phase.Planning: {Hours: 48}}, &now)
	seedInProgress(t, st, store.Key{CycleID: 7, ReportID: 12, Phase: phase.Planning}, now.Add(-40*time.Hour))

	// At risk but not breached: no escalation.
	n, err := scanner.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, notifier.sent)
}

func TestEscalationLevel(t *testing.T) {
	tests := []struct {
		name   string
		result Compliance
		want   int
	}{
		{"on track", Compliance{Status: StatusOnTrack}, 0},
		{"at risk", Compliance{Status: StatusAtRisk}, 0},
		{"fresh breach", Compliance{Status: StatusBreached, BreachHours: 2}, 1},
		{"full day over", Compliance{Status: StatusBreached, BreachHours: 24}, 2},
		{"three days over", Compliance{Status: StatusBreached, BreachHours: 77}, 3},
		{"completed over budget", Compliance{Status: StatusCompleted, BreachHours: 100}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, escalationLevel(&tt.result))
		})
	}
}

func TestRunStopsOnContextDone(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	scanner, _, _, _ := testScanner(t, nil, &now)
	scanner.WithInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := scanner.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
