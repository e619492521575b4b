package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oversight-labs/phasegate/pkg/audit"
	"github.com/oversight-labs/phasegate/pkg/authz"
	"github.com/oversight-labs/phasegate/pkg/errdefs"
	"github.com/oversight-labs/phasegate/pkg/metadata"
	"github.com/oversight-labs/phasegate/pkg/phase"
	"github.com/oversight-labs/phasegate/pkg/store"
)

type recordingAudit struct {
	entries []audit.Entry
	err     error
}

func (r *recordingAudit) Record(_ context.Context, entry audit.Entry) error {
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingAudit) last(t *testing.T) audit.Entry {
	t.Helper()
	require.NotEmpty(t, r.entries)
	return r.entries[len(r.entries)-1]
}

var engineClock = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func testEngine(t *testing.T) (*Engine, *store.MemoryStore, *recordingAudit) {
	t.Helper()
	st := store.NewMemoryStore().WithClock(func() time.Time { return engineClock })
	auditor := &recordingAudit{}
	e := NewEngine(st).
		WithAudit(auditor).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(func() time.Time { return engineClock })
	return e, st, auditor
}

func planningKey() store.Key {
	return store.Key{CycleID: 7, ReportID: 12, Phase: phase.Planning}
}

func TestStartCreatesRecord(t *testing.T) {
	e, _, auditor := testEngine(t)
	ctx := context.Background()

	rec, err := e.Start(ctx, planningKey(), "alice")
	require.NoError(t, err)

	assert.Equal(t, phase.StatusInProgress, rec.Status)
	require.NotNil(t, rec.StartedAt)
	assert.Equal(t, engineClock, *rec.StartedAt)
	assert.Equal(t, "alice", rec.StartedBy)
	assert.Equal(t, int64(1), rec.Version)

	entry := auditor.last(t)
	assert.Equal(t, audit.ActionPhaseStarted, entry.Action)
	assert.Equal(t, "alice", entry.Actor)
	assert.Equal(t, "7/12/Planning", entry.ResourceID)
	assert.Equal(t, phase.StatusInProgress.String(), entry.Details["new_status"])
}

func TestStartRequiresActor(t *testing.T) {
	e, _, _ := testEngine(t)

	_, err := e.Start(context.Background(), planningKey(), "")
	require.Error(t, err)
	assert.True(t, errdefs.IsValidationFailure(err))
}

func TestStartInvalidKey(t *testing.T) {
	e, _, _ := testEngine(t)

	_, err := e.Start(context.Background(), store.Key{CycleID: 0, ReportID: 12, Phase: phase.Planning}, "alice")
	assert.Error(t, err)
}

func TestStartTwiceFails(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	_, err := e.Start(ctx, planningKey(), "alice")
	require.NoError(t, err)

	_, err = e.Start(ctx, planningKey(), "bob")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidTransition(err))
	assert.Contains(t, err.Error(), `cannot start phase "Planning"`)
	assert.Contains(t, err.Error(), phase.StatusInProgress.String())
}

func TestStartCompletedPhaseFails(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	_, err := e.Start(ctx, planningKey(), "alice")
	require.NoError(t, err)
	_, err = e.UpdateMetadata(ctx, planningKey(), "alice", map[string]any{"attributes_defined": 3})
	require.NoError(t, err)
	_, err = e.Complete(ctx, planningKey(), CompleteRequest{Actor: "alice"})
	require.NoError(t, err)

	_, err = e.Start(ctx, planningKey(), "alice")
	assert.True(t, errdefs.IsInvalidTransition(err))
}

func TestCompleteHappyPath(t *testing.T) {
	e, _, auditor := testEngine(t)
	ctx := context.Background()

	_, err := e.Start(ctx, planningKey(), "alice")
	require.NoError(t, err)
	_, err = e.UpdateMetadata(ctx, planningKey(), "alice", map[string]any{"attributes_defined": 3})
	require.NoError(t, err)

	rec, err := e.Complete(ctx, planningKey(), CompleteRequest{Actor: "bob"})
	require.NoError(t, err)

	assert.Equal(t, phase.StatusCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, engineClock, *rec.CompletedAt)
	assert.Equal(t, "bob", rec.CompletedBy)
	assert.Empty(t, rec.OverrideBy)

	entry := auditor.last(t)
	assert.Equal(t, audit.ActionPhaseCompleted, entry.Action)
	assert.Equal(t, phase.StatusCompleted.String(), entry.Details["new_status"])
	assert.NotContains(t, entry.Details, "override")
}

func TestCompleteRequiresInProgress(t *testing.T) {
	e, _, _ := testEngine(t)

	_, err := e.Complete(context.Background(), planningKey(), CompleteRequest{Actor: "alice"})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidTransition(err))
	assert.Contains(t, err.Error(), "phase is not in progress")
	assert.Contains(t, err.Error(), phase.StatusNotStarted.String())
}

func TestCompleteTwiceFails(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	_, err := e.Start(ctx, planningKey(), "alice")
	require.NoError(t, err)
	_, err = e.UpdateMetadata(ctx, planningKey(), "alice", map[string]any{"attributes_defined": 1})
	require.NoError(t, err)
	_, err = e.Complete(ctx, planningKey(), CompleteRequest{Actor: "alice"})
	require.NoError(t, err)

	_, err = e.Complete(ctx, planningKey(), CompleteRequest{Actor: "alice"})
	assert.True(t, errdefs.IsInvalidTransition(err))
}

func TestCompleteUnmetRequirements(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	_, err := e.Start(ctx, planningKey(), "alice")
	require.NoError(t, err)

	_, err = e.Complete(ctx, planningKey(), CompleteRequest{Actor: "alice"})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidationFailure(err))

	var verr *errdefs.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"no report attributes have been defined yet"}, verr.Requirements)
}

func TestCompleteDataOwnerRequirementString(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()
	key := store.Key{CycleID: 7, ReportID: 12, Phase: phase.DataOwnerIdentification}

	_, err := e.Start(ctx, key, "alice")
	require.NoError(t, err)
	_, err = e.UpdateMetadata(ctx, key, "alice", map[string]any{
		"total_data_owners":      10,
		"unassigned_data_owners": 3,
	})
	require.NoError(t, err)

	_, err = e.Complete(ctx, key, CompleteRequest{Actor: "alice"})
	var verr *errdefs.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"3 data owners have not been assigned yet"}, verr.Requirements)
}

func TestCompleteWithOverrideBypassesPredicates(t *testing.T) {
	e, _, auditor := testEngine(t)
	ctx := context.Background()

	_, err := e.Start(ctx, planningKey(), "alice")
	require.NoError(t, err)

	rec, err := e.Complete(ctx, planningKey(), CompleteRequest{
		Actor:    "admin",
		Override: true,
		Reason:   "regulator deadline",
	})
	require.NoError(t, err)

	assert.Equal(t, phase.StatusCompleted, rec.Status)
	assert.Equal(t, "admin", rec.OverrideBy)
	require.NotNil(t, rec.OverrideAt)
	assert.Equal(t, "regulator deadline", rec.OverrideReason)

	entry := auditor.last(t)
	assert.Equal(t, true, entry.Details["override"])
	assert.Equal(t, "regulator deadline", entry.Details["override_reason"])
	assert.Contains(t, entry.Details, "bypassed_requirements")
}

func TestCompleteGuardRule(t *testing.T) {
	guards, err := NewGuardSet([]GuardRule{{
		Phase:      "Planning",
		Expression: "metadata.attributes_defined >= 5",
		Message:    "at least five report attributes are required",
	}})
	require.NoError(t, err)

	e, _, _ := testEngine(t)
	e.WithGuards(guards)
	ctx := context.Background()

	_, err = e.Start(ctx, planningKey(), "alice")
	require.NoError(t, err)
	_, err = e.UpdateMetadata(ctx, planningKey(), "alice", map[string]any{"attributes_defined": 3})
	require.NoError(t, err)

	_, err = e.Complete(ctx, planningKey(), CompleteRequest{Actor: "alice"})
	var verr *errdefs.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Requirements, "at least five report attributes are required")

	_, err = e.UpdateMetadata(ctx, planningKey(), "alice", map[string]any{"attributes_defined": 5})
	require.NoError(t, err)
	_, err = e.Complete(ctx, planningKey(), CompleteRequest{Actor: "alice"})
	assert.NoError(t, err)
}

func TestOverrideFailsClosedWithoutSource(t *testing.T) {
	e, _, _ := testEngine(t)

	_, err := e.Override(context.Background(), planningKey(), OverrideRequest{
		Actor:  "admin",
		Status: phase.StatusCompleted,
		Reason: "cleanup",
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsPermissionDenied(err))
}

func TestOverrideRequiresPermission(t *testing.T) {
	e, _, _ := testEngine(t)
	src := authz.NewStaticSource()
	src.Grant("auditor", authz.PermAdvance)
	e.WithAuthorizer(src)

	_, err := e.Override(context.Background(), planningKey(), OverrideRequest{
		Actor:  "auditor",
		Status: phase.StatusCompleted,
		Reason: "cleanup",
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsPermissionDenied(err))
	assert.Contains(t, err.Error(), authz.PermOverride)
}

func TestOverrideForcesStatusAndStamps(t *testing.T) {
	e, _, auditor := testEngine(t)
	src := authz.NewStaticSource()
	src.Grant("admin", authz.PermOverride)
	e.WithAuthorizer(src)

	rec, err := e.Override(context.Background(), planningKey(), OverrideRequest{
		Actor:  "admin",
		Status: phase.StatusCompleted,
		Reason: "migrated from legacy tracker",
	})
	require.NoError(t, err)

	assert.Equal(t, phase.StatusCompleted, rec.Status)
	assert.Equal(t, "admin", rec.OverrideBy)
	require.NotNil(t, rec.OverrideAt)
	assert.Equal(t, "migrated from legacy tracker", rec.OverrideReason)
	// Forcing Completed implies both timestamps.
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.CompletedAt)

	entry := auditor.last(t)
	assert.Equal(t, audit.ActionPhaseOverridden, entry.Action)
	assert.Equal(t, phase.StatusNotStarted.String(), entry.Details["old_status"])
	assert.Equal(t, phase.StatusCompleted.String(), entry.Details["new_status"])
}

func TestOverridePreservesExistingTimestamps(t *testing.T) {
	e, _, _ := testEngine(t)
	src := authz.NewStaticSource()
	src.Grant("admin", authz.PermOverride)
	e.WithAuthorizer(src)
	ctx := context.Background()

	_, err := e.Start(ctx, planningKey(), "alice")
	require.NoError(t, err)

	rec, err := e.Override(ctx, planningKey(), OverrideRequest{
		Actor:  "admin",
		Status: phase.StatusCompleted,
		Reason: "force close",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice", rec.StartedBy)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, "admin", rec.CompletedBy)
}

func TestOverrideUnknownStatus(t *testing.T) {
	e, _, _ := testEngine(t)

	_, err := e.Override(context.Background(), planningKey(), OverrideRequest{
		Actor:  "admin",
		Status: phase.Status("Paused"),
		Reason: "x",
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidationFailure(err))
}

func TestUpdateMetadataValidates(t *testing.T) {
	validator, err := metadata.NewValidator()
	require.NoError(t, err)

	e, _, auditor := testEngine(t)
	e.WithMetadataValidator(validator)
	ctx := context.Background()

	_, err = e.UpdateMetadata(ctx, planningKey(), "alice", map[string]any{"attributes_defined": "three"})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidationFailure(err))

	rec, err := e.UpdateMetadata(ctx, planningKey(), "alice", map[string]any{"attributes_defined": 3})
	require.NoError(t, err)
	assert.Equal(t, phase.StatusNotStarted, rec.Status)

	entry := auditor.last(t)
	assert.Equal(t, audit.ActionMetadataUpdated, entry.Action)
	assert.Contains(t, entry.Details, "metadata_diff")
}

func TestAuditFailureDoesNotBlockTransition(t *testing.T) {
	e, _, auditor := testEngine(t)
	auditor.err = errors.New("audit sink down")

	rec, err := e.Start(context.Background(), planningKey(), "alice")
	require.NoError(t, err)
	assert.Equal(t, phase.StatusInProgress, rec.Status)
}

func TestScopedBindsStore(t *testing.T) {
	e, original, _ := testEngine(t)
	other := store.NewMemoryStore()
	ctx := context.Background()

	_, err := e.Scoped(other).Start(ctx, planningKey(), "alice")
	require.NoError(t, err)

	_, err = other.Get(ctx, planningKey())
	assert.NoError(t, err)
	_, err = original.Get(ctx, planningKey())
	assert.True(t, errdefs.IsNotFound(err))
}
