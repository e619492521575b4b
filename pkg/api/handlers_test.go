package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oversight-labs/phasegate/pkg/api"
	"github.com/oversight-labs/phasegate/pkg/audit"
	"github.com/oversight-labs/phasegate/pkg/authz"
	"github.com/oversight-labs/phasegate/pkg/lifecycle"
	"github.com/oversight-labs/phasegate/pkg/phase"
	"github.com/oversight-labs/phasegate/pkg/sla"
	"github.com/oversight-labs/phasegate/pkg/store"
	"github.com/oversight-labs/phasegate/pkg/workflow"
)

const basePath = "/api/v1/cycles/7/reports/12"

type fixture struct {
	mux    *http.ServeMux
	store  *store.MemoryStore
	server *api.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	src := authz.NewStaticSource()
	src.Grant("alice", authz.PermAdvance)
	src.Grant("bob", authz.PermAdvance, authz.PermOverride)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := lifecycle.NewEngine(st).WithAuthorizer(src).WithLogger(logger)
	coordinator := workflow.NewCoordinator(st, engine).WithAuthorizer(src).WithLogger(logger)

	f := &fixture{
		mux:    http.NewServeMux(),
		store:  st,
		server: api.NewServer(coordinator, engine, st).WithLogger(logger),
	}
	f.server.RegisterRoutes(f.mux)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		require.NoError(t, json.NewEncoder(buf).Encode(body))
		reader = buf
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(dst))
}

func (f *fixture) startPhase(t *testing.T, name, actor string) {
	t.Helper()
	w := f.do(t, "POST", basePath+"/phases/"+name+"/start", map[string]any{"actor": actor})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func (f *fixture) putMetadata(t *testing.T, name string, md map[string]any) {
	t.Helper()
	w := f.do(t, "PUT", basePath+"/phases/"+name+"/metadata", map[string]any{
		"actor":    "alice",
		"metadata": md,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandleHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/healthz", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	decodeInto(t, w, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestHandleMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/metrics", nil)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlePhaseList(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/api/v1/phases", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Phases []struct {
			Name          string   `json:"name"`
			Order         int      `json:"order"`
			Prerequisites []string `json:"prerequisites"`
		} `json:"phases"`
	}
	decodeInto(t, w, &body)

	require.Len(t, body.Phases, 8)
	assert.Equal(t, "Planning", body.Phases[0].Name)
	assert.Equal(t, 0, body.Phases[0].Order)
	assert.Empty(t, body.Phases[0].Prerequisites)

	var rfi []string
	for _, p := range body.Phases {
		if p.Name == "Request for Information" {
			rfi = p.Prerequisites
		}
	}
	assert.Equal(t, []string{"Sample Selection", "Data Owner Identification"}, rfi)
}

func TestHandleStatusFreshWorkflow(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", basePath+"/workflow", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var state workflow.State
	decodeInto(t, w, &state)
	assert.Equal(t, phase.Planning, state.CurrentPhase)
	assert.True(t, state.CanAdvance)
	assert.Equal(t, []phase.Name{phase.Planning}, state.NextAvailablePhases)
}

func TestHandleStatusRejectsBadIDs(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/api/v1/cycles/abc/reports/12/workflow", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "GET", "/api/v1/cycles/7/reports/0/workflow", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePhaseGetSynthesizesNotStarted(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", basePath+"/phases/scoping", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var rec store.PhaseRecord
	decodeInto(t, w, &rec)
	assert.Equal(t, phase.Scoping, rec.Phase)
	assert.Equal(t, phase.StatusNotStarted, rec.Status)
	assert.Zero(t, rec.Version)
}

func TestHandlePhaseGetRejectsUnknownPhase(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", basePath+"/phases/deployment", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePhaseStart(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", basePath+"/phases/planning/start", map[string]any{"actor": "alice"})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rec store.PhaseRecord
	decodeInto(t, w, &rec)
	assert.Equal(t, phase.StatusInProgress, rec.Status)
	assert.Equal(t, "alice", rec.StartedBy)
}

func TestHandlePhaseStartTwiceIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "planning", "alice")

	w := f.do(t, "POST", basePath+"/phases/planning/start", map[string]any{"actor": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePhaseStartRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest("POST", basePath+"/phases/planning/start", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePhaseStartRejectsUnknownField(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", basePath+"/phases/planning/start", map[string]any{"actr": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePhaseMetadata(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "planning", "alice")

	w := f.do(t, "PUT", basePath+"/phases/planning/metadata", map[string]any{
		"actor":    "alice",
		"metadata": map[string]any{"attributes_defined": 3},
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec store.PhaseRecord
	decodeInto(t, w, &rec)
	assert.Equal(t, float64(3), rec.Metadata["attributes_defined"])
}

func TestHandlePhaseCompleteSurfacesRequirements(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "planning", "alice")

	w := f.do(t, "POST", basePath+"/phases/planning/complete", map[string]any{"actor": "alice"})

	require.Equal(t, http.StatusBadRequest, w.Code)
	var problem api.ProblemDetail
	decodeInto(t, w, &problem)
	assert.NotEmpty(t, problem.Requirements)
}

func TestHandlePhaseComplete(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "planning", "alice")
	f.putMetadata(t, "planning", map[string]any{"attributes_defined": 3})

	w := f.do(t, "POST", basePath+"/phases/planning/complete", map[string]any{"actor": "alice"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec store.PhaseRecord
	decodeInto(t, w, &rec)
	assert.Equal(t, phase.StatusCompleted, rec.Status)
	assert.Equal(t, "alice", rec.CompletedBy)
}

func TestHandlePhaseCompleteOverrideNeedsReason(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "planning", "alice")

	w := f.do(t, "POST", basePath+"/phases/planning/complete", map[string]any{
		"actor":    "bob",
		"override": true,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAdvance(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "planning", "alice")
	f.putMetadata(t, "planning", map[string]any{"attributes_defined": 3})

	w := f.do(t, "POST", basePath+"/workflow/advance", map[string]any{
		"from_phase":   "Planning",
		"to_phase":     "Scoping",
		"requested_by": "alice",
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var state workflow.State
	decodeInto(t, w, &state)
	assert.Equal(t, phase.Scoping, state.CurrentPhase)
	require.Len(t, state.Records, 2)
	assert.Equal(t, phase.StatusCompleted, state.Records[0].Status)
	assert.Equal(t, phase.StatusInProgress, state.Records[1].Status)
}

func TestHandleAdvanceOverrideNeedsReason(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", basePath+"/workflow/advance", map[string]any{
		"from_phase":            "Planning",
		"to_phase":              "Scoping",
		"requested_by":          "bob",
		"override_dependencies": true,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAdvancePermissionDenied(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "planning", "mallory")

	w := f.do(t, "POST", basePath+"/workflow/advance", map[string]any{
		"from_phase":   "Planning",
		"to_phase":     "Scoping",
		"requested_by": "mallory",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleAdvanceSurfacesMissingPrerequisites(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "sample_selection", "alice")

	w := f.do(t, "POST", basePath+"/workflow/advance", map[string]any{
		"from_phase":   "sample_selection",
		"to_phase":     "request_for_information",
		"requested_by": "alice",
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	var problem api.ProblemDetail
	decodeInto(t, w, &problem)
	assert.Equal(t, []string{"Data Owner Identification"}, problem.MissingPhases)
}

func TestHandlePhaseOverrideNeedsReason(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", basePath+"/phases/planning/override", map[string]any{
		"actor":  "bob",
		"status": "completed",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePhaseOverrideRequiresPermission(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", basePath+"/phases/planning/override", map[string]any{
		"actor":  "alice",
		"status": "completed",
		"reason": "regulator deadline",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlePhaseOverride(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", basePath+"/phases/planning/override", map[string]any{
		"actor":  "bob",
		"status": "completed",
		"reason": "regulator deadline",
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec store.PhaseRecord
	decodeInto(t, w, &rec)
	assert.Equal(t, phase.StatusCompleted, rec.Status)
	assert.Equal(t, "bob", rec.OverrideBy)
	assert.Equal(t, "regulator deadline", rec.OverrideReason)
}

func TestHandlePhaseOverrideRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", basePath+"/phases/planning/override", map[string]any{
		"actor":  "bob",
		"status": "paused",
		"reason": "regulator deadline",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSLAWithoutTracker(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", basePath+"/phases/scoping/sla", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, "GET", "/api/v1/sla/metrics", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func withTracker(t *testing.T, f *fixture, now time.Time) {
	t.Helper()
	policies := sla.NewStaticSource(map[phase.Name]sla.Policy{
		phase.Scoping: {Hours: 10},
	})
	tracker := sla.NewTracker(f.store, policies).
		WithClock(func() time.Time { return now }).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	f.mux = http.NewServeMux()
	f.server.WithTracker(tracker).RegisterRoutes(f.mux)
}

func TestHandlePhaseSLA(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)
	withTracker(t, f, now)

	started := now.Add(-8 * time.Hour)
	inProgress := phase.StatusInProgress
	_, err := f.store.Save(context.Background(),
		store.Key{CycleID: 7, ReportID: 12, Phase: phase.Scoping},
		store.Patch{Status: &inProgress, StartedAt: &started})
	require.NoError(t, err)

	w := f.do(t, "GET", basePath+"/phases/scoping/sla", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var compliance sla.Compliance
	decodeInto(t, w, &compliance)
	assert.Equal(t, sla.StatusAtRisk, compliance.Status)
	assert.True(t, compliance.Compliant)
	assert.InDelta(t, 8.0, compliance.ElapsedHours, 0.01)
}

func TestHandleSLAMetrics(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	withTracker(t, f, now)
	f.startPhase(t, "scoping", "alice")

	w := f.do(t, "GET", "/api/v1/sla/metrics?phase=scoping", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var metrics sla.Metrics
	decodeInto(t, w, &metrics)
	assert.Equal(t, 1, metrics.TotalRecords)
}

func TestHandleSLAMetricsRejectsBadParams(t *testing.T) {
	f := newFixture(t)
	withTracker(t, f, time.Now().UTC())

	w := f.do(t, "GET", "/api/v1/sla/metrics?phase=deployment", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "GET", "/api/v1/sla/metrics?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAuditWithoutChain(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/api/v1/audit/verify", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, "GET", "/api/v1/audit/export?cycle_id=7&report_id=12", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

var chainCols = []string{
	"sequence", "entry_id", "ts", "actor", "action",
	"resource_type", "resource_id", "details",
	"payload_hash", "previous_hash", "entry_hash",
}

func withChain(t *testing.T, f *fixture) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f.mux = http.NewServeMux()
	f.server.WithChain(audit.NewChainStore(db)).RegisterRoutes(f.mux)
	return mock
}

func TestHandleAuditVerifyEmptyChain(t *testing.T) {
	f := newFixture(t)
	mock := withChain(t, f)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_entries")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, entry_id")).
		WillReturnRows(sqlmock.NewRows(chainCols))

	w := f.do(t, "GET", "/api/v1/audit/verify", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Valid   bool   `json:"valid"`
		Entries int    `json:"entries"`
		Error   string `json:"error"`
	}
	decodeInto(t, w, &body)
	assert.True(t, body.Valid)
	assert.Zero(t, body.Entries)
	assert.Empty(t, body.Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleAuditExportRejectsBadParams(t *testing.T) {
	f := newFixture(t)
	withChain(t, f)

	w := f.do(t, "GET", "/api/v1/audit/export?report_id=12", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
