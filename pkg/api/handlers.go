package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/oversight-labs/phasegate/pkg/audit"
	"github.com/oversight-labs/phasegate/pkg/errdefs"
	"github.com/oversight-labs/phasegate/pkg/lifecycle"
	"github.com/oversight-labs/phasegate/pkg/observability"
	"github.com/oversight-labs/phasegate/pkg/phase"
	"github.com/oversight-labs/phasegate/pkg/store"
	"github.com/oversight-labs/phasegate/pkg/workflow"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads at most 1MB of JSON into dst. Unknown fields are
// rejected so typos in field names surface as 400s instead of silently
// dropped options.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteBadRequest(w, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

// pathIDs extracts and validates {cycle_id} and {report_id}.
func pathIDs(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	cycleID, err := strconv.ParseInt(r.PathValue("cycle_id"), 10, 64)
	if err != nil || cycleID <= 0 {
		WriteBadRequest(w, "cycle_id must be a positive integer")
		return 0, 0, false
	}
	reportID, err := strconv.ParseInt(r.PathValue("report_id"), 10, 64)
	if err != nil || reportID <= 0 {
		WriteBadRequest(w, "report_id must be a positive integer")
		return 0, 0, false
	}
	return cycleID, reportID, true
}

// pathPhase extracts and parses {phase}. URL segments use snake_case
// ("sample_selection"); Parse also accepts display names.
func pathPhase(w http.ResponseWriter, r *http.Request) (phase.Name, bool) {
	name, err := phase.Parse(r.PathValue("phase"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return "", false
	}
	return name, true
}

// phaseInfo is one row of the phase catalogue.
type phaseInfo struct {
	Name          phase.Name   `json:"name"`
	Order         int          `json:"order"`
	Prerequisites []phase.Name `json:"prerequisites"`
}

func (s *Server) handlePhaseList(w http.ResponseWriter, r *http.Request) {
	graph := phase.DefaultGraph()
	names := phase.Names()
	out := make([]phaseInfo, len(names))
	for i, n := range names {
		prereqs := graph.Prerequisites(n)
		if prereqs == nil {
			prereqs = []phase.Name{}
		}
		out[i] = phaseInfo{Name: n, Order: n.Order(), Prerequisites: prereqs}
	}
	writeJSON(w, http.StatusOK, map[string]any{"phases": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cycleID, reportID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	state, err := s.coordinator.Status(r.Context(), cycleID, reportID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	cycleID, reportID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	var req workflow.TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.CycleID = cycleID
	req.ReportID = reportID
	// Accept snake_case phase names in bodies like the URL segments do.
	// Unknown names pass through for the coordinator's validation message.
	if name, err := phase.Parse(req.FromPhase.String()); err == nil {
		req.FromPhase = name
	}
	if name, err := phase.Parse(req.ToPhase.String()); err == nil {
		req.ToPhase = name
	}
	if req.OverrideDependencies && req.Reason == "" {
		WriteBadRequest(w, "A reason is required when overriding dependencies")
		return
	}

	r, finish := s.track(r, "workflow.advance", observability.TransitionOperation(
		cycleID, reportID, req.FromPhase.String(), req.ToPhase.String(), req.OverrideDependencies)...)
	state, err := s.coordinator.Advance(r.Context(), req)
	finish(err)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePhaseGet(w http.ResponseWriter, r *http.Request) {
	cycleID, reportID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	name, ok := pathPhase(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), store.Key{CycleID: cycleID, ReportID: reportID, Phase: name})
	switch {
	case errdefs.IsNotFound(err):
		// Absence of a record means the phase has not started; answer with
		// the implied record rather than a 404.
		rec = &store.PhaseRecord{
			CycleID:  cycleID,
			ReportID: reportID,
			Phase:    name,
			Status:   phase.StatusNotStarted,
		}
	case err != nil:
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type startRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handlePhaseStart(w http.ResponseWriter, r *http.Request) {
	cycleID, reportID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	name, ok := pathPhase(w, r)
	if !ok {
		return
	}
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}

	r, finish := s.track(r, "phase.start", observability.PhaseOperation(cycleID, reportID, name.String(), req.Actor)...)
	rec, err := s.engine.Start(r.Context(), store.Key{CycleID: cycleID, ReportID: reportID, Phase: name}, req.Actor)
	finish(err)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type completeRequest struct {
	Actor    string `json:"actor"`
	Override bool   `json:"override,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handlePhaseComplete(w http.ResponseWriter, r *http.Request) {
	cycleID, reportID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	name, ok := pathPhase(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Override && req.Reason == "" {
		WriteBadRequest(w, "A reason is required when overriding completion requirements")
		return
	}

	r, finish := s.track(r, "phase.complete", observability.PhaseOperation(cycleID, reportID, name.String(), req.Actor)...)
	rec, err := s.engine.Complete(r.Context(), store.Key{CycleID: cycleID, ReportID: reportID, Phase: name}, lifecycle.CompleteRequest{
		Actor:    req.Actor,
		Override: req.Override,
		Reason:   req.Reason,
	})
	finish(err)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type overrideRequest struct {
	Actor  string `json:"actor"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) handlePhaseOverride(w http.ResponseWriter, r *http.Request) {
	cycleID, reportID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	name, ok := pathPhase(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		WriteBadRequest(w, "A reason is required to override a phase status")
		return
	}
	status, err := phase.ParseStatus(req.Status)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	r, finish := s.track(r, "phase.override", observability.PhaseOperation(cycleID, reportID, name.String(), req.Actor)...)
	rec, err := s.engine.Override(r.Context(), store.Key{CycleID: cycleID, ReportID: reportID, Phase: name}, lifecycle.OverrideRequest{
		Actor:  req.Actor,
		Status: status,
		Reason: req.Reason,
	})
	finish(err)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type metadataRequest struct {
	Actor    string         `json:"actor"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handlePhaseMetadata(w http.ResponseWriter, r *http.Request) {
	cycleID, reportID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	name, ok := pathPhase(w, r)
	if !ok {
		return
	}
	var req metadataRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.engine.UpdateMetadata(r.Context(), store.Key{CycleID: cycleID, ReportID: reportID, Phase: name}, req.Actor, req.Metadata)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePhaseSLA(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "SLA tracking is not configured")
		return
	}
	cycleID, reportID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	name, ok := pathPhase(w, r)
	if !ok {
		return
	}
	compliance, err := s.tracker.CheckCompliance(r.Context(), cycleID, reportID, name)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, compliance)
}

func (s *Server) handleSLAMetrics(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "SLA tracking is not configured")
		return
	}
	q := r.URL.Query()

	now := time.Now().UTC()
	from, ok := parseTimeParam(w, q.Get("from"), now.AddDate(0, 0, -30))
	if !ok {
		return
	}
	to, ok := parseTimeParam(w, q.Get("to"), now)
	if !ok {
		return
	}

	var only *phase.Name
	if raw := q.Get("phase"); raw != "" {
		name, err := phase.Parse(raw)
		if err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
		only = &name
	}

	metrics, err := s.tracker.Metrics(r.Context(), from, to, only)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// parseTimeParam accepts RFC 3339 timestamps or bare dates; an empty value
// yields the fallback.
func parseTimeParam(w http.ResponseWriter, raw string, fallback time.Time) (time.Time, bool) {
	if raw == "" {
		return fallback, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true
	}
	WriteBadRequest(w, fmt.Sprintf("invalid time %q: use RFC 3339 or YYYY-MM-DD", raw))
	return time.Time{}, false
}

// verifyResponse reports the outcome of a chain verification. A broken
// chain is still a successful verification, so the status stays 200 and
// valid goes false.
type verifyResponse struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.chain == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Audit chain is not configured")
		return
	}
	entries, err := s.chain.Size(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	resp := verifyResponse{Valid: true, Entries: entries}
	if err := s.chain.Verify(r.Context()); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.chain == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Audit chain is not configured")
		return
	}
	q := r.URL.Query()
	cycleID, err := strconv.ParseInt(q.Get("cycle_id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "cycle_id must be a positive integer")
		return
	}
	reportID, err := strconv.ParseInt(q.Get("report_id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "report_id must be a positive integer")
		return
	}
	from, ok := parseTimeParam(w, q.Get("from"), time.Time{})
	if !ok {
		return
	}
	to, ok := parseTimeParam(w, q.Get("to"), time.Time{})
	if !ok {
		return
	}

	pack, filename, err := audit.NewExporter(s.chain).GeneratePack(r.Context(), audit.ExportRequest{
		CycleID:  cycleID,
		ReportID: reportID,
		From:     from,
		To:       to,
	})
	switch {
	case errors.Is(err, audit.ErrInvalidResource), errors.Is(err, audit.ErrInvalidWindow):
		WriteBadRequest(w, err.Error())
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
