// Package metadata provides typed views over the open per-phase metadata map
// and JSON Schema validation of its known keys. The map itself remains the
// persistence shape; views give completion predicates and the SLA tracker a
// typed read path instead of ad-hoc key lookups.
package metadata

import (
	"encoding/json"
	"fmt"
	"time"
)

// Planning tracks report attribute definition progress.
type Planning struct {
	AttributesDefined int `json:"attributes_defined"`
}

// Scoping tracks attribute scoping and review progress.
type Scoping struct {
	AttributesScoped         int `json:"attributes_scoped"`
	SubmissionsPendingReview int `json:"submissions_pending_review"`
}

// SampleSelection tracks sample set coverage and approval progress.
type SampleSelection struct {
	// RequiredAttributes counts scoped non-primary-key attributes, each of
	// which needs at least one sample set.
	RequiredAttributes        int `json:"required_attributes"`
	AttributesWithSamples     int `json:"attributes_with_samples"`
	DraftSampleSets           int `json:"draft_sample_sets"`
	PendingApprovalSampleSets int `json:"pending_approval_sample_sets"`
}

// DataOwners tracks data owner assignment progress.
type DataOwners struct {
	TotalOwners      int `json:"total_data_owners"`
	UnassignedOwners int `json:"unassigned_data_owners"`
}

// RFI tracks information request progress.
type RFI struct {
	TotalRequests int `json:"rfi_requests"`
	OpenRequests  int `json:"open_requests"`
}

// TestExecution tracks test completion counters.
type TestExecution struct {
	TotalTests     int `json:"total_tests"`
	TestsCompleted int `json:"tests_completed"`
	TestsPassed    int `json:"tests_passed"`
	TestsFailed    int `json:"tests_failed"`
}

// Observations tracks observation review and resolution progress.
type Observations struct {
	TotalObservations      int `json:"observations"`
	UnreviewedObservations int `json:"unreviewed_observations"`
	// UnresolvedCritical counts Critical or High severity observations with
	// no resolution plan.
	UnresolvedCritical int `json:"unresolved_critical_observations"`
}

// TestingReport tracks report generation and approval.
type TestingReport struct {
	ReportGenerated bool `json:"report_generated"`
	ReportApproved  bool `json:"report_approved"`
}

// PlanningFrom decodes the Planning view from a metadata map.
func PlanningFrom(m map[string]any) (Planning, error) {
	var v Planning
	err := decode(m, &v)
	return v, err
}

// ScopingFrom decodes the Scoping view from a metadata map.
func ScopingFrom(m map[string]any) (Scoping, error) {
	var v Scoping
	err := decode(m, &v)
	return v, err
}

// SampleSelectionFrom decodes the SampleSelection view from a metadata map.
func SampleSelectionFrom(m map[string]any) (SampleSelection, error) {
	var v SampleSelection
	err := decode(m, &v)
	return v, err
}

// DataOwnersFrom decodes the DataOwners view from a metadata map.
func DataOwnersFrom(m map[string]any) (DataOwners, error) {
	var v DataOwners
	err := decode(m, &v)
	return v, err
}

// RFIFrom decodes the RFI view from a metadata map.
func RFIFrom(m map[string]any) (RFI, error) {
	var v RFI
	err := decode(m, &v)
	return v, err
}

// TestExecutionFrom decodes the TestExecution view from a metadata map.
func TestExecutionFrom(m map[string]any) (TestExecution, error) {
	var v TestExecution
	err := decode(m, &v)
	return v, err
}

// ObservationsFrom decodes the Observations view from a metadata map.
func ObservationsFrom(m map[string]any) (Observations, error) {
	var v Observations
	err := decode(m, &v)
	return v, err
}

// TestingReportFrom decodes the TestingReport view from a metadata map.
func TestingReportFrom(m map[string]any) (TestingReport, error) {
	var v TestingReport
	err := decode(m, &v)
	return v, err
}

// Escalation is one entry in a record's metadata.escalations list. The list
// grows monotonically; the engine never prunes it.
type Escalation struct {
	ID          string    `json:"id"`
	Level       int       `json:"level"`
	TriggeredAt time.Time `json:"triggered_at"`
	BreachHours float64   `json:"breach_hours"`
}

// EscalationsKey and LevelKey are the reserved metadata keys the SLA tracker
// writes.
const (
	EscalationsKey = "escalations"
	LevelKey       = "current_escalation_level"
)

// AsMap encodes e into the JSON-native shape stored in the metadata map.
func (e Escalation) AsMap() map[string]any {
	return map[string]any{
		"id":           e.ID,
		"level":        e.Level,
		"triggered_at": e.TriggeredAt.UTC().Format(time.RFC3339),
		"breach_hours": e.BreachHours,
	}
}

// EscalationsFrom decodes the escalations list from a metadata map.
func EscalationsFrom(m map[string]any) ([]Escalation, error) {
	raw, ok := m[EscalationsKey]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("metadata escalations: %w", err)
	}
	var out []Escalation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("metadata escalations: %w", err)
	}
	return out, nil
}

// CurrentEscalationLevel reads the mirrored level, 0 when absent.
func CurrentEscalationLevel(m map[string]any) int {
	raw, ok := m[LevelKey]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

// decode fills out from the map via a JSON round trip, coercing numeric
// representations uniformly. Unknown keys are ignored; the map stays open.
func decode(m map[string]any, out any) error {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return nil
}
