package lifecycle

import (
	"fmt"

	"github.com/oversight-labs/phasegate/pkg/errdefs"
	"github.com/oversight-labs/phasegate/pkg/metadata"
	"github.com/oversight-labs/phasegate/pkg/phase"
)

// completionCheck inspects a phase's metadata and returns the human-readable
// requirements still unmet. An empty result means the phase may complete.
type completionCheck func(md map[string]any) ([]string, error)

// completionChecks is the per-phase predicate table. The requirement strings
// surface verbatim to callers, so they are written for humans, not parsers.
var completionChecks = map[phase.Name]completionCheck{
	phase.Planning: func(md map[string]any) ([]string, error) {
		v, err := metadata.PlanningFrom(md)
		if err != nil {
			return nil, malformed(phase.Planning, err)
		}
		var unmet []string
		if v.AttributesDefined < 1 {
			unmet = append(unmet, "no report attributes have been defined yet")
		}
		return unmet, nil
	},
	phase.Scoping: func(md map[string]any) ([]string, error) {
		v, err := metadata.ScopingFrom(md)
		if err != nil {
			return nil, malformed(phase.Scoping, err)
		}
		var unmet []string
		if v.AttributesScoped < 1 {
			unmet = append(unmet, "no attributes have been scoped yet")
		}
		if v.SubmissionsPendingReview > 0 {
			unmet = append(unmet, fmt.Sprintf("%d scoping submissions are pending review", v.SubmissionsPendingReview))
		}
		return unmet, nil
	},
	phase.SampleSelection: func(md map[string]any) ([]string, error) {
		v, err := metadata.SampleSelectionFrom(md)
		if err != nil {
			return nil, malformed(phase.SampleSelection, err)
		}
		var unmet []string
		if missing := v.RequiredAttributes - v.AttributesWithSamples; missing > 0 {
			unmet = append(unmet, fmt.Sprintf("%d of %d attributes are missing sample sets", missing, v.RequiredAttributes))
		}
		if pending := v.DraftSampleSets + v.PendingApprovalSampleSets; pending > 0 {
			unmet = append(unmet, fmt.Sprintf("%d sample sets are in draft or awaiting approval", pending))
		}
		return unmet, nil
	},
	phase.DataOwnerIdentification: func(md map[string]any) ([]string, error) {
		v, err := metadata.DataOwnersFrom(md)
		if err != nil {
			return nil, malformed(phase.DataOwnerIdentification, err)
		}
		var unmet []string
		if v.UnassignedOwners > 0 {
			unmet = append(unmet, fmt.Sprintf("%d data owners have not been assigned yet", v.UnassignedOwners))
		}
		return unmet, nil
	},
	phase.RequestForInformation: func(md map[string]any) ([]string, error) {
		v, err := metadata.RFIFrom(md)
		if err != nil {
			return nil, malformed(phase.RequestForInformation, err)
		}
		var unmet []string
		if v.OpenRequests > 0 {
			unmet = append(unmet, fmt.Sprintf("%d information requests are still open", v.OpenRequests))
		}
		return unmet, nil
	},
	phase.TestExecution: func(md map[string]any) ([]string, error) {
		v, err := metadata.TestExecutionFrom(md)
		if err != nil {
			return nil, malformed(phase.TestExecution, err)
		}
		var unmet []string
		if remaining := v.TotalTests - v.TestsCompleted; remaining > 0 {
			unmet = append(unmet, fmt.Sprintf("%d of %d test executions are incomplete", remaining, v.TotalTests))
		}
		return unmet, nil
	},
	phase.ObservationManagement: func(md map[string]any) ([]string, error) {
		v, err := metadata.ObservationsFrom(md)
		if err != nil {
			return nil, malformed(phase.ObservationManagement, err)
		}
		var unmet []string
		if v.UnreviewedObservations > 0 {
			unmet = append(unmet, fmt.Sprintf("%d observations are awaiting review", v.UnreviewedObservations))
		}
		if v.UnresolvedCritical > 0 {
			unmet = append(unmet, fmt.Sprintf("%d critical or high severity observations have no resolution plan", v.UnresolvedCritical))
		}
		return unmet, nil
	},
	phase.TestingReport: func(md map[string]any) ([]string, error) {
		v, err := metadata.TestingReportFrom(md)
		if err != nil {
			return nil, malformed(phase.TestingReport, err)
		}
		var unmet []string
		if !v.ReportGenerated {
			unmet = append(unmet, "the testing report has not been generated")
		}
		if !v.ReportApproved {
			unmet = append(unmet, "the testing report has not been approved")
		}
		return unmet, nil
	},
}

// completionRequirements runs the predicate for name.
func completionRequirements(name phase.Name, md map[string]any) ([]string, error) {
	check, ok := completionChecks[name]
	if !ok {
		return nil, fmt.Errorf("no completion predicate for phase %q: %w", name, errdefs.ErrValidationFailure)
	}
	return check(md)
}

func malformed(name phase.Name, err error) error {
	return &errdefs.ValidationError{
		Phase:        name.String(),
		Requirements: []string{fmt.Sprintf("phase metadata is malformed: %v", err)},
	}
}
