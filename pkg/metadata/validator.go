package metadata

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/oversight-labs/phasegate/pkg/errdefs"
	"github.com/oversight-labs/phasegate/pkg/phase"
)

// escalationProps is shared by every phase schema; the SLA tracker may write
// these keys on any record.
const escalationProps = `
		"escalations": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"level": {"type": "integer", "minimum": 1},
					"triggered_at": {"type": "string"},
					"breach_hours": {"type": "number", "minimum": 0}
				},
				"required": ["level", "triggered_at"]
			}
		},
		"current_escalation_level": {"type": "integer", "minimum": 0}`

// phaseSchemas types the known metadata keys per phase. Additional properties
// stay allowed; the map is the extensibility mechanism and only the known
// keys are constrained.
var phaseSchemas = map[phase.Name]string{
	phase.Planning: `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"attributes_defined": {"type": "integer", "minimum": 0},` + escalationProps + `
	}
}`,
	phase.Scoping: `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"attributes_scoped": {"type": "integer", "minimum": 0},
		"submissions_pending_review": {"type": "integer", "minimum": 0},` + escalationProps + `
	}
}`,
	phase.SampleSelection: `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"required_attributes": {"type": "integer", "minimum": 0},
		"attributes_with_samples": {"type": "integer", "minimum": 0},
		"draft_sample_sets": {"type": "integer", "minimum": 0},
		"pending_approval_sample_sets": {"type": "integer", "minimum": 0},` + escalationProps + `
	}
}`,
	phase.DataOwnerIdentification: `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"total_data_owners": {"type": "integer", "minimum": 0},
		"unassigned_data_owners": {"type": "integer", "minimum": 0},` + escalationProps + `
	}
}`,
	phase.RequestForInformation: `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"rfi_requests": {"type": "integer", "minimum": 0},
		"open_requests": {"type": "integer", "minimum": 0},` + escalationProps + `
	}
}`,
	phase.TestExecution: `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"total_tests": {"type": "integer", "minimum": 0},
		"tests_completed": {"type": "integer", "minimum": 0},
		"tests_passed": {"type": "integer", "minimum": 0},
		"tests_failed": {"type": "integer", "minimum": 0},` + escalationProps + `
	}
}`,
	phase.ObservationManagement: `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"observations": {"type": "integer", "minimum": 0},
		"unreviewed_observations": {"type": "integer", "minimum": 0},
		"unresolved_critical_observations": {"type": "integer", "minimum": 0},` + escalationProps + `
	}
}`,
	phase.TestingReport: `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"report_generated": {"type": "boolean"},
		"report_approved": {"type": "boolean"},` + escalationProps + `
	}
}`,
}

// Validator checks metadata documents against the per-phase schemas. Compile
// once with NewValidator and share the instance.
type Validator struct {
	schemas map[phase.Name]*jsonschema.Schema
}

// NewValidator compiles every phase schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[phase.Name]*jsonschema.Schema, len(phaseSchemas))}
	for p, doc := range phaseSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://phasegate.schemas.local/metadata/%s.schema.json", slug(p))
		if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("metadata schema load failed for %q: %w", p, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("metadata schema compile failed for %q: %w", p, err)
		}
		v.schemas[p] = compiled
	}
	return v, nil
}

func slug(p phase.Name) string {
	return strings.ReplaceAll(strings.ToLower(string(p)), " ", "_")
}

// Validate checks m against the schema for p. A nil map is valid; every key
// is optional, only types are constrained.
func (v *Validator) Validate(p phase.Name, m map[string]any) error {
	schema, ok := v.schemas[p]
	if !ok {
		return fmt.Errorf("no metadata schema for phase %q", p)
	}
	if m == nil {
		return nil
	}
	doc, err := normalizeJSON(m)
	if err != nil {
		return &errdefs.ValidationError{Phase: string(p), Requirements: []string{err.Error()}}
	}
	if err := schema.Validate(doc); err != nil {
		return &errdefs.ValidationError{Phase: string(p), Requirements: []string{err.Error()}}
	}
	return nil
}

// normalizeJSON round-trips m so the validator sees uniform JSON types
// regardless of how callers built the map.
func normalizeJSON(m map[string]any) (any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("metadata is not JSON-encodable: %v", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
