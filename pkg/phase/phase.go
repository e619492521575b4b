// Package phase defines the eight fixed workflow phases of a regulatory test
// cycle, the closed status set phase records move through, and the
// prerequisite graph that gates advancement between phases.
package phase

import (
	"fmt"
	"strings"
)

// Name identifies one of the eight fixed workflow phases. The string value is
// the canonical display form used in persistence and API payloads.
type Name string

const (
	Planning                Name = "Planning"
	Scoping                 Name = "Scoping"
	SampleSelection         Name = "Sample Selection"
	DataOwnerIdentification Name = "Data Owner Identification"
	RequestForInformation   Name = "Request for Information"
	TestExecution           Name = "Test Execution"
	ObservationManagement   Name = "Observation Management"
	TestingReport           Name = "Testing Report"
)

// names is the canonical workflow ordering. The two parallel phases are
// adjacent; their relative order here affects listing only, never gating.
var names = []Name{
	Planning,
	Scoping,
	SampleSelection,
	DataOwnerIdentification,
	RequestForInformation,
	TestExecution,
	ObservationManagement,
	TestingReport,
}

// Names returns all phases in canonical workflow order.
func Names() []Name {
	out := make([]Name, len(names))
	copy(out, names)
	return out
}

// Order returns the position of n in the canonical ordering, or -1 for an
// unknown phase.
func (n Name) Order() int {
	for i, p := range names {
		if p == n {
			return i
		}
	}
	return -1
}

// Valid reports whether n is one of the eight known phases.
func (n Name) Valid() bool { return n.Order() >= 0 }

func (n Name) String() string { return string(n) }

// Parse resolves s to a known phase. Matching is case-insensitive and
// tolerates snake_case and surplus whitespace ("sample_selection",
// "Testing  Report").
func Parse(s string) (Name, error) {
	key := normalize(s)
	for _, p := range names {
		if normalize(string(p)) == key {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// Status is the closed set of states a phase record moves through.
type Status string

const (
	StatusNotStarted Status = "Not Started"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
	StatusRejected   Status = "Rejected"
)

// statusAliases maps normalized legacy literals ("completed", "Complete",
// "IN_PROGRESS") to canonical statuses.
var statusAliases = map[string]Status{
	"not started": StatusNotStarted,
	"in progress": StatusInProgress,
	"completed":   StatusCompleted,
	"complete":    StatusCompleted,
	"rejected":    StatusRejected,
}

// Statuses returns the closed status set.
func Statuses() []Status {
	return []Status{StatusNotStarted, StatusInProgress, StatusCompleted, StatusRejected}
}

// Valid reports whether s is one of the four canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted, StatusRejected:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// ParseStatus resolves s to a canonical status, accepting the legacy mixed
// literals.
func ParseStatus(s string) (Status, error) {
	if st, ok := statusAliases[normalize(s)]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown phase status %q", s)
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", " ")
	return strings.Join(strings.Fields(s), " ")
}
