// Package sla computes deadline compliance for phase records against
// per-phase hour budgets, aggregates compliance metrics, and records
// escalations into phase metadata. Breach is a computed status, never an
// enforced timeout: nothing here cancels or fails a phase.
package sla

import (
	"sync"
	"time"

	"github.com/oversight-labs/phasegate/pkg/phase"
)

// Policy is the SLA budget for one phase. All hour computations are
// wall-clock UTC; there is no business-hour or weekend exclusion.
type Policy struct {
	Hours int `yaml:"hours" json:"hours"`
}

// Duration returns the budget as a duration.
func (p Policy) Duration() time.Duration {
	return time.Duration(p.Hours) * time.Hour
}

// Source resolves the policy for a phase. The boolean is false when no SLA
// is configured for the phase, which callers treat as compliant.
type Source interface {
	PolicyFor(name phase.Name) (Policy, bool)
}

// StaticSource serves a fixed policy map. Set may be called concurrently
// with lookups.
type StaticSource struct {
	mu       sync.RWMutex
	policies map[phase.Name]Policy
}

// NewStaticSource copies policies into a new source.
func NewStaticSource(policies map[phase.Name]Policy) *StaticSource {
	s := &StaticSource{policies: make(map[phase.Name]Policy, len(policies))}
	for name, p := range policies {
		s.policies[name] = p
	}
	return s
}

// Set adds or replaces the policy for name.
func (s *StaticSource) Set(name phase.Name, p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[name] = p
}

// PolicyFor implements Source.
func (s *StaticSource) PolicyFor(name phase.Name) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[name]
	return p, ok
}
