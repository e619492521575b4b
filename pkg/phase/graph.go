package phase

import "fmt"

// prerequisites is the single dependency table for the workflow. Request for
// Information requires BOTH parallel phases Completed; there is no either-or
// start.
var prerequisites = map[Name][]Name{
	Planning:                nil,
	Scoping:                 {Planning},
	SampleSelection:         {Scoping},
	DataOwnerIdentification: {Scoping},
	RequestForInformation:   {SampleSelection, DataOwnerIdentification},
	TestExecution:           {RequestForInformation},
	ObservationManagement:   {TestExecution},
	TestingReport:           {ObservationManagement},
}

// Graph answers prerequisite and dependent queries over a phase dependency
// table. It is immutable after construction; construct with NewGraph or use
// DefaultGraph.
type Graph struct {
	prereqs map[Name][]Name
}

// NewGraph builds a graph from an explicit dependency table. Callers should
// run Validate before relying on it.
func NewGraph(prereqs map[Name][]Name) *Graph {
	g := &Graph{prereqs: make(map[Name][]Name, len(prereqs))}
	for p, deps := range prereqs {
		g.prereqs[p] = append([]Name(nil), deps...)
	}
	return g
}

// DefaultGraph returns the fixed workflow dependency graph.
func DefaultGraph() *Graph {
	return NewGraph(prerequisites)
}

// Prerequisites returns the phases that must be Completed before n may start.
func (g *Graph) Prerequisites(n Name) []Name {
	return append([]Name(nil), g.prereqs[n]...)
}

// Dependents returns the phases that list n as a prerequisite, in canonical
// order.
func (g *Graph) Dependents(n Name) []Name {
	var out []Name
	for _, p := range names {
		for _, dep := range g.prereqs[p] {
			if dep == n {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Validate checks the table at startup: every known phase has an entry, every
// referenced prerequisite is a known phase, and the graph is acyclic.
func (g *Graph) Validate() error {
	for _, p := range names {
		if _, ok := g.prereqs[p]; !ok {
			return fmt.Errorf("phase %q missing from dependency table", p)
		}
	}
	for p, deps := range g.prereqs {
		if !p.Valid() {
			return fmt.Errorf("dependency table contains unknown phase %q", p)
		}
		for _, dep := range deps {
			if !dep.Valid() {
				return fmt.Errorf("phase %q lists unknown prerequisite %q", p, dep)
			}
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[Name]int, len(g.prereqs))
	var visit func(Name) error
	visit = func(n Name) error {
		switch color[n] {
		case grey:
			return fmt.Errorf("dependency cycle through phase %q", n)
		case black:
			return nil
		}
		color[n] = grey
		for _, dep := range g.prereqs[n] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[n] = black
		return nil
	}
	for _, p := range names {
		if err := visit(p); err != nil {
			return err
		}
	}
	return nil
}
