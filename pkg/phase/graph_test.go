package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGraphValidate(t *testing.T) {
	require.NoError(t, DefaultGraph().Validate())
}

func TestGraphPrerequisites(t *testing.T) {
	g := DefaultGraph()

	assert.Empty(t, g.Prerequisites(Planning))
	assert.Equal(t, []Name{Planning}, g.Prerequisites(Scoping))
	assert.Equal(t, []Name{SampleSelection, DataOwnerIdentification}, g.Prerequisites(RequestForInformation))
	assert.Equal(t, []Name{ObservationManagement}, g.Prerequisites(TestingReport))
}

func TestGraphDependents(t *testing.T) {
	g := DefaultGraph()

	assert.Equal(t, []Name{Scoping}, g.Dependents(Planning))
	assert.Equal(t, []Name{SampleSelection, DataOwnerIdentification}, g.Dependents(Scoping))
	assert.Equal(t, []Name{RequestForInformation}, g.Dependents(SampleSelection))
	assert.Equal(t, []Name{RequestForInformation}, g.Dependents(DataOwnerIdentification))
	assert.Empty(t, g.Dependents(TestingReport))
}

func TestGraphValidateCycle(t *testing.T) {
	table := map[Name][]Name{}
	for p, deps := range prerequisites {
		table[p] = append([]Name(nil), deps...)
	}
	// Planning depending on Testing Report closes the loop.
	table[Planning] = []Name{TestingReport}

	err := NewGraph(table).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestGraphValidateMissingPhase(t *testing.T) {
	table := map[Name][]Name{}
	for p, deps := range prerequisites {
		table[p] = append([]Name(nil), deps...)
	}
	delete(table, TestExecution)

	err := NewGraph(table).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing from dependency table")
}

func TestGraphValidateUnknownPrerequisite(t *testing.T) {
	table := map[Name][]Name{}
	for p, deps := range prerequisites {
		table[p] = append([]Name(nil), deps...)
	}
	table[Scoping] = []Name{"Remediation"}

	err := NewGraph(table).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown prerequisite")
}

func TestGraphImmutableAfterConstruction(t *testing.T) {
	table := map[Name][]Name{}
	for p, deps := range prerequisites {
		table[p] = append([]Name(nil), deps...)
	}
	g := NewGraph(table)
	table[RequestForInformation] = []Name{SampleSelection}

	assert.Equal(t, []Name{SampleSelection, DataOwnerIdentification}, g.Prerequisites(RequestForInformation))

	// Mutating a returned slice must not leak back into the graph.
	deps := g.Prerequisites(RequestForInformation)
	deps[0] = Planning
	assert.Equal(t, []Name{SampleSelection, DataOwnerIdentification}, g.Prerequisites(RequestForInformation))
}
