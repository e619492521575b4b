package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Name
		wantErr bool
	}{
		{"Planning", Planning, false},
		{"planning", Planning, false},
		{"Sample Selection", SampleSelection, false},
		{"sample_selection", SampleSelection, false},
		{"SAMPLE_SELECTION", SampleSelection, false},
		{"data owner identification", DataOwnerIdentification, false},
		{"Request  for   Information", RequestForInformation, false},
		{"testing_report", TestingReport, false},
		{"Observation Management", ObservationManagement, false},
		{"", "", true},
		{"Remediation", "", true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "Parse(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "Parse(%q)", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"Not Started", StatusNotStarted, false},
		{"not_started", StatusNotStarted, false},
		{"In Progress", StatusInProgress, false},
		{"in_progress", StatusInProgress, false},
		{"IN PROGRESS", StatusInProgress, false},
		{"Completed", StatusCompleted, false},
		{"completed", StatusCompleted, false},
		{"Complete", StatusCompleted, false},
		{"COMPLETE", StatusCompleted, false},
		{"Rejected", StatusRejected, false},
		{"", "", true},
		{"done", "", true},
	}

	for _, tt := range tests {
		got, err := ParseStatus(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "ParseStatus(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "ParseStatus(%q)", tt.in)
		assert.Equal(t, tt.want, got, "ParseStatus(%q)", tt.in)
	}
}

func TestNamesOrdering(t *testing.T) {
	all := Names()
	require.Len(t, all, 8)
	assert.Equal(t, Planning, all[0])
	assert.Equal(t, TestingReport, all[7])

	for i, p := range all {
		assert.Equal(t, i, p.Order())
		assert.True(t, p.Valid())
	}

	assert.Equal(t, -1, Name("Remediation").Order())
	assert.False(t, Name("Remediation").Valid())

	// Names returns a copy; mutating it must not affect the ordering.
	all[0] = TestingReport
	assert.Equal(t, Planning, Names()[0])
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusNotStarted.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusRejected.Terminal())

	for _, s := range Statuses() {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("done").Valid())
}
