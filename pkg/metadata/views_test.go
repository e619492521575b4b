package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewsDecode(t *testing.T) {
	m := map[string]any{
		"required_attributes":          5,
		"attributes_with_samples":      float64(3),
		"draft_sample_sets":            1,
		"pending_approval_sample_sets": 0,
		"free_form_note":               "anything goes",
	}

	v, err := SampleSelectionFrom(m)
	require.NoError(t, err)
	assert.Equal(t, 5, v.RequiredAttributes)
	assert.Equal(t, 3, v.AttributesWithSamples)
	assert.Equal(t, 1, v.DraftSampleSets)
	assert.Equal(t, 0, v.PendingApprovalSampleSets)
}

func TestViewsDecodeNilAndEmpty(t *testing.T) {
	v, err := DataOwnersFrom(nil)
	require.NoError(t, err)
	assert.Zero(t, v.UnassignedOwners)

	v, err = DataOwnersFrom(map[string]any{})
	require.NoError(t, err)
	assert.Zero(t, v.TotalOwners)
}

func TestViewsDecodeMalformed(t *testing.T) {
	_, err := TestExecutionFrom(map[string]any{"total_tests": "twelve"})
	assert.Error(t, err)
}

func TestTestingReportFrom(t *testing.T) {
	v, err := TestingReportFrom(map[string]any{"report_generated": true, "report_approved": false})
	require.NoError(t, err)
	assert.True(t, v.ReportGenerated)
	assert.False(t, v.ReportApproved)
}

func TestEscalationsRoundTrip(t *testing.T) {
	at := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	e := Escalation{ID: "esc-1", Level: 2, TriggeredAt: at, BreachHours: 8}

	m := map[string]any{
		EscalationsKey: []any{e.AsMap()},
		LevelKey:       2,
	}

	got, err := EscalationsFrom(m)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "esc-1", got[0].ID)
	assert.Equal(t, 2, got[0].Level)
	assert.Equal(t, at, got[0].TriggeredAt)
	assert.Equal(t, float64(8), got[0].BreachHours)

	assert.Equal(t, 2, CurrentEscalationLevel(m))
}

func TestCurrentEscalationLevelCoercion(t *testing.T) {
	assert.Equal(t, 0, CurrentEscalationLevel(map[string]any{}))
	assert.Equal(t, 3, CurrentEscalationLevel(map[string]any{LevelKey: 3}))
	assert.Equal(t, 3, CurrentEscalationLevel(map[string]any{LevelKey: float64(3)}))
	assert.Equal(t, 3, CurrentEscalationLevel(map[string]any{LevelKey: int64(3)}))
	assert.Equal(t, 0, CurrentEscalationLevel(map[string]any{LevelKey: "three"}))
}

func TestEscalationsFromAbsent(t *testing.T) {
	got, err := EscalationsFrom(map[string]any{"other": 1})
	require.NoError(t, err)
	assert.Nil(t, got)
}
