package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/oversight-labs/phasegate/pkg/phase"
	"github.com/oversight-labs/phasegate/pkg/sla"
	"github.com/oversight-labs/phasegate/pkg/store"
	"github.com/oversight-labs/phasegate/pkg/workflow"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))

	tableBorderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(tableBorderStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		}).
		Headers(headers...)
}

func phaseStatusStyle(s phase.Status) lipgloss.Style {
	switch s {
	case phase.StatusCompleted:
		return successStyle
	case phase.StatusInProgress:
		return warnStyle
	case phase.StatusRejected:
		return errorStyle
	default:
		return subtleStyle
	}
}

func slaStatusStyle(s sla.Status) lipgloss.Style {
	switch s {
	case sla.StatusBreached:
		return errorStyle
	case sla.StatusAtRisk:
		return warnStyle
	case sla.StatusOnTrack, sla.StatusCompleted:
		return successStyle
	default:
		return subtleStyle
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func recordActor(rec *store.PhaseRecord) string {
	switch {
	case rec.OverrideBy != "":
		return rec.OverrideBy + " (override)"
	case rec.CompletedBy != "":
		return rec.CompletedBy
	case rec.StartedBy != "":
		return rec.StartedBy
	default:
		return "-"
	}
}

func joinPhases(names []phase.Name) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}

func renderState(state *workflow.State) string {
	byPhase := make(map[phase.Name]*store.PhaseRecord, len(state.Records))
	for _, rec := range state.Records {
		byPhase[rec.Phase] = rec
	}

	t := newTable("PHASE", "STATUS", "STARTED", "COMPLETED", "ACTOR")
	for _, name := range phase.Names() {
		rec, ok := byPhase[name]
		if !ok {
			t.Row(string(name), subtleStyle.Render(string(phase.StatusNotStarted)), "-", "-", "-")
			continue
		}
		t.Row(
			string(name),
			phaseStatusStyle(rec.Status).Render(string(rec.Status)),
			formatTime(rec.StartedAt),
			formatTime(rec.CompletedAt),
			recordActor(rec),
		)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  cycle %d, report %d\n", titleStyle.Render("Workflow"), state.CycleID, state.ReportID)
	fmt.Fprintf(&b, "current phase:  %s\n", titleStyle.Render(string(state.CurrentPhase)))
	if state.CanAdvance {
		fmt.Fprintf(&b, "next available: %s\n", successStyle.Render(joinPhases(state.NextAvailablePhases)))
	} else {
		fmt.Fprintf(&b, "next available: %s\n", subtleStyle.Render("none"))
	}
	if state.SLA != nil {
		fmt.Fprintf(&b, "sla:            %s\n", slaStatusStyle(state.SLA.Status).Render(string(state.SLA.Status)))
	}
	b.WriteString(t.Render())
	b.WriteString("\n")
	return b.String()
}

func renderCompliance(results []*sla.Compliance) string {
	t := newTable("PHASE", "SLA", "STATUS", "ELAPSED", "REMAINING")
	for _, res := range results {
		slaCol := "-"
		if res.SLAHours > 0 {
			slaCol = fmt.Sprintf("%dh", res.SLAHours)
		}
		elapsed := "-"
		if res.Status != sla.StatusNoSLA && res.Status != sla.StatusNotStarted {
			elapsed = fmt.Sprintf("%.1fh", res.ElapsedHours)
		}
		remaining := "-"
		switch res.Status {
		case sla.StatusOnTrack, sla.StatusAtRisk:
			remaining = fmt.Sprintf("%.1fh", res.RemainingHours)
		case sla.StatusBreached:
			remaining = errorStyle.Render(fmt.Sprintf("over by %.1fh", res.BreachHours))
		}
		t.Row(
			string(res.Phase),
			slaCol,
			slaStatusStyle(res.Status).Render(string(res.Status)),
			elapsed,
			remaining,
		)
	}
	return t.Render() + "\n"
}

func renderMetrics(m *sla.Metrics) string {
	t := newTable("PHASE", "TOTAL", "COMPLIANT", "BREACHED", "RATE")
	for _, pm := range m.Phases {
		breached := fmt.Sprintf("%d", pm.Breached)
		if pm.Breached > 0 {
			breached = errorStyle.Render(breached)
		}
		t.Row(
			string(pm.Phase),
			fmt.Sprintf("%d", pm.Total),
			fmt.Sprintf("%d", pm.Compliant),
			breached,
			fmt.Sprintf("%.0f%%", pm.ComplianceRate*100),
		)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s to %s\n", titleStyle.Render("SLA metrics"),
		m.From.Format("2006-01-02"), m.To.Format("2006-01-02"))
	fmt.Fprintf(&b, "records: %d", m.TotalRecords)
	if m.AverageCompletionHours > 0 {
		fmt.Fprintf(&b, "   average completion: %.1fh", m.AverageCompletionHours)
	}
	b.WriteString("\n")
	b.WriteString(t.Render())
	b.WriteString("\n")
	return b.String()
}
