package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"plumcp/internal/orchestrator"
	"plumcp/pkg/plugin"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).PaddingRight(2)
	cellStyle  = lipgloss.NewStyle().PaddingRight(2)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func list(items []string) string {
	if len(items) == 0 {
		return mutedStyle.Render("-")
	}
	return strings.Join(items, ", ")
}

// table 渲染按列对齐的表格。
func table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	render := func(style lipgloss.Style, cells []string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = style.Width(widths[i] + 2).Render(cell)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
	}
	lines := []string{render(headStyle, headers)}
	for _, row := range rows {
		lines = append(lines, render(cellStyle, row))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderResult(res *orchestrator.Result) string {
	lines := []string{
		titleStyle.Render("编排完成"),
		field("id", mutedStyle.Render(res.ID)),
		field("context", okStyle.Render(res.SelectedContext)),
		field("priority", fmt.Sprintf("%.2f", res.Plan.Priority)),
		field("order", list(res.Plan.Order)),
		field("active", list(res.ActivatedPlugins)),
		field("new", list(res.NewlyActivated)),
	}
	if len(res.DeactivatedPlugins) > 0 {
		lines = append(lines, field("retired", list(res.DeactivatedPlugins)))
	}
	for _, w := range res.Warnings {
		lines = append(lines, field("warning", warnStyle.Render(w)))
	}
	lines = append(lines, field("duration", res.Duration.String()))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderContexts(contexts []orchestrator.Context) string {
	rows := make([][]string, 0, len(contexts))
	for _, c := range contexts {
		rows = append(rows, []string{c.Name, list(c.TriggerConcepts), list(c.RequiredPlugins), list(c.OptionalPlugins), fmt.Sprintf("%.1f", c.UrgencyWeight)})
	}
	return table([]string{"NAME", "TRIGGERS", "REQUIRED", "OPTIONAL", "WEIGHT"}, rows)
}

func renderPlugins(snapshots []plugin.StateSnapshot) string {
	rows := make([][]string, 0, len(snapshots))
	for _, s := range snapshots {
		state := s.State.String()
		switch s.State {
		case plugin.StateActive:
			state = okStyle.Render(state)
		case plugin.StateFailed:
			state = errorStyle.Render(state)
		}
		rows = append(rows, []string{s.Info.ID, s.Info.Version, state, list(s.Info.Required()), s.LastError})
	}
	return table([]string{"ID", "VERSION", "STATE", "REQUIRES", "LAST ERROR"}, rows)
}

func renderMetrics(m orchestrator.Metrics) string {
	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("运行指标"),
		field("contexts", fmt.Sprint(m.TotalContexts)),
		field("active", fmt.Sprint(m.ActivePlugins)),
		field("requests", fmt.Sprint(m.Orchestrations)),
		field("succeeded", fmt.Sprint(m.Succeeded)),
		field("failed", fmt.Sprint(m.Failed)),
		field("rate", fmt.Sprintf("%.1f%%", m.SuccessRate*100)),
	)
}
