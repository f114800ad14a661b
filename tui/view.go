package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aletop130/ZeroHR/internal/domain"
)

var timeNow = time.Now

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	completedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("82"))

	selectedStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("237"))

	statusBarStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))
)

// View renders the model
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("ZeroHR"))
	b.WriteString(" ")
	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	if m.activeTab == 0 {
		b.WriteString(sectionStyle.Render(m.renderUnits()))
	} else {
		b.WriteString(sectionStyle.Render(m.renderEvents()))
	}
	b.WriteString("\n")

	if m.run != nil && m.run.Status.Finished() {
		b.WriteString(m.renderResult())
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderHeader() string {
	if m.run == nil {
		return headerStyle.Render(fmt.Sprintf("run %s %s loading", shortID(m.runID), m.spinner.View()))
	}

	counts := domain.StatusCounts(m.run.Units)
	done := counts[domain.StatusAccepted] + counts[domain.StatusFailed]
	total := len(m.run.Units)

	status := string(m.run.Status)
	if !m.run.Status.Finished() {
		status = m.spinner.View() + " " + status
	}

	var pct float64
	if total > 0 {
		pct = float64(done) / float64(total)
	}
	header := headerStyle.Render(fmt.Sprintf("run %s  gen %d  %s", shortID(m.run.ID), m.run.Generation, status)) +
		"  " + m.bar.ViewAs(pct) + fmt.Sprintf(" %d/%d", done, total)
	if m.slots != nil {
		header += fmt.Sprintf("  slots %d/%d", m.slots.Max-m.slots.Available, m.slots.Max)
	}
	return header
}

func (m Model) renderTabs() string {
	names := []string{"Sections", "Events"}
	parts := make([]string, len(names))
	for i, name := range names {
		if i == m.activeTab {
			parts[i] = tabActiveStyle.Render(name)
		} else {
			parts[i] = tabInactiveStyle.Render(name)
		}
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderUnits() string {
	if m.run == nil || len(m.run.Units) == 0 {
		return queuedStyle.Render("no sections yet")
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-4s %-18s %6s %7s  %s\n", "#", "STATUS", "SCORE", "RETRIES", "UPDATED"))
	for i, u := range m.run.Units {
		score := "-"
		if u.Score != nil {
			score = fmt.Sprintf("%.1f", *u.Score)
		}
		updated := "-"
		if !u.UpdatedAt.IsZero() {
			updated = humanize.RelTime(u.UpdatedAt, timeNow(), "ago", "from now")
		}
		row := fmt.Sprintf("%-4d %-18s %6s %7d  %s", u.Index, statusStyle(u.Status).Render(fmt.Sprintf("%-18s", u.Status)), score, u.RetryCount, updated)
		if i == m.selectedRow {
			row = selectedStyle.Render(row)
		}
		b.WriteString(row)
		if i < len(m.run.Units)-1 {
			b.WriteString("\n")
		}
	}

	if m.selectedRow < len(m.run.Units) {
		if fb := m.run.Units[m.selectedRow].Feedback; fb != "" {
			b.WriteString("\n\n")
			b.WriteString(queuedStyle.Render(truncate(fb, max(40, m.width-8))))
		}
	}
	return b.String()
}

func (m Model) renderEvents() string {
	if len(m.lines) == 0 {
		return queuedStyle.Render("waiting for events")
	}
	visible := 12
	if m.height > 20 {
		visible = m.height - 12
	}
	end := len(m.lines) - m.logScroll
	start := max(0, end-visible)
	return strings.Join(m.lines[start:end], "\n")
}

func (m Model) renderResult() string {
	if m.run.Status == domain.RunFailed {
		return errorStyle.Render("run failed: " + m.run.Error)
	}
	line := "completed in " + strings.TrimSpace(humanize.RelTime(m.run.CreatedAt, finishedAt(m.run), "", ""))
	if m.run.WeightedScore != nil {
		line = fmt.Sprintf("weighted score %.2f, %d attempts, %s", *m.run.WeightedScore, m.run.Attempts, line)
	}
	return completedStyle.Render(line)
}

func (m Model) renderStatusBar() string {
	refreshed := "never"
	if !m.lastRefresh.IsZero() {
		refreshed = humanize.Time(m.lastRefresh)
	}
	return statusBarStyle.Render(fmt.Sprintf("q quit  r refresh  tab switch  j/k move  refreshed %s", refreshed))
}

func statusStyle(s domain.UnitStatus) lipgloss.Style {
	switch s {
	case domain.StatusAccepted:
		return completedStyle
	case domain.StatusFailed:
		return errorStyle
	case domain.StatusRetrying:
		return warningStyle
	case domain.StatusPending:
		return queuedStyle
	default:
		return runningStyle
	}
}

func finishedAt(r *domain.Run) time.Time {
	if r.FinishedAt != nil {
		return *r.FinishedAt
	}
	return timeNow()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
