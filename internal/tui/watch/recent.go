package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func renderRecent(recent []recentRender, theme Theme, width int) string {
	innerWidth := width - 4

	if len(recent) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("RECENT RENDERS"),
			theme.Dim.Render("  Nothing journaled yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, r := range recent {
		if i >= 8 {
			break
		}
		lines = append(lines, renderRecentRow(r, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("RECENT RENDERS")}, lines...)...,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func renderRecentRow(r recentRender, theme Theme) string {
	short := r.ID
	if len(short) > 8 {
		short = short[:8]
	}

	var detail string
	switch r.Outcome {
	case "rendered":
		detail = fmt.Sprintf("%d pages", r.PageCount)
	case "diagnosed":
		detail = fmt.Sprintf("%d errors", r.Diagnostics)
	default:
		detail = r.Error
	}
	if r.Discarded {
		detail += theme.Dim.Render(" (discarded)")
	}

	ago := "-"
	if !r.CompletedAt.IsZero() {
		ago = formatAgo(time.Since(r.CompletedAt).Round(time.Second))
	}

	return fmt.Sprintf(" %s %s %s %s  %s",
		theme.Highlight.Render(short),
		outcomeStyle(r.Outcome, theme).Render(fmt.Sprintf("%-15s", r.Outcome)),
		theme.Dim.Render(fmt.Sprintf("%6dms", r.DurationNS/int64(time.Millisecond))),
		theme.Dim.Render(fmt.Sprintf("%-10s", ago)),
		detail,
	)
}

func outcomeStyle(outcome string, theme Theme) lipgloss.Style {
	switch outcome {
	case "rendered":
		return theme.StatusOK
	case "diagnosed":
		return theme.StatusRunning
	case "timed_out", "worker_crashed", "internal":
		return theme.StatusFailed
	default:
		return theme.Dim
	}
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
