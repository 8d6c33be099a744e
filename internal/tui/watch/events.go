package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	json "github.com/goccy/go-json"
	"github.com/typesetd/typesetd/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeFinished:
		typeStyle = theme.StatusOK
	case events.TypeCancelled, events.TypeWorkerRestart:
		typeStyle = theme.StatusFailed
	case events.TypeStarted, events.TypeProgress:
		typeStyle = theme.StatusRunning
	case events.TypeQueued:
		typeStyle = theme.StatusQueued
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-18s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func extractEventDesc(e events.Event) string {
	if e.Type == events.TypeWorkerRestart {
		var w events.WorkerEvent
		if err := json.Unmarshal(e.Data, &w); err == nil {
			return fmt.Sprintf("slot %d (%s)", w.Slot, w.Cause)
		}
	}

	var r events.RenderEvent
	if err := json.Unmarshal(e.Data, &r); err != nil {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	var parts []string
	if r.RequestID != "" {
		id := r.RequestID
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", id))
	}
	if r.Outcome != "" {
		parts = append(parts, r.Outcome)
	}
	if r.Message != "" {
		parts = append(parts, r.Message)
	}
	if e.Type == events.TypeQueued {
		parts = append(parts, fmt.Sprintf("depth=%d", r.Depth))
	}
	if r.Discarded {
		parts = append(parts, "discarded")
	}

	return strings.Join(parts, " ")
}
