package watch

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	json "github.com/goccy/go-json"
	"github.com/typesetd/typesetd/internal/events"
)

// ActiveRender tracks an in-flight request discovered from the event stream.
type ActiveRender struct {
	RequestID string
	StartTime time.Time
	Progress  string
}

// updateActiveRenders processes an event and updates in-flight tracking.
func updateActiveRenders(active map[string]*ActiveRender, e events.Event) {
	var data events.RenderEvent
	if err := json.Unmarshal(e.Data, &data); err != nil || data.RequestID == "" {
		return
	}

	switch e.Type {
	case events.TypeStarted:
		active[data.RequestID] = &ActiveRender{
			RequestID: data.RequestID,
			StartTime: time.Now(),
		}
	case events.TypeProgress:
		if r, ok := active[data.RequestID]; ok {
			r.Progress = data.Message
		}
	case events.TypeFinished, events.TypeCancelled:
		delete(active, data.RequestID)
	}
}

func renderSlots(slots []slotStatus, active map[string]*ActiveRender, theme Theme, width int) string {
	innerWidth := width - 4

	if len(slots) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("WORKERS"),
			theme.Dim.Render("  No worker slots reported yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for _, s := range slots {
		lines = append(lines, renderSlotRow(s, theme))
	}

	// In-flight requests underneath, in stable order.
	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := active[id]
		elapsed := time.Since(r.StartTime).Round(time.Millisecond).String()
		short := r.RequestID
		if len(short) > 8 {
			short = short[:8]
		}
		line := fmt.Sprintf("    └─ %s %s", theme.Highlight.Render(short), theme.Dim.Render(elapsed))
		if r.Progress != "" {
			line += "  " + r.Progress
		}
		lines = append(lines, line)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("WORKERS")}, lines...)...,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func renderSlotRow(s slotStatus, theme Theme) string {
	var stateStr string
	switch s.State {
	case "busy":
		stateStr = theme.StatusRunning.Render(fmt.Sprintf("%-16s", s.State))
	case "idle":
		stateStr = theme.StatusOK.Render(fmt.Sprintf("%-16s", s.State))
	case "crashed", "timed_out_killed":
		stateStr = theme.StatusFailed.Render(fmt.Sprintf("%-16s", s.State))
	default:
		stateStr = theme.Dim.Render(fmt.Sprintf("%-16s", s.State))
	}

	pidStr := "-"
	if s.PID > 0 {
		pidStr = fmt.Sprintf("%d", s.PID)
	}

	return fmt.Sprintf(" slot %d  %s pid %-8s restarts %-4d served %d",
		s.Slot, stateStr, pidStr, s.Restarts, s.Requests)
}
