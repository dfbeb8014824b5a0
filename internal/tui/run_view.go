package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/kingrea/lattice-orchestrator/internal/projection"
)

var (
	labelStyleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleTrigger = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStylePending = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

type stepLabel struct {
	text  string
	style lipgloss.Style
}

// renderRunDetails lists the run's planned steps with their outcome so far.
func renderRunDetails(run projection.RunView, now time.Time) string {
	statusLine := fmt.Sprintf("Workflow: %s · Status: %s",
		run.Workflow, labelStyleForStatus(run.Status).Render(friendlyLabel(string(run.Status))))
	lines := []string{statusLine, detailTextStyle.Render("Run: " + run.RunID)}
	var meta []string
	if run.IssueID != "" {
		meta = append(meta, "Issue "+run.IssueID)
	}
	if run.Branch != "" {
		meta = append(meta, "Branch "+run.Branch)
	}
	if run.Version != "" {
		meta = append(meta, "v"+run.Version)
	}
	if !run.StartedAt.IsZero() {
		meta = append(meta, "Elapsed "+humanizeDuration(elapsed(run, now)))
	}
	if len(meta) > 0 {
		lines = append(lines, detailTextStyle.Render(strings.Join(meta, " · ")))
	}
	lines = append(lines, "")

	done := make(map[string]projection.StepView, len(run.Steps))
	for _, step := range run.Steps {
		done[step.ID] = step
	}
	planned := run.Planned
	if len(planned) == 0 {
		for _, step := range run.Steps {
			planned = append(planned, step.ID)
		}
	}
	for _, id := range planned {
		label := stepStatus(run, id, done)
		line := fmt.Sprintf("  %s · [%s]", id, label.style.Render(label.text))
		if step, ok := done[id]; ok && step.DurationMs > 0 {
			line += detailTextStyle.Render(fmt.Sprintf(" %s", time.Duration(step.DurationMs)*time.Millisecond))
		}
		lines = append(lines, line)
	}
	if len(run.Triggers) > 0 {
		lines = append(lines, "", labelStyleTrigger.Render("Triggers: ")+strings.Join(run.Triggers, ", "))
	}
	if run.Error != "" {
		lines = append(lines, "", labelStyleFailed.Render("Error: ")+run.Error)
	}
	return strings.Join(lines, "\n")
}

func stepStatus(run projection.RunView, id string, done map[string]projection.StepView) stepLabel {
	if step, ok := done[id]; ok {
		if step.Success {
			return stepLabel{text: "Done", style: labelStyleDone}
		}
		return stepLabel{text: "Failed", style: labelStyleFailed}
	}
	switch {
	case run.FailedStep == id:
		return stepLabel{text: "Failed", style: labelStyleFailed}
	case run.Status == projection.RunRunning && run.CurrentStep == id:
		return stepLabel{text: "Running", style: labelStyleRunning}
	case run.Status == projection.RunRunning:
		return stepLabel{text: "Pending", style: labelStylePending}
	case run.Cancelled:
		return stepLabel{text: "Cancelled", style: labelStylePending}
	default:
		return stepLabel{text: "Not Run", style: labelStylePending}
	}
}

func labelStyleForStatus(status projection.RunStatus) lipgloss.Style {
	switch status {
	case projection.RunCompleted:
		return labelStyleDone
	case projection.RunFailed:
		return labelStyleFailed
	case projection.RunRunning:
		return labelStyleRunning
	default:
		return labelStyleDefault
	}
}

func elapsed(run projection.RunView, now time.Time) time.Duration {
	end := run.FinishedAt
	if end.IsZero() {
		end = now
	}
	if end.Before(run.StartedAt) {
		return 0
	}
	return end.Sub(run.StartedAt)
}

func friendlyLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	replacer := strings.NewReplacer("_", " ", "-", " ")
	words := strings.Fields(replacer.Replace(strings.ToLower(value)))
	if len(words) == 0 {
		return ""
	}
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
