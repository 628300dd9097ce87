package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/boku-engineer/changeflow/internal/models"
	"github.com/boku-engineer/changeflow/internal/workflow"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Faint(true).Width(12)
	passedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	mergedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
)

func stageLabel(stage models.Stage) string {
	if stage == models.StageMerged {
		return mergedStyle.Render(string(stage))
	}
	return titleStyle.Render(string(stage))
}

func ciLabel(status models.CIStatus) string {
	switch status {
	case models.CIStatusPassed:
		return passedStyle.Render(string(status))
	case models.CIStatusFailed:
		return failedStyle.Render(string(status))
	default:
		return pendingStyle.Render(string(status))
	}
}

func renderStatus(status *workflow.ChangeStatus) string {
	var b strings.Builder
	change := status.Change

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + " " + value + "\n")
	}
	row("change", change.ID)
	row("feature", change.FeatureName)
	row("branch", change.BranchName)
	row("stage", stageLabel(change.Stage))
	row("ci", ciLabel(change.CIStatus))
	row("author", change.Author)
	if change.MergedAt != nil {
		row("merged at", change.MergedAt.Format("2006-01-02 15:04:05"))
	}

	if status.PullRequest != nil {
		b.WriteString("\n" + titleStyle.Render(status.PullRequest.Title) + "\n")
		row("pr", status.PullRequest.ID)
		row("pr status", string(status.PullRequest.Status))
	}

	if len(status.Checks) > 0 {
		b.WriteString("\nchecks:\n")
		for _, check := range status.Checks {
			marker := " "
			if check.Required {
				marker = "*"
			}
			b.WriteString(fmt.Sprintf("  %s %s %s\n", marker, ciLabel(check.Status), check.Name))
		}
	}
	return b.String()
}

func renderChangeList(changes []*models.Change) string {
	var b strings.Builder
	for _, change := range changes {
		b.WriteString(fmt.Sprintf("%s  %-28s %s\n",
			change.ID,
			change.BranchName,
			stageLabel(change.Stage)))
	}
	return b.String()
}

func renderEvents(events []*models.WorkflowEvent) string {
	var b strings.Builder
	for _, ev := range events {
		arrow := string(ev.To)
		if ev.From != "" && ev.From != ev.To {
			arrow = fmt.Sprintf("%s -> %s", ev.From, ev.To)
		}
		b.WriteString(fmt.Sprintf("%s  %s  %s\n",
			ev.Timestamp.Format("2006-01-02 15:04:05"),
			titleStyle.Render(arrow),
			ev.Note))
	}
	return b.String()
}

func renderMainline(state *models.MainlineState) string {
	var b strings.Builder
	b.WriteString(labelStyle.Render("head") + " " + state.HeadCommitHash + "\n")
	for _, record := range state.History {
		b.WriteString(fmt.Sprintf("%s  %s  %s\n",
			record.Timestamp.Format("2006-01-02 15:04:05"),
			record.CommitHash,
			record.BranchName))
	}
	return b.String()
}
