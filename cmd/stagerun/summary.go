package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/stagerun/internal/engine"
	"github.com/aristath/stagerun/internal/events"
	"github.com/aristath/stagerun/internal/pipeline"
)

var (
	styleTitle = lipgloss.NewStyle().Bold(true)

	styleSucceeded = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	styleFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)

	styleSkipped = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	styleDetail = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

func resultStyle(r pipeline.Result) lipgloss.Style {
	if r == pipeline.ResultSuccess {
		return styleSucceeded
	}
	return styleFailed
}

func stageStyle(s pipeline.StageStatus) lipgloss.Style {
	switch s {
	case pipeline.StageSucceeded:
		return styleSucceeded
	case pipeline.StageFailed:
		return styleFailed
	default:
		return styleSkipped
	}
}

// printSummary writes a pass/fail overview of report.
func printSummary(w io.Writer, r *engine.RunReport) {
	fmt.Fprintf(w, "%s  %s  %s\n",
		styleTitle.Render(r.Pipeline),
		resultStyle(r.Result).Render(strings.ToUpper(r.Result.String())),
		styleDetail.Render(fmt.Sprintf("run %s, %s", r.RunID, r.Duration.Round(time.Millisecond))))

	width := 0
	for _, s := range r.Stages {
		width = max(width, len(s.Name))
	}

	for _, s := range r.Stages {
		line := fmt.Sprintf("  %-*s  %s", width, s.Name, stageStyle(s.Status).Render(fmt.Sprintf("%-9s", s.Status)))
		switch {
		case s.Status == pipeline.StageSkipped:
			line += styleDetail.Render(" (" + s.SkipReason + ")")
		case s.Failure != nil:
			line += " " + string(s.Failure.Kind) + ": " + s.Failure.Detail
		default:
			line += styleDetail.Render(" " + s.Duration.Round(time.Millisecond).String())
		}
		fmt.Fprintln(w, line)

		for _, t := range s.Tasks {
			if t.Status != pipeline.TaskFailed {
				continue
			}
			fmt.Fprintf(w, "    %s %s: %s\n", styleFailed.Render("x"), t.Name, t.Detail)
		}
	}

	if r.Failure != nil {
		fmt.Fprintf(w, "  %s %s: %s\n", styleFailed.Render("run"), r.Failure.Kind, r.Failure.Detail)
	}
	for _, h := range r.HookFaults() {
		fmt.Fprintf(w, "  %s %s (%s): %s\n", styleFailed.Render("hook"), h.Name, h.Trigger, h.Fault.Detail)
	}

	if len(r.Artifacts) > 0 {
		names := make([]string, 0, len(r.Artifacts))
		for name := range r.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, styleDetail.Render("  artifacts:"))
		for _, name := range names {
			fmt.Fprintf(w, "    %s %s\n", name, styleDetail.Render(r.Artifacts[name]))
		}
	}
}

// printEvents writes one line per event until ch is closed.
func printEvents(w io.Writer, ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.StageStartedEvent:
			fmt.Fprintf(w, "==> %s (%s, %d tasks)\n", e.Stage, e.Mode, e.Tasks)
		case events.StageSkippedEvent:
			fmt.Fprintf(w, "--> %s skipped (%s)\n", e.Stage, e.Reason)
		case events.StageFinishedEvent:
			fmt.Fprintf(w, "<== %s %s in %s\n", e.Stage, e.Status, e.Duration.Round(time.Millisecond))
		case events.TaskFinishedEvent:
			if e.Kind != "" {
				fmt.Fprintf(w, "    %s/%s %s: %s: %s\n", e.Stage, e.Task, e.Status, e.Kind, e.Detail)
			} else {
				fmt.Fprintf(w, "    %s/%s %s\n", e.Stage, e.Task, e.Status)
			}
		case events.HookFaultedEvent:
			fmt.Fprintf(w, "    hook %s (%s) faulted: %s\n", e.Hook, e.Trigger, e.Detail)
		}
	}
}
