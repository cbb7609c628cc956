package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/podflow"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	cyan    = color.New(color.FgCyan).SprintFunc()
	magenta = color.New(color.FgMagenta).SprintFunc()
)

func runStatus(status podflow.RunStatus) string {
	switch status {
	case podflow.RunCompleted:
		return green(string(status))
	case podflow.RunFailed:
		return red(string(status))
	case podflow.RunRunning:
		return cyan(string(status))
	default:
		return string(status)
	}
}

func stageStatus(status podflow.StageStatus) string {
	switch status {
	case podflow.StageSucceeded:
		return green(string(status))
	case podflow.StageSucceededDegraded:
		return yellow(string(status))
	case podflow.StageFailed:
		return red(string(status))
	case podflow.StageRunning:
		return cyan(string(status))
	default:
		return string(status)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatElapsed(start, end time.Time) string {
	if start.IsZero() || end.IsZero() {
		return "-"
	}
	return end.Sub(start).Round(time.Millisecond).String()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printRecord(w io.Writer, record *podflow.RunRecord) {
	fmt.Fprintf(w, "Run:      %s\n", record.RunID)
	fmt.Fprintf(w, "Pipeline: %s\n", record.Pipeline)
	fmt.Fprintf(w, "Request:  %s\n", record.Request)
	fmt.Fprintf(w, "Status:   %s\n", runStatus(record.Status))
	if !record.StartTime.IsZero() {
		fmt.Fprintf(w, "Started:  %s\n", formatTime(record.StartTime))
	}
	if !record.EndTime.IsZero() {
		fmt.Fprintf(w, "Elapsed:  %s\n", formatElapsed(record.StartTime, record.EndTime))
	}
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(record.Stages))
	for _, stage := range record.Stages {
		rows = append(rows, []string{
			stage.Name,
			stageStatus(stage.Status),
			strconv.Itoa(stage.Attempts),
			formatElapsed(stage.StartedAt, stage.EndedAt),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Stage", "Status", "Attempts", "Elapsed"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
	))

	if len(record.Errors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, red("Errors:"))
		for _, e := range record.Errors {
			terminal := ""
			if e.Terminal {
				terminal = " (terminal)"
			}
			fmt.Fprintf(w, "  %s [%s] after %d attempt(s)%s: %s\n", e.Stage, e.Kind, e.Attempts, terminal, e.Message)
		}
	}

	if len(record.Artifacts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, magenta("Artifacts:"))
		names := make([]string, 0, len(record.Artifacts))
		for name := range record.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %s\n", name, truncate(fmt.Sprint(record.Artifacts[name]), 100))
		}
	}
}

func printSummaries(w io.Writer, summaries []*podflow.RunSummary) {
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.RunID,
			runStatus(s.Status),
			fmt.Sprintf("%d/%d", s.StagesDone, s.StagesTotal),
			strconv.Itoa(s.Degraded),
			formatTime(s.StartTime),
			truncate(s.Request, 48),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Run", "Status", "Stages", "Degraded", "Started", "Request"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
}

func printStages(w io.Writer, stages []*podflow.Stage) {
	rows := make([][]string, 0, len(stages))
	for _, stage := range stages {
		policy := stage.RetryPolicy()
		kinds := make([]string, 0, len(policy.RetryOn))
		for _, kind := range policy.RetryOn {
			kinds = append(kinds, string(kind))
		}
		timeout := "-"
		if stage.Timeout > 0 {
			timeout = stage.Timeout.String()
		}
		degradable := "yes"
		if stage.NonDegradable {
			degradable = "no"
		}
		rows = append(rows, []string{
			stage.Name,
			strings.Join(stage.DependsOn, ", "),
			strconv.Itoa(policy.MaxAttempts),
			strings.Join(kinds, ", "),
			timeout,
			degradable,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Stage", "Depends On", "Attempts", "Retry On", "Timeout", "Degradable"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
	))
}

func printAttempts(w io.Writer, entries []*podflow.AttemptLogEntry) {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		attempt := strconv.Itoa(entry.Attempt)
		if entry.Fallback {
			attempt = "fallback"
		}
		result := green("ok")
		if entry.Error != "" {
			result = red(string(entry.Kind)) + " " + truncate(entry.Error, 60)
		}
		rows = append(rows, []string{
			entry.Stage,
			attempt,
			formatTime(entry.StartTime),
			(time.Duration(entry.Duration * float64(time.Second))).Round(time.Millisecond).String(),
			result,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Stage", "Attempt", "Started", "Duration", "Result"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignLeft},
	))
}
