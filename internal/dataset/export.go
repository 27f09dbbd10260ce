package dataset

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"meeting-pipeline-go/internal/aggregator"
	"meeting-pipeline-go/internal/types"
)

const (
	TasksSheet   = "Tasks"
	SummarySheet = "Summary"
)

var taskHeader = []interface{}{
	"ID", "Title", "Mode", "Status", "Failed Step", "Created", "Updated",
	"Transcript", "Summary", "Last Error", "Speaker1 Status", "Speaker2 Status", "Task Key",
}

// Export writes a workbook with one row per task and a summary sheet.
func Export(w io.Writer, tasks []types.Task) error {
	f, err := build(tasks)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// ExportFile is Export to a path.
func ExportFile(path string, tasks []types.Task) error {
	f, err := build(tasks)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func build(tasks []types.Task) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", TasksSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(TasksSheet, "A1", &taskHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, t := range tasks {
		row := []interface{}{
			t.ID, t.Title, string(t.Mode), string(t.Status), string(t.FailedStep),
			formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
			t.Transcript, t.Summary, t.LastError,
			string(t.Speaker1.Status), string(t.Speaker2.Status), t.TaskKey,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetSheetRow(TasksSheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if _, err := f.NewSheet(SummarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("add summary sheet: %w", err)
	}
	if err := writeSummary(f, aggregator.Summarize(tasks)); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeSummary(f *excelize.File, st aggregator.Stats) error {
	rows := [][]interface{}{
		{"Metric", "Value"},
		{"Total", st.Total},
		{"Completion Rate", st.CompletionRate},
		{"Empty Transcripts", st.EmptyTranscripts},
		{"Track Failures", st.TrackFailures},
	}
	for _, k := range sortedKeys(st.ByStatus) {
		rows = append(rows, []interface{}{"Status: " + k, st.ByStatus[types.Status(k)]})
	}
	for _, k := range sortedKeys(st.ByMode) {
		rows = append(rows, []interface{}{"Mode: " + k, st.ByMode[types.Mode(k)]})
	}
	for _, k := range sortedKeys(st.FailedByStep) {
		rows = append(rows, []interface{}{"Failed At: " + k, st.FailedByStep[types.Status(k)]})
	}
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SummarySheet, cell, &rows[i]); err != nil {
			return fmt.Errorf("write summary row %d: %w", i+1, err)
		}
	}
	return nil
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
