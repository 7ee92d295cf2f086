// Package export renders audit trails as spreadsheets for offline review.
package export

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pitabwire/signoff/model"
)

// ContentType is the media type of the workbooks written here.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	historySheet = "History"
	summarySheet = "Summary"
)

var historyHeader = []any{
	"Sequence", "Performed at (UTC)", "Action", "Actor", "From", "To", "Comment", "Instance", "Metadata",
}

// HistoryWorkbook writes an entity's records, oldest first, as an .xlsx
// workbook with a History sheet and a Summary sheet.
func HistoryWorkbook(w io.Writer, ref model.EntityRef, current model.Status, records []model.AuditRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := writeHistory(f, records); err != nil {
		return err
	}
	if err := writeSummary(f, ref, current, records); err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeHistory(f *excelize.File, records []model.AuditRecord) error {
	if err := f.SetSheetRow(historySheet, "A1", &historyHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	if err := f.SetRowStyle(historySheet, 1, 1, bold); err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			rec.Sequence,
			rec.PerformedAt.UTC().Format(time.RFC3339),
			string(rec.Action),
			rec.ActorID,
			string(rec.PreviousStatus),
			string(rec.NewStatus),
			rec.Comment,
			rec.InstanceID,
			formatMetadata(rec.Metadata),
		}
		if err := f.SetSheetRow(historySheet, cell, &row); err != nil {
			return fmt.Errorf("write record %d: %w", rec.Sequence, err)
		}
	}

	if err := f.SetPanes(historySheet, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	return f.SetColWidth(historySheet, "B", "B", 22)
}

func writeSummary(f *excelize.File, ref model.EntityRef, current model.Status, records []model.AuditRecord) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("add summary sheet: %w", err)
	}

	actors := make(map[string]bool)
	for _, rec := range records {
		actors[rec.ActorID] = true
	}
	names := make([]string, 0, len(actors))
	for a := range actors {
		names = append(names, a)
	}
	sort.Strings(names)

	rows := [][]any{
		{"Entity type", ref.Type},
		{"Entity id", ref.ID},
		{"Current status", string(current)},
		{"Records", len(records)},
		{"Actors", len(names)},
	}
	if len(records) > 0 {
		rows = append(rows,
			[]any{"First change", records[0].PerformedAt.UTC().Format(time.RFC3339)},
			[]any{"Last change", records[len(records)-1].PerformedAt.UTC().Format(time.RFC3339)},
		)
	}
	for i, row := range rows {
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	return f.SetColWidth(summarySheet, "A", "A", 18)
}

func formatMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(meta))
	for _, k := range slices.Sorted(maps.Keys(meta)) {
		pairs = append(pairs, k+"="+meta[k])
	}
	return strings.Join(pairs, "; ")
}
