package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bookingsync/internal/models"

	"github.com/xuri/excelize/v2"
)

const deadLetterSheet = "Dead letters"

var deadLetterColumns = []string{
	"Record ID", "Job ID", "Kind", "Booking ID", "Priority", "Attempts", "Failed at", "Error", "Payload",
}

// DeadLettersToXLSX writes one row per dead-letter record to an xlsx file at path.
func DeadLettersToXLSX(records []models.DeadLetterRecord, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(deadLetterSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headerStyle, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	for i, title := range deadLetterColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(deadLetterSheet, cell, title)
		_ = f.SetCellStyle(deadLetterSheet, cell, cell, headerStyle)
	}

	for i, rec := range records {
		row := i + 2
		values := []interface{}{
			rec.ID,
			rec.OriginalJob.ID,
			string(rec.OriginalJob.Kind),
			bookingOf(rec.OriginalJob),
			rec.OriginalJob.Priority,
			rec.Attempts,
			rec.FailedAt.UTC().Format(time.RFC3339),
			rec.Error,
			string(rec.OriginalJob.Payload),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(deadLetterSheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", row, err)
		}
	}

	_ = f.SetColWidth(deadLetterSheet, "A", "B", 30)
	_ = f.SetColWidth(deadLetterSheet, "C", "F", 12)
	_ = f.SetColWidth(deadLetterSheet, "G", "G", 22)
	_ = f.SetColWidth(deadLetterSheet, "H", "I", 60)
	_ = f.SetPanes(deadLetterSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// DefaultFileName names an export taken at t.
func DefaultFileName(t time.Time) string {
	return fmt.Sprintf("dead_letters_%s.xlsx", t.UTC().Format("20060102_150405"))
}

func bookingOf(job models.Job) string {
	p, err := job.Decode()
	if err != nil {
		return ""
	}
	return p.EntityID()
}
