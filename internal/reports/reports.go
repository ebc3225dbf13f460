// Package reports generates operator-facing XLSX exports of the
// dispatch core's status surfaces: performance (C6), circuit breaker
// (C7), resource admission (C8), threat (C9), and scheduler (C10)
// snapshots. One workbook, one sheet per section, styled the way
// report-svc's excel generator styles its sheets.
package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"dispatch/internal/admission"
	"dispatch/internal/breaker"
	"dispatch/internal/perfmeter"
	"dispatch/internal/scheduler"
	"dispatch/internal/spatial"
	"dispatch/internal/threat"
	"dispatch/pkg/cache"
)

// Snapshot is everything the operator report draws from; callers collect
// it once from the live components and pass it to Generate.
type Snapshot struct {
	GeneratedAt time.Time
	Performance perfmeter.Report
	Breakers    []breaker.Snapshot
	Resources   []admission.Snapshot
	Spatial     spatial.Stats
	Jobs        []scheduler.Snapshot
	Cache       *cache.Stats
	Threat      threat.Overview
	ThreatLog   []threat.Result
}

var headerStyle = &excelize.Style{
	Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
	Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
	Alignment: &excelize.Alignment{Horizontal: "center"},
}

// Generate builds the operator status workbook and returns its bytes.
func Generate(s Snapshot) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	f.DeleteSheet("Sheet1")

	style, err := f.NewStyle(headerStyle)
	if err != nil {
		return nil, err
	}

	writeOverviewSheet(f, style, s)
	writeBreakerSheet(f, style, s.Breakers)
	writeResourceSheet(f, style, s.Resources)
	writeJobsSheet(f, style, s.Jobs)
	if len(s.ThreatLog) > 0 {
		ThreatSheet(f, style, s.ThreatLog)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeOverviewSheet(f *excelize.File, style int, s Snapshot) {
	sheet := "Overview"
	f.NewSheet(sheet)

	row := 1
	f.SetCellValue(sheet, cellAddr("A", row), "Dispatch Operator Report")
	f.MergeCell(sheet, cellAddr("A", row), cellAddr("B", row))
	row++
	f.SetCellValue(sheet, cellAddr("A", row), "Generated At")
	f.SetCellValue(sheet, cellAddr("B", row), s.GeneratedAt.Format(time.RFC3339))
	row += 2

	f.SetCellValue(sheet, cellAddr("A", row), "Performance")
	f.SetCellStyle(sheet, cellAddr("A", row), cellAddr("B", row), style)
	row++
	f.SetCellValue(sheet, cellAddr("A", row), "Health")
	f.SetCellValue(sheet, cellAddr("B", row), string(s.Performance.Health))
	row++
	f.SetCellValue(sheet, cellAddr("A", row), "Operations Tracked")
	f.SetCellValue(sheet, cellAddr("B", row), len(s.Performance.Ops))
	row += 2

	if len(s.Performance.Ops) > 0 {
		f.SetCellValue(sheet, cellAddr("A", row), "Per-Operation Breakdown")
		f.SetCellStyle(sheet, cellAddr("A", row), cellAddr("E", row), style)
		row++
		opHeaders := []string{"Operation", "Count", "Success Rate", "Mean (ms)", "Max (ms)"}
		for i, h := range opHeaders {
			f.SetCellValue(sheet, cellAddr(string(rune('A'+i)), row), h)
		}
		f.SetCellStyle(sheet, cellAddr("A", row), cellAddr("E", row), style)
		row++
		for _, op := range s.Performance.Ops {
			f.SetCellValue(sheet, cellAddr("A", row), op.Op)
			f.SetCellValue(sheet, cellAddr("B", row), op.Count)
			f.SetCellValue(sheet, cellAddr("C", row), op.SuccessRate)
			f.SetCellValue(sheet, cellAddr("D", row), op.MeanDuration.Milliseconds())
			f.SetCellValue(sheet, cellAddr("E", row), op.MaxDuration.Milliseconds())
			row++
		}
		row++
	}

	f.SetCellValue(sheet, cellAddr("A", row), "Spatial Index")
	f.SetCellStyle(sheet, cellAddr("A", row), cellAddr("B", row), style)
	row++
	f.SetCellValue(sheet, cellAddr("A", row), "Cells")
	f.SetCellValue(sheet, cellAddr("B", row), s.Spatial.CellCount)
	row++
	f.SetCellValue(sheet, cellAddr("A", row), "Total Drivers")
	f.SetCellValue(sheet, cellAddr("B", row), s.Spatial.TotalDrivers)
	row++
	f.SetCellValue(sheet, cellAddr("A", row), "Mean Per Cell")
	f.SetCellValue(sheet, cellAddr("B", row), s.Spatial.MeanPerCell)
	row += 2

	if s.Cache != nil {
		f.SetCellValue(sheet, cellAddr("A", row), "Driver-Set Cache")
		f.SetCellStyle(sheet, cellAddr("A", row), cellAddr("B", row), style)
		row++
		f.SetCellValue(sheet, cellAddr("A", row), "Backend")
		f.SetCellValue(sheet, cellAddr("B", row), s.Cache.Backend)
		row++
		f.SetCellValue(sheet, cellAddr("A", row), "Live Keys")
		f.SetCellValue(sheet, cellAddr("B", row), s.Cache.TotalKeys)
		row++
		f.SetCellValue(sheet, cellAddr("A", row), "Hit Rate")
		f.SetCellValue(sheet, cellAddr("B", row), s.Cache.HitRate)
		row += 2
	}

	f.SetCellValue(sheet, cellAddr("A", row), "Threat Meter")
	f.SetCellStyle(sheet, cellAddr("A", row), cellAddr("B", row), style)
	row++
	f.SetCellValue(sheet, cellAddr("A", row), "Tracked Subjects")
	f.SetCellValue(sheet, cellAddr("B", row), s.Threat.TrackedSubjects)
	row++
	f.SetCellValue(sheet, cellAddr("A", row), "High Threat")
	f.SetCellValue(sheet, cellAddr("B", row), s.Threat.HighThreatSubjects)
	row++
	f.SetCellValue(sheet, cellAddr("A", row), "Suspended")
	f.SetCellValue(sheet, cellAddr("B", row), s.Threat.SuspendedSubjects)

	f.SetColWidth(sheet, "A", "B", 24)
}

func writeBreakerSheet(f *excelize.File, style int, snaps []breaker.Snapshot) {
	sheet := "Circuit Breakers"
	f.NewSheet(sheet)

	headers := []string{"Key", "State", "Reset At", "Recent Error Count"}
	for i, h := range headers {
		f.SetCellValue(sheet, cellAddr(string(rune('A'+i)), 1), h)
	}
	f.SetCellStyle(sheet, "A1", "D1", style)

	for i, snap := range snaps {
		row := i + 2
		f.SetCellValue(sheet, cellAddr("A", row), snap.Key)
		f.SetCellValue(sheet, cellAddr("B", row), snap.State)
		if !snap.ResetAt.IsZero() {
			f.SetCellValue(sheet, cellAddr("C", row), snap.ResetAt.Format(time.RFC3339))
		}
		f.SetCellValue(sheet, cellAddr("D", row), len(snap.Errors))
	}
	f.SetColWidth(sheet, "A", "D", 22)
}

func writeResourceSheet(f *excelize.File, style int, snaps []admission.Snapshot) {
	sheet := "Resources"
	f.NewSheet(sheet)

	headers := []string{"Resource", "Current", "Limit", "Utilization %"}
	for i, h := range headers {
		f.SetCellValue(sheet, cellAddr(string(rune('A'+i)), 1), h)
	}
	f.SetCellStyle(sheet, "A1", "D1", style)

	for i, snap := range snaps {
		row := i + 2
		util := 0.0
		if snap.Limit > 0 {
			util = float64(snap.Current) / float64(snap.Limit) * 100
		}
		f.SetCellValue(sheet, cellAddr("A", row), string(snap.Resource))
		f.SetCellValue(sheet, cellAddr("B", row), snap.Current)
		f.SetCellValue(sheet, cellAddr("C", row), snap.Limit)
		f.SetCellValue(sheet, cellAddr("D", row), util)
	}
	f.SetColWidth(sheet, "A", "D", 18)
}

func writeJobsSheet(f *excelize.File, style int, snaps []scheduler.Snapshot) {
	sheet := "Scheduled Jobs"
	f.NewSheet(sheet)

	headers := []string{"ID", "Priority", "Status", "Retry Count", "Next Run", "Last Error"}
	for i, h := range headers {
		f.SetCellValue(sheet, cellAddr(string(rune('A'+i)), 1), h)
	}
	f.SetCellStyle(sheet, "A1", "F1", style)

	for i, snap := range snaps {
		row := i + 2
		f.SetCellValue(sheet, cellAddr("A", row), snap.ID)
		f.SetCellValue(sheet, cellAddr("B", row), snap.Priority)
		f.SetCellValue(sheet, cellAddr("C", row), snap.Status)
		f.SetCellValue(sheet, cellAddr("D", row), snap.RetryCount)
		if !snap.NextRun.IsZero() {
			f.SetCellValue(sheet, cellAddr("E", row), snap.NextRun.Format(time.RFC3339))
		}
		f.SetCellValue(sheet, cellAddr("F", row), snap.LastError)
	}
	f.SetColWidth(sheet, "A", "F", 20)
}

func cellAddr(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}

// ThreatSheet appends the recent threat-score decompositions as their
// own sheet.
func ThreatSheet(f *excelize.File, style int, results []threat.Result) {
	sheet := "Threat Scores"
	f.NewSheet(sheet)

	headers := []string{"Subject", "Activity", "Score", "Session", "Network", "Temporal", "Behavioral", "Severity"}
	for i, h := range headers {
		f.SetCellValue(sheet, cellAddr(string(rune('A'+i)), 1), h)
	}
	f.SetCellStyle(sheet, "A1", "H1", style)

	for i, r := range results {
		row := i + 2
		f.SetCellValue(sheet, cellAddr("A", row), r.Subject)
		f.SetCellValue(sheet, cellAddr("B", row), r.Activity)
		f.SetCellValue(sheet, cellAddr("C", row), r.Score)
		f.SetCellValue(sheet, cellAddr("D", row), r.Session)
		f.SetCellValue(sheet, cellAddr("E", row), r.Network)
		f.SetCellValue(sheet, cellAddr("F", row), r.Temporal)
		f.SetCellValue(sheet, cellAddr("G", row), r.Behavioral)
		f.SetCellValue(sheet, cellAddr("H", row), r.Severity)
	}
	f.SetColWidth(sheet, "A", "H", 16)
}
