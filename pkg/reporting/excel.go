package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// ExcelReporter writes a run report as a multi-sheet workbook.
type ExcelReporter struct{}

// NewExcelReporter creates an Excel reporter.
func NewExcelReporter() *ExcelReporter {
	return &ExcelReporter{}
}

type excelStyles struct {
	Header int
	Base   int
	Pass   int
	Fail   int
}

// WriteRunXLSX writes the report workbook to path, creating directories as
// needed.
func (r *ExcelReporter) WriteRunXLSX(rep *RunReport, path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()

	const summarySheet = "Summary"
	const signalsSheet = "Signals"
	const funnelSheet = "Funnel"
	const reconciliationSheet = "Reconciliation"

	fx.SetSheetName(fx.GetSheetName(0), summarySheet)
	fx.NewSheet(signalsSheet)
	fx.NewSheet(funnelSheet)
	fx.NewSheet(reconciliationSheet)

	styles, err := r.createStyles(fx)
	if err != nil {
		return err
	}

	if err := r.writeSummarySheet(fx, summarySheet, rep, styles); err != nil {
		return err
	}
	if err := r.writeSignalsSheet(fx, signalsSheet, rep, styles); err != nil {
		return err
	}
	if err := r.writeFunnelSheet(fx, funnelSheet, rep, styles); err != nil {
		return err
	}
	if err := r.writeReconciliationSheet(fx, reconciliationSheet, rep, styles); err != nil {
		return err
	}

	return fx.SaveAs(path)
}

func (r *ExcelReporter) createStyles(fx *excelize.File) (excelStyles, error) {
	var styles excelStyles
	var err error

	styles.Header, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold:   true,
			Size:   11,
			Color:  "FFFFFF",
			Family: "Calibri",
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"2F4F4F"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return styles, err
	}

	styles.Base, err = fx.NewStyle(&excelize.Style{
		Border: []excelize.Border{
			{Type: "left", Color: "E0E0E0", Style: 1},
			{Type: "right", Color: "E0E0E0", Style: 1},
			{Type: "bottom", Color: "E0E0E0", Style: 1},
		},
	})
	if err != nil {
		return styles, err
	}

	styles.Pass, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Color: "008000", Bold: true},
		Border: []excelize.Border{
			{Type: "left", Color: "E0E0E0", Style: 1},
			{Type: "right", Color: "E0E0E0", Style: 1},
			{Type: "bottom", Color: "E0E0E0", Style: 1},
		},
	})
	if err != nil {
		return styles, err
	}

	styles.Fail, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Color: "FF0000", Bold: true},
		Border: []excelize.Border{
			{Type: "left", Color: "E0E0E0", Style: 1},
			{Type: "right", Color: "E0E0E0", Style: 1},
			{Type: "bottom", Color: "E0E0E0", Style: 1},
		},
	})
	return styles, err
}

func (r *ExcelReporter) writeHeaders(fx *excelize.File, sheet string, headers []string, style int) {
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(sheet, cell, h)
		fx.SetCellStyle(sheet, cell, cell, style)
	}
}

func (r *ExcelReporter) writeSummarySheet(fx *excelize.File, sheet string, rep *RunReport, styles excelStyles) error {
	fx.SetColWidth(sheet, "A", "A", 24)
	fx.SetColWidth(sheet, "B", "B", 48)

	run := rep.Run
	counts := rep.OutcomeCounts()

	rows := [][2]interface{}{
		{"Run ID", run.RunID},
		{"System", run.SystemID},
		{"Status", string(run.Status)},
		{"Blocked By", run.BlockedBy},
		{"Started", formatTime(run.StartedAt)},
		{"Finished", formatTime(run.FinishedAt)},
		{"Duration", formatDuration(run.StartedAt, run.FinishedAt)},
		{"Signals Logged", len(rep.Signals)},
		{"Executed", counts[types.TerminalExecuted]},
		{"Notes", run.Notes},
	}
	for _, state := range types.AllTerminalStates {
		if state == types.TerminalExecuted || counts[state] == 0 {
			continue
		}
		rows = append(rows, [2]interface{}{string(state), counts[state]})
	}

	r.writeHeaders(fx, sheet, []string{"Field", "Value"}, styles.Header)
	for i, row := range rows {
		keyCell, _ := excelize.CoordinatesToCellName(1, i+2)
		valCell, _ := excelize.CoordinatesToCellName(2, i+2)
		fx.SetCellValue(sheet, keyCell, row[0])
		fx.SetCellValue(sheet, valCell, row[1])
		fx.SetCellStyle(sheet, keyCell, valCell, styles.Base)
	}
	return nil
}

func (r *ExcelReporter) writeSignalsSheet(fx *excelize.File, sheet string, rep *RunReport, styles excelStyles) error {
	fx.SetColWidth(sheet, "A", "A", 14)
	fx.SetColWidth(sheet, "B", "B", 18)
	fx.SetColWidth(sheet, "C", "C", 12)
	fx.SetColWidth(sheet, "D", "D", 8)
	fx.SetColWidth(sheet, "E", "G", 14)
	fx.SetColWidth(sheet, "H", "H", 26)
	fx.SetColWidth(sheet, "I", "I", 40)

	r.writeHeaders(fx, sheet, []string{
		"Signal ID", "Strategy", "Symbol", "Side", "Quantity", "Price",
		"Confidence", "Outcome", "Outcome Reason",
	}, styles.Header)

	outcomeBySignal := make(map[string]types.SignalOutcome, len(rep.Outcomes))
	for _, o := range rep.Outcomes {
		outcomeBySignal[o.SignalID] = o
	}

	for i, sig := range rep.Signals {
		row := i + 2
		outcome := outcomeBySignal[sig.ID]

		values := []interface{}{
			shortID(sig.ID), sig.StrategyID, sig.Symbol, string(sig.Side),
			sig.Quantity.InexactFloat64(), sig.QuotedPrice.InexactFloat64(),
			sig.Confidence, string(outcome.State), outcome.Reason,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			fx.SetCellValue(sheet, cell, v)
			fx.SetCellStyle(sheet, cell, cell, styles.Base)
		}

		stateCell, _ := excelize.CoordinatesToCellName(8, row)
		switch outcome.State {
		case types.TerminalExecuted:
			fx.SetCellStyle(sheet, stateCell, stateCell, styles.Pass)
		case types.TerminalRejectedByBroker:
			fx.SetCellStyle(sheet, stateCell, stateCell, styles.Fail)
		}
	}
	return nil
}

func (r *ExcelReporter) writeFunnelSheet(fx *excelize.File, sheet string, rep *RunReport, styles excelStyles) error {
	fx.SetColWidth(sheet, "A", "A", 18)
	fx.SetColWidth(sheet, "B", "F", 12)
	fx.SetColWidth(sheet, "G", "G", 60)

	r.writeHeaders(fx, sheet, []string{
		"Strategy", "Raw", "After Regime", "After Correlation", "After Risk",
		"Executed", "Why No Trade",
	}, styles.Header)

	blockers := rep.Blockers()
	for i, rec := range rep.Funnel {
		row := i + 2
		why := ""
		if blocker := blockers[rec.StrategyID]; blocker != nil {
			why = blockerText(blocker)
		}

		values := []interface{}{
			rec.StrategyID, rec.Raw, rec.AfterRegime, rec.AfterCorrelation,
			rec.AfterRisk, rec.Executed, why,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			fx.SetCellValue(sheet, cell, v)
			fx.SetCellStyle(sheet, cell, cell, styles.Base)
		}
	}
	return nil
}

func (r *ExcelReporter) writeReconciliationSheet(fx *excelize.File, sheet string, rep *RunReport, styles excelStyles) error {
	fx.SetColWidth(sheet, "A", "B", 16)
	fx.SetColWidth(sheet, "C", "D", 16)
	fx.SetColWidth(sheet, "E", "E", 20)
	fx.SetColWidth(sheet, "F", "F", 70)

	r.writeHeaders(fx, sheet, []string{
		"Phase", "Status", "Local Cash", "Broker Cash", "Taken At", "Discrepancies",
	}, styles.Header)

	for i, snap := range rep.Snapshots {
		row := i + 2

		details := make([]string, 0, len(snap.Discrepancies))
		for _, d := range snap.Discrepancies {
			target := d.Field
			if d.Symbol != "" {
				target += " " + d.Symbol
			}
			details = append(details, fmt.Sprintf("%s: local %s vs broker %s", target, d.Local.String(), d.Broker.String()))
		}

		values := []interface{}{
			string(snap.Phase), string(snap.Status),
			snap.Local.Cash.InexactFloat64(), snap.Broker.Cash.InexactFloat64(),
			formatTime(snap.TakenAt), strings.Join(details, "; "),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			fx.SetCellValue(sheet, cell, v)
			fx.SetCellStyle(sheet, cell, cell, styles.Base)
		}

		statusCell, _ := excelize.CoordinatesToCellName(2, row)
		if snap.Status == types.ReconcilePass {
			fx.SetCellStyle(sheet, statusCell, statusCell, styles.Pass)
		} else {
			fx.SetCellStyle(sheet, statusCell, statusCell, styles.Fail)
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
