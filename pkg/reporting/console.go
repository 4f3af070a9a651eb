package reporting

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ducminhle1904/multi-strategy-bot/internal/coordinator"
	"github.com/ducminhle1904/multi-strategy-bot/internal/store"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/types"
)

// ConsoleReporter renders run reports as rounded tables on a writer,
// normally stdout.
type ConsoleReporter struct {
	out io.Writer
}

// NewConsoleReporter creates a console reporter. A nil writer means stdout.
func NewConsoleReporter(out io.Writer) *ConsoleReporter {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleReporter{out: out}
}

// PrintSummary renders a live run summary right after a run finishes. It
// shows everything PrintRun shows plus the in-memory context a stored run
// no longer has: regime, allocations, quarantine and portfolio state.
func (r *ConsoleReporter) PrintSummary(sum *coordinator.RunSummary) {
	rep := FromSummary(sum)
	r.printRunHeader(rep)
	r.printGates(sum)
	r.printAllocations(sum)
	r.printFunnel(rep)
	r.printOutcomes(rep)
	r.printDiscrepancies(rep)
	r.printPortfolio(sum)
}

// PrintRun renders a stored run report.
func (r *ConsoleReporter) PrintRun(rep *RunReport) {
	r.printRunHeader(rep)
	r.printFunnel(rep)
	r.printOutcomes(rep)
	r.printSnapshots(rep)
	r.printDiscrepancies(rep)
	r.printIntents(rep)
}

func (r *ConsoleReporter) newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	return t
}

func (r *ConsoleReporter) printRunHeader(rep *RunReport) {
	run := rep.Run

	statusStr := fmt.Sprintf("✅ %s", run.Status)
	if run.Status != store.RunCompleted {
		statusStr = fmt.Sprintf("🚫 %s", run.Status)
	}

	t := r.newTable("RUN REPORT")
	t.AppendRows([]table.Row{
		{"🆔 Run", run.RunID},
		{"🤖 System", run.SystemID},
		{"📊 Status", statusStr},
	})
	if run.BlockedBy != "" {
		t.AppendRow(table.Row{"⛔ Blocked By", run.BlockedBy})
	}
	t.AppendRows([]table.Row{
		{"🕐 Started", formatTime(run.StartedAt)},
		{"🕐 Finished", formatTime(run.FinishedAt)},
		{"⏱️ Duration", formatDuration(run.StartedAt, run.FinishedAt)},
	})
	if run.Notes != "" {
		t.AppendRow(table.Row{"📝 Notes", run.Notes})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 14, WidthMax: 14, Align: text.AlignLeft},
		{Number: 2, WidthMin: 40, WidthMax: 70, Align: text.AlignLeft},
	})
	t.Render()
	fmt.Fprintln(r.out)
}

func (r *ConsoleReporter) printGates(sum *coordinator.RunSummary) {
	t := r.newTable("GATES")

	rows := []table.Row{
		{"🌊 Regime", fmt.Sprintf("%s (%.0f%% confidence)", sum.Regime.Type.String(), sum.Regime.Confidence*100)},
		{"📉 Drawdown", fmt.Sprintf("%s (sizing ×%.2f)", sum.DrawdownState, sum.SizingMultiplier)},
	}
	if sum.DataReport != nil {
		rows = append(rows, table.Row{"🔍 Data Quality", sum.DataReport.Summary()})
	}
	if sum.Reconciliation != nil {
		rows = append(rows, table.Row{"⚖️ Reconciliation", statusEmoji(string(sum.Reconciliation.Status))})
	}
	if len(sum.Quarantined) > 0 {
		rows = append(rows, table.Row{"🚷 Quarantined", strings.Join(sum.Quarantined, ", ")})
	}
	t.AppendRows(rows)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 18, WidthMax: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 40, WidthMax: 70, Align: text.AlignLeft},
	})
	t.Render()
	fmt.Fprintln(r.out)
}

func (r *ConsoleReporter) printAllocations(sum *coordinator.RunSummary) {
	if len(sum.Allocations) == 0 {
		return
	}

	ids := make([]string, 0, len(sum.Allocations))
	for id := range sum.Allocations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := r.newTable("CAPITAL ALLOCATION")
	t.AppendHeader(table.Row{"Strategy", "Weight", "Target", "Held", "Available"})
	for _, id := range ids {
		alloc := sum.Allocations[id]
		weight := fmt.Sprintf("%.1f%%", alloc.Weight*100)
		if alloc.EqualWeighted {
			weight += " (equal)"
		}
		t.AppendRow(table.Row{
			id,
			weight,
			"$" + alloc.TargetCapital.StringFixed(2),
			"$" + alloc.HeldExposure.StringFixed(2),
			"$" + alloc.AvailableCapital.StringFixed(2),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	t.Render()
	fmt.Fprintln(r.out)
}

func (r *ConsoleReporter) printFunnel(rep *RunReport) {
	if len(rep.Funnel) == 0 {
		return
	}

	blockers := rep.Blockers()

	t := r.newTable("SIGNAL FUNNEL")
	t.AppendHeader(table.Row{"Strategy", "Raw", "Regime", "Corr", "Risk", "Executed", "Why No Trade"})
	for _, rec := range rep.Funnel {
		why := ""
		if blocker := blockers[rec.StrategyID]; blocker != nil {
			why = blockerText(blocker)
		}
		t.AppendRow(table.Row{
			rec.StrategyID,
			rec.Raw, rec.AfterRegime, rec.AfterCorrelation, rec.AfterRisk, rec.Executed,
			why,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, WidthMax: 60, Align: text.AlignLeft},
	})
	t.Render()
	fmt.Fprintln(r.out)
}

func (r *ConsoleReporter) printOutcomes(rep *RunReport) {
	if len(rep.Outcomes) == 0 {
		return
	}

	counts := rep.OutcomeCounts()

	t := r.newTable("SIGNAL OUTCOMES")
	for _, state := range types.AllTerminalStates {
		if counts[state] == 0 {
			continue
		}
		t.AppendRow(table.Row{outcomeEmoji(state) + " " + string(state), counts[state]})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 32, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
	})
	t.Render()
	fmt.Fprintln(r.out)
}

func (r *ConsoleReporter) printSnapshots(rep *RunReport) {
	if len(rep.Snapshots) == 0 {
		return
	}

	t := r.newTable("RECONCILIATION SNAPSHOTS")
	t.AppendHeader(table.Row{"Phase", "Status", "Local Cash", "Broker Cash", "Issues", "Taken At"})
	for _, snap := range rep.Snapshots {
		t.AppendRow(table.Row{
			string(snap.Phase),
			statusEmoji(string(snap.Status)),
			"$" + snap.Local.Cash.StringFixed(2),
			"$" + snap.Broker.Cash.StringFixed(2),
			len(snap.Discrepancies),
			formatTime(snap.TakenAt),
		})
	}
	t.Render()
	fmt.Fprintln(r.out)
}

func (r *ConsoleReporter) printDiscrepancies(rep *RunReport) {
	discrepancies := rep.Discrepancies()
	if len(discrepancies) == 0 {
		return
	}

	t := r.newTable("DISCREPANCIES")
	t.AppendHeader(table.Row{"Field", "Symbol", "Local", "Broker", "Delta", "Detail"})
	for _, d := range discrepancies {
		t.AppendRow(table.Row{
			d.Field, d.Symbol,
			d.Local.StringFixed(4), d.Broker.StringFixed(4), d.Delta.StringFixed(4),
			d.Detail,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, WidthMax: 50, Align: text.AlignLeft},
	})
	t.Render()
	fmt.Fprintln(r.out)
}

func (r *ConsoleReporter) printIntents(rep *RunReport) {
	if len(rep.IntentCounts) == 0 {
		return
	}

	statuses := make([]string, 0, len(rep.IntentCounts))
	for status := range rep.IntentCounts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	t := r.newTable("ORDER INTENTS")
	for _, status := range statuses {
		t.AppendRow(table.Row{status, rep.IntentCounts[types.IntentStatus(status)]})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 16, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
	})
	t.Render()
	fmt.Fprintln(r.out)
}

func (r *ConsoleReporter) printPortfolio(sum *coordinator.RunSummary) {
	t := r.newTable("PORTFOLIO")
	t.AppendRows([]table.Row{
		{"💰 Cash", "$" + sum.Portfolio.Cash.StringFixed(2)},
		{"💼 Total Value", "$" + sum.Portfolio.TotalValue.StringFixed(2)},
		{"🔥 Heat", fmt.Sprintf("%.1f%%", sum.Portfolio.Heat*100)},
		{"📤 Orders Submitted", sum.OrdersSubmitted},
		{"❌ Orders Rejected", sum.OrdersRejected},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 20, WidthMax: 20, Align: text.AlignLeft},
		{Number: 2, WidthMin: 18, Align: text.AlignLeft},
	})
	t.Render()
	fmt.Fprintln(r.out)
}

func blockerText(blocker *types.PrimaryBlocker) string {
	out := fmt.Sprintf("[%s] %s", blocker.Stage, blocker.Explanation)
	if len(blocker.ExampleSymbols) > 0 {
		out += " (e.g. " + strings.Join(blocker.ExampleSymbols, ", ") + ")"
	}
	return out
}

func outcomeEmoji(state types.TerminalState) string {
	switch state {
	case types.TerminalExecuted:
		return "✅"
	case types.TerminalFiltered:
		return "🔀"
	case types.TerminalRejectedByCorrelation:
		return "🔗"
	case types.TerminalRejectedByHeat:
		return "🔥"
	case types.TerminalRejectedByCircuitBreaker:
		return "⚡"
	case types.TerminalRejectedBySizing:
		return "📏"
	case types.TerminalRejectedByBroker:
		return "🚫"
	default:
		return "❓"
	}
}

func statusEmoji(status string) string {
	if status == string(types.ReconcilePass) {
		return "✅ PASS"
	}
	return "❌ " + status
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func formatDuration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return "-"
	}
	return end.Sub(start).Round(time.Millisecond).String()
}
