// Command report renders a persisted run from the bot's store: the console
// tables the bot prints after each run, rebuilt offline, plus an optional
// Excel workbook for spreadsheet review.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ducminhle1904/multi-strategy-bot/internal/store"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/reporting"
)

func main() {
	var (
		storePath = flag.String("store", filepath.Join("data", "bot.db"), "Path to the bot's sqlite store")
		runID     = flag.String("run", "latest", "Run id to report, or 'latest'")
		excelPath = flag.String("excel", "", "Also write an Excel workbook to this path")
		list      = flag.Int("list", 0, "List the most recent N runs and exit")
	)
	flag.Parse()

	st, err := store.Open(*storePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()

	if *list > 0 {
		if err := listRuns(ctx, st, *list); err != nil {
			log.Fatalf("Failed to list runs: %v", err)
		}
		return
	}

	id, err := resolveRunID(ctx, st, *runID)
	if err != nil {
		log.Fatalf("%v", err)
	}

	rep, err := reporting.Load(ctx, st, id)
	if err != nil {
		log.Fatalf("Failed to load run: %v", err)
	}
	reporting.NewConsoleReporter(nil).PrintRun(rep)

	if *excelPath != "" {
		if err := reporting.NewExcelReporter().WriteRunXLSX(rep, *excelPath); err != nil {
			log.Fatalf("Failed to write Excel report: %v", err)
		}
		fmt.Printf("📊 Excel report saved to: %s\n", *excelPath)
	}
}

// resolveRunID maps the -run flag to a concrete run id. "latest" (or an
// empty value) means the most recently started run.
func resolveRunID(ctx context.Context, st *store.Store, requested string) (string, error) {
	if requested != "" && !strings.EqualFold(requested, "latest") {
		return requested, nil
	}
	latest, err := st.LatestRun(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find latest run: %w", err)
	}
	if latest == nil {
		return "", fmt.Errorf("store has no runs yet")
	}
	return latest.RunID, nil
}

func listRuns(ctx context.Context, st *store.Store, limit int) error {
	runs, err := st.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("Store has no runs yet")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("🗂️ Recent Runs")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Run ID", "Status", "Blocked By", "Started (UTC)", "Duration"})
	for i := range runs {
		run := &runs[i]
		duration := "-"
		if !run.FinishedAt.IsZero() {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{
			run.RunID,
			run.Status,
			orDash(run.BlockedBy),
			run.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			duration,
		})
	}
	t.Render()
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
