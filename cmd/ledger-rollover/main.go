package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/mmdatafocus/panel_ledger/workflow"
)

// Runs the daily close/open job. Intended for a scheduler shortly after local midnight.
func main() {
	os.Exit(run())
}

// run returns the exit code so deferred cleanup happens before the process exits.
func run() int {
	entityID := flag.Int("entity", 0, "Optional: roll over one entity. If 0, rolls over every active entity.")
	date := flag.String("date", "", "Ledger date to close (YYYY-MM-DD). Required with -entity.")
	skipMigrate := flag.Bool("skip-migrate", false, "Do not run AutoMigrate before the rollover.")
	flag.Parse()

	if *entityID > 0 && strings.TrimSpace(*date) == "" {
		fmt.Fprintln(os.Stderr, "-date is required with -entity")
		return 2
	}

	ctx := utils.SetActorInContext(context.Background(), "LedgerRollover")
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		return 1
	}
	config.ConnectRedisWithRetry(ctx)
	defer config.CloseRedis()
	if !*skipMigrate && !config.SkipMigrations() {
		models.MigrateTable()
	}

	var opts []workflow.Option
	if notifier := config.NewPubSubNotifier(); notifier != nil {
		opts = append(opts, workflow.WithNotifier(notifier))
		defer config.ClosePubSub()
	}
	ledger := workflow.New(db, config.GetLogger(), opts...)

	if *entityID > 0 {
		d, err := utils.ParseLedgerDate(*date)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		result, err := ledger.Rollover(ctx, *entityID, d)
		if err != nil {
			fmt.Fprintf(os.Stderr, "entity %d rollover failed: %v\n", *entityID, err)
			return 1
		}
		fmt.Printf("entity=%d closed=%s closing=%s opened=%s opening=%s\n", *entityID,
			utils.FormatLedgerDate(result.Closed.LedgerDate), result.Closed.ClosingBalance,
			utils.FormatLedgerDate(result.Opened.LedgerDate), result.Opened.OpeningBalance)
		return 0
	}

	summary, err := ledger.RolloverAll(ctx, time.Time{})
	if summary != nil {
		fmt.Printf("processed=%d failed=%d\n", summary.Processed, summary.Failed)
		for id, msg := range summary.Errors {
			fmt.Fprintf(os.Stderr, "entity %d: %s\n", id, msg)
		}
	}
	if err != nil {
		return 1
	}
	return 0
}
