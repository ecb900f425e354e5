package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/mmdatafocus/panel_ledger/workflow"
)

func main() {
	os.Exit(run())
}

// run returns the exit code so deferred cleanup happens before the process exits.
func run() int {
	entityID := flag.Int("entity", 0, "Optional: reconcile only one entity. If 0, reconciles every entity.")
	from := flag.String("from", "", "Optional: start date (YYYY-MM-DD). Defaults to the entity's first ledger day.")
	to := flag.String("to", "", "Optional: end date (YYYY-MM-DD). Defaults to yesterday in the entity's zone.")
	flag.Parse()

	fromDate, err := optionalDate(*from)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	toDate, err := optionalDate(*to)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx := utils.SetActorInContext(context.Background(), "BackfillDailyLedger")
	// Explicit DB connect (config no longer connects DB in init()).
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		return 1
	}
	config.ConnectRedisWithRetry(ctx)
	defer config.CloseRedis()

	// Ensure schema is up-to-date (creates daily_ledgers if missing).
	models.MigrateTable()

	var opts []workflow.Option
	if notifier := config.NewPubSubNotifier(); notifier != nil {
		opts = append(opts, workflow.WithNotifier(notifier))
		defer config.ClosePubSub()
	}
	ledger := workflow.New(db, config.GetLogger(), opts...)

	return reconcile(ctx, ledger, *entityID, fromDate, toDate, os.Stdout, os.Stderr)
}

// reconcile runs one entity or all of them, prints a line per report and returns the exit code.
func reconcile(ctx context.Context, ledger *workflow.Ledger, entityID int, fromDate, toDate time.Time, out, errOut io.Writer) int {
	exitCode := 0

	var reports []*workflow.ReconcileReport
	if entityID > 0 {
		report, err := ledger.Reconcile(ctx, entityID, fromDate, toDate)
		if err != nil {
			fmt.Fprintf(errOut, "entity %d reconcile failed: %v\n", entityID, err)
			return 1
		}
		reports = append(reports, report)
	} else {
		var err error
		reports, err = ledger.ReconcileAll(ctx, fromDate, toDate)
		if err != nil {
			fmt.Fprintf(errOut, "reconcile finished with failures: %v\n", err)
			exitCode = 1
		}
	}

	for _, r := range reports {
		fmt.Fprintf(out, "entity=%d from=%s to=%s days=%d backfilled=%d repaired=%d closed=%d pending_resumed=%d live_balance_repaired=%t\n",
			r.EntityId, r.FromDate, r.ToDate, r.DaysChecked, r.Backfilled, r.Repaired, r.Closed, r.PendingResumed, r.LiveBalance != nil)
	}
	fmt.Fprintln(out, "Backfill completed.")
	return exitCode
}

func optionalDate(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return utils.ParseLedgerDate(s)
}
