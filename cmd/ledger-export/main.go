package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/mmdatafocus/panel_ledger/workflow"
)

// Exports daily ledger rows as xlsx. With -out the workbook (one sheet per entity) is
// written locally; otherwise each entity's workbook is uploaded to GCS_BUCKET.
func main() {
	entities := flag.String("entities", "", "Comma-separated entity ids (required).")
	from := flag.String("from", "", "Start date (YYYY-MM-DD, required).")
	to := flag.String("to", "", "End date (YYYY-MM-DD, required).")
	out := flag.String("out", "", "Optional: write the workbook to this path instead of uploading.")
	flag.Parse()

	ids, err := parseIds(*entities)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fromDate, err := utils.ParseLedgerDate(*from)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	toDate, err := utils.ParseLedgerDate(*to)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx := utils.SetActorInContext(context.Background(), "LedgerExport")
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	ledger := workflow.New(db, config.GetLogger())

	if *out != "" {
		data, err := ledger.ExportLedger(ctx, ids, fromDate, toDate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", *out, err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s (%d bytes)\n", *out, len(data))
		return
	}

	failed := 0
	for _, id := range ids {
		data, err := ledger.ExportLedger(ctx, []int{id}, fromDate, toDate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "entity %d export failed: %v\n", id, err)
			failed++
			continue
		}
		name := utils.ExportObjectName(id, utils.FormatLedgerDate(fromDate), utils.FormatLedgerDate(toDate))
		if err := utils.UploadBytesToGCS(ctx, name, data, utils.XlsxContentType); err != nil {
			fmt.Fprintf(os.Stderr, "entity %d upload failed: %v\n", id, err)
			failed++
			continue
		}
		fmt.Printf("uploaded %s\n", name)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func parseIds(csv string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid entity id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("-entities is required")
	}
	return ids, nil
}
