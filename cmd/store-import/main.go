// store-import loads a CSV or Excel store master file from the command line.
//
//	go run ./cmd/store-import --file stores.xlsx --mode merge --actor ops@example.com
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/mmdatafocus/opsfeedback_backend/models"
)

func main() {
	file := flag.String("file", "", "Required: path to a .csv or .xlsx file")
	modeStr := flag.String("mode", "merge", "insert (fail on existing store_id) or merge (update changed fields)")
	actor := flag.String("actor", "store-import", "Recorded as changed_by in the audit log")
	dryRun := flag.Bool("dry-run", false, "Parse the file and print rows without writing")
	flag.Parse()

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}
	mode, err := models.ParseImportMode(*modeStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --mode: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *file, err)
		os.Exit(1)
	}
	defer f.Close()
	rows, err := models.ParseStoreRows(*file, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", *file, err)
		os.Exit(1)
	}
	if *dryRun {
		for _, r := range rows {
			fmt.Printf("row %d: %s %v\n", r.Row, r.StoreId(), r.Fields)
		}
		fmt.Printf("%d rows parsed\n", len(rows))
		return
	}

	db, err := config.ConnectDatabaseWithRetry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "database not configured: %v\n", err)
		os.Exit(1)
	}
	result, err := models.ImportStores(context.Background(), db, rows, mode, *actor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "import failed: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if len(result.Errors) > 0 {
		os.Exit(3)
	}
}
