package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"worldstream/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "index db path (default: <data>/loads.db)")
	id := fs.String("id", "", "print the lifecycle trail of one request id")
	kind := fs.String("kind", "", "count events of this kind")
	_ = fs.Parse(args)

	path := *dbPath
	if path == "" {
		path = filepath.Join(*dataDir, "loads.db")
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	if *id != "" {
		hist, err := idx.History(*id)
		if err != nil {
			fmt.Fprintln(os.Stderr, "history:", err)
			os.Exit(1)
		}
		if len(hist) == 0 {
			fmt.Fprintf(os.Stderr, "no events for id %s\n", *id)
			os.Exit(1)
		}
		for _, r := range hist {
			fmt.Printf("%s %-8s (%d,%d) tier=%s dur=%.1fms retries=%d %s\n",
				r.At, r.Kind, r.CX, r.CZ, r.Tier, r.DurationMs, r.Retries, r.Reason)
		}
		return
	}

	total, err := idx.EventCount(*kind)
	if err != nil {
		fmt.Fprintln(os.Stderr, "count:", err)
		os.Exit(1)
	}
	if *kind != "" {
		fmt.Printf("%s events: %d\n", *kind, total)
		return
	}
	fmt.Printf("events: %d\n", total)
	for _, k := range []string{"submit", "dispatch", "complete", "fail", "cancel"} {
		n, err := idx.EventCount(k)
		if err != nil {
			fmt.Fprintln(os.Stderr, "count:", err)
			os.Exit(1)
		}
		fmt.Printf("  %-8s %d\n", k, n)
	}
	stats, err := idx.StatsCount()
	if err == nil {
		fmt.Printf("stats rows: %d\n", stats)
	}
}
