package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/smoyergh/hsekv/pkg/kvengine"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print per-ident record/data/index size counters",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	idents := e.Idents()
	names := make([]string, 0, len(idents))
	for name := range idents {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-30s %-12s %12s %14s %12s\n", "IDENT", "KIND", "RECORDS", "DATA BYTES", "INDEX BYTES")
	for _, name := range names {
		kind := idents[name]
		switch kind {
		case "collection":
			printRecordStoreStats(e, name, kind)
		case "oplog":
			printOplogStats(e, name, kind)
		case "std-index", "uniq-index":
			printIndexStats(e, name, kind)
		}
	}
	return nil
}

func printRecordStoreStats(e *kvengine.Engine, name, kind string) {
	if cs, ok := e.GetCappedRecordStore(name); ok {
		fmt.Printf("%-30s %-12s %12d %14d %12s\n", name, kind, cs.NumRecords(), cs.DataSize(), "-")
		return
	}
	if rs, ok := e.GetRecordStore(name); ok {
		fmt.Printf("%-30s %-12s %12d %14d %12s\n", name, kind, rs.NumRecords(), rs.DataSize(), "-")
	}
}

func printOplogStats(e *kvengine.Engine, name, kind string) {
	if os, ok := e.GetOplogStore(name); ok {
		fmt.Printf("%-30s %-12s %12d %14d %12s\n", name, kind, os.NumRecords(), os.DataSize(), "-")
	}
}

func printIndexStats(e *kvengine.Engine, name, kind string) {
	if ix, ok := e.GetIndex(name); ok {
		fmt.Printf("%-30s %-12s %12s %14s %12d\n", name, kind, "-", "-", ix.IndexSize())
	}
}
