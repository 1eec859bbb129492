package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smoyergh/hsekv/pkg/kvengine"
)

var truncateCmd = &cobra.Command{
	Use:   "truncate",
	Short: "Truncate a record store or oplog ident",
	Long: `Truncate drops every record under the named ident. For an
oplog ident, --after restricts this to a capped truncate-after instead
of a full wipe: every record with id greater than (or, with
--inclusive, greater than or equal to) the given id is removed.`,
	RunE: runTruncate,
}

func init() {
	truncateCmd.Flags().String("ident", "", "ident to truncate (required)")
	truncateCmd.Flags().Int64("after", -1, "oplog-only: truncate-after this record id instead of a full wipe")
	truncateCmd.Flags().Bool("inclusive", false, "oplog-only: include --after's id itself in the truncation")
	_ = truncateCmd.MarkFlagRequired("ident")
}

func runTruncate(cmd *cobra.Command, args []string) error {
	ident, _ := cmd.Flags().GetString("ident")
	after, _ := cmd.Flags().GetInt64("after")
	inclusive, _ := cmd.Flags().GetBool("inclusive")

	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	if os, ok := e.GetOplogStore(ident); ok {
		return truncateOplog(e, os, after, inclusive)
	}
	if cs, ok := e.GetCappedRecordStore(ident); ok {
		return truncateRecordStore(e, cs.RecordStore)
	}
	if rs, ok := e.GetRecordStore(ident); ok {
		return truncateRecordStore(e, rs)
	}
	return fmt.Errorf("ident %q is not a record store or oplog", ident)
}

func truncateRecordStore(e *kvengine.Engine, rs *kvengine.RecordStore) error {
	ru := e.NewRecoveryUnit()
	if err := rs.Truncate(ru); err != nil {
		ru.Abort()
		return err
	}
	if err := ru.Commit(); err != nil {
		return err
	}
	fmt.Printf("truncated record store %q\n", rs.Ident())
	return nil
}

func truncateOplog(e *kvengine.Engine, os *kvengine.OplogStore, after int64, inclusive bool) error {
	ru := e.NewRecoveryUnit()
	if after < 0 {
		if err := os.Truncate(ru); err != nil {
			ru.Abort()
			return err
		}
		if err := ru.Commit(); err != nil {
			return err
		}
		fmt.Printf("truncated oplog %q\n", os.Ident())
		return nil
	}

	lastKept, numDel, sizeDel, err := os.CappedTruncateAfter(ru, kvengine.RecordID(after), inclusive)
	if err != nil {
		ru.Abort()
		return err
	}
	if err := ru.Commit(); err != nil {
		return err
	}
	fmt.Printf("truncated oplog %q after id %d: kept through %d, removed %d records (%d bytes)\n",
		os.Ident(), after, lastKept, numDel, sizeDel)
	return nil
}
