package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smoyergh/hsekv/pkg/elog"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hsectl",
	Short: "hsectl - operator CLI for a hsekv storage engine directory",
	Long: `hsectl opens a hsekv engine directory directly (no running host
process required) and exposes the operational surfaces an operator
would otherwise only reach through the host database's own admin
commands: per-ident stats, a forced counter/durability sync, and
oplog truncation.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hsectl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("path", "", "engine directory (required)")
	rootCmd.PersistentFlags().Bool("durable", false, "open with journaling enabled")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	_ = rootCmd.MarkPersistentFlagRequired("path")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(truncateCmd)
	rootCmd.AddCommand(healthCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	elog.Init(elog.Config{Level: elog.Level(level), JSONOutput: jsonOut})
}
