package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smoyergh/hsekv/pkg/metrics"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Open the engine and print its component health snapshot as JSON",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	metrics.SetVersion(Version)

	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	status := metrics.GetHealth()
	if err := enc.Encode(status); err != nil {
		return fmt.Errorf("hsectl: encode health status: %w", err)
	}
	if status.Status != "healthy" {
		return fmt.Errorf("hsectl: engine reported unhealthy components")
	}
	return nil
}
