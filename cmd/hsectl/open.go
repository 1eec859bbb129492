package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smoyergh/hsekv/pkg/kvengine"
)

func openEngine(cmd *cobra.Command) (*kvengine.Engine, error) {
	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		return nil, fmt.Errorf("--path is required")
	}
	durable, _ := cmd.Flags().GetBool("durable")
	return kvengine.Open(kvengine.EngineOptions{Path: path, Durable: durable})
}
