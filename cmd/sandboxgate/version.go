package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sciffer/sandboxgate/pkg/api"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func init() {
	api.Version = version
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("sandboxgate %s (commit: %s, built: %s)\n", version, commit, date)
	},
}
