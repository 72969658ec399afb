// ABOUTME: version command printing the build version
// ABOUTME: The version string is injected by goreleaser at build time

package main

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("bq-gateway version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
