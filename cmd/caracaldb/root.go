package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const Version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "caracaldb",
		Short: "range-partitioned replicated key-value store",
		Long: fmt.Sprintf(`caracaldb (v%s)

A key-value store whose replica groups agree on every operation with
Multi-Paxos and move data to new members in the background.`, Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of caracaldb",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("caracaldb v%s\n", Version)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
