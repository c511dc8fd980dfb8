package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "peerctl",
		Short: "quorumcast operator tooling",
		Long:  `peerctl manages local quorumcast test fleets and rewrites the speed profile.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "quorumcast.yaml", "Path to the tunables file")

	rootCmd.AddCommand(fleetCmd())
	rootCmd.AddCommand(speedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
