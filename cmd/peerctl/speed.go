package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"quorumcast/internal/config"
)

func speedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "speed <profile>",
		Short: "Rewrite the tunables file with a named speed profile",
		Long: `speed rewrites the tunables file so that subsequently launched peers run
with one of the named timing profiles: ` + strings.Join(config.ProfileNames(), ", ") + `.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			profile := args[0]
			if err := config.WriteProfile(profile, configPath); err != nil {
				return err
			}
			fmt.Printf("Wrote %q profile to %s\n", profile, configPath)
			return nil
		},
	}
	return cmd
}
