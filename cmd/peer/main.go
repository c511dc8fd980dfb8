package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"quorumcast/internal/config"
	"quorumcast/internal/logging"
	"quorumcast/internal/peer"
	"quorumcast/internal/protocol"
)

var (
	pid        int64
	nodes      int
	configPath string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "peer",
		Short: "quorumcast peer process",
		Long: `peer runs one quorumcast process: it joins the multicast group,
discovers the other peers, takes part in leader election and, when leading,
drives the periodic consensus rounds.`,
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().Int64Var(&pid, "id", -1, "Peer ID (required, nonnegative; higher IDs win elections)")
	rootCmd.Flags().IntVar(&nodes, "nodes", 0, "Expected group size (informational; membership is discovered)")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to tunables file (default: quorumcast.yaml in the search path)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	_ = rootCmd.MarkFlagRequired("id")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	if pid < 0 {
		return fmt.Errorf("--id must be a nonnegative integer")
	}

	tunables, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewStdLogger(fmt.Sprintf("peer-%d", pid), debug)
	if nodes > 0 {
		logger.Infof("Expecting around %d peers on %s", nodes, tunables.GroupAddr())
	}

	node, err := peer.New(&peer.Config{
		PID:      protocol.PeerID(pid),
		Tunables: tunables,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if err := node.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("Received %v, shutting down", sig)
		node.Stop()
		return nil
	case err := <-node.Fatal():
		logger.Errorf("Fatal transport error: %v", err)
		node.Stop()
		return err
	}
}
