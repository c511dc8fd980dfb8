package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"quorumcast/internal/config"
	"quorumcast/internal/logging"
	"quorumcast/internal/protocol"
	"quorumcast/internal/transport"
)

// fleetState remembers the peers launched by "fleet start" so that "stop"
// and "kill-leader" can find their processes again.
type fleetState struct {
	Session string      `json:"session"`
	Binary  string      `json:"binary"`
	Peers   []fleetPeer `json:"peers"`
}

type fleetPeer struct {
	ID    uint64 `json:"id"`
	OSPid int    `json:"os_pid"`
}

func statePath() string {
	return filepath.Join(os.TempDir(), "quorumcast-fleet.json")
}

func loadState() (*fleetState, error) {
	data, err := os.ReadFile(statePath())
	if err != nil {
		return nil, fmt.Errorf("no running fleet (state file %s): %w", statePath(), err)
	}
	var state fleetState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt fleet state: %w", err)
	}
	return &state, nil
}

func saveState(state *fleetState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(statePath(), data, 0o644)
}

func fleetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Manage a local test fleet of peers",
	}

	cmd.AddCommand(fleetStartCmd())
	cmd.AddCommand(fleetStopCmd())
	cmd.AddCommand(fleetKillLeaderCmd())

	return cmd
}

func fleetStartCmd() *cobra.Command {
	var (
		count   int
		baseID  uint64
		peerBin string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch N peer processes on this host",
		RunE: func(_ *cobra.Command, _ []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			if _, err := loadState(); err == nil {
				return fmt.Errorf("a fleet is already recorded in %s; run \"fleet stop\" first", statePath())
			}

			state := &fleetState{
				Session: uuid.NewString(),
				Binary:  peerBin,
			}

			for i := 0; i < count; i++ {
				id := baseID + uint64(i)
				args := []string{"--id", strconv.FormatUint(id, 10)}
				if configPath != "" {
					if _, err := os.Stat(configPath); err == nil {
						args = append(args, "--config", configPath)
					}
				}

				proc := exec.Command(peerBin, args...)
				proc.Stdout = os.Stdout
				proc.Stderr = os.Stderr
				if err := proc.Start(); err != nil {
					return fmt.Errorf("start peer %d: %w", id, err)
				}
				state.Peers = append(state.Peers, fleetPeer{ID: id, OSPid: proc.Process.Pid})
				fmt.Printf("Started peer %d (os pid %d)\n", id, proc.Process.Pid)

				// Released processes outlive peerctl; the state file is the
				// only handle kept on them.
				if err := proc.Process.Release(); err != nil {
					fmt.Fprintf(os.Stderr, "release peer %d: %v\n", id, err)
				}
			}

			return saveState(state)
		},
	}

	cmd.Flags().IntVar(&count, "count", 3, "Number of peers to launch")
	cmd.Flags().Uint64Var(&baseID, "base-id", 1, "Peer ID of the first process; the rest count up")
	cmd.Flags().StringVar(&peerBin, "peer-bin", "peer", "Path to the peer binary")

	return cmd
}

func fleetStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Terminate every recorded fleet process",
		RunE: func(_ *cobra.Command, _ []string) error {
			state, err := loadState()
			if err != nil {
				return err
			}

			for _, p := range state.Peers {
				if err := syscall.Kill(p.OSPid, syscall.SIGTERM); err != nil {
					fmt.Fprintf(os.Stderr, "peer %d (os pid %d): %v\n", p.ID, p.OSPid, err)
					continue
				}
				fmt.Printf("Stopped peer %d (os pid %d)\n", p.ID, p.OSPid)
			}

			return os.Remove(statePath())
		},
	}
}

func fleetKillLeaderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-leader",
		Short: "Discover the current leader over the group and kill it",
		Long: `kill-leader joins the multicast group, sends a HELLO and waits for the
leader's HELLO_ACK, then sends SIGKILL to the matching fleet process. Used to
exercise failure detection and re-election.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			state, err := loadState()
			if err != nil {
				return err
			}

			tunables, err := config.Load(configPath)
			if err != nil {
				tunables = config.Default()
			}

			leader, err := discoverLeader(tunables)
			if err != nil {
				return err
			}
			fmt.Printf("Leader is peer %d\n", leader)

			for i, p := range state.Peers {
				if protocol.PeerID(p.ID) != leader {
					continue
				}
				if err := syscall.Kill(p.OSPid, syscall.SIGKILL); err != nil {
					return fmt.Errorf("kill leader %d (os pid %d): %w", p.ID, p.OSPid, err)
				}
				fmt.Printf("Killed leader %d (os pid %d)\n", p.ID, p.OSPid)

				state.Peers = append(state.Peers[:i], state.Peers[i+1:]...)
				return saveState(state)
			}

			return fmt.Errorf("leader %d is not a fleet process", leader)
		},
	}
}

// discoverLeader greets the group and waits for the leader to answer.
func discoverLeader(tunables *config.Config) (protocol.PeerID, error) {
	tr := transport.NewUDPMulticast(tunables.GroupAddr(), tunables.MulticastTTL, logging.Nop{})

	origin := uuid.NewString()
	leaderCh := make(chan protocol.PeerID, 1)

	tr.SetHandler(func(data []byte, _ *net.UDPAddr) {
		msg, err := protocol.Decode(data)
		if err != nil || msg.Origin == origin {
			return
		}
		switch msg.Type {
		case protocol.OpHelloAck:
			select {
			case leaderCh <- *msg.Leader:
			default:
			}
		case protocol.OpLeader:
			select {
			case leaderCh <- *msg.PID:
			default:
			}
		}
	})

	if err := tr.Start(); err != nil {
		return 0, err
	}
	defer tr.Stop()

	hello, err := protocol.Encode(&protocol.Message{
		Type:   protocol.OpHello,
		Origin: origin,
	})
	if err != nil {
		return 0, err
	}
	if err := tr.Send(hello); err != nil {
		return 0, err
	}

	select {
	case leader := <-leaderCh:
		return leader, nil
	case <-time.After(tunables.HelloTimeout):
		return 0, fmt.Errorf("no leader answered within %s", tunables.HelloTimeout)
	}
}
