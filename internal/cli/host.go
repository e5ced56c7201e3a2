package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LeJamon/goLockstepd/internal/demo"
	"github.com/LeJamon/goLockstepd/internal/lockstep/session"
)

var (
	listenAddr string
	waitPeers  int
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host a lockstep session",
	Long: `Host a lockstep session of the demo simulation. Followers may join until
the first tick runs; with --wait-peers the host holds the first tick until
that many followers are connected.`,
	RunE: runHost,
}

func init() {
	hostCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides network.listen_addr)")
	hostCmd.Flags().IntVar(&waitPeers, "wait-peers", 0, "followers to wait for before the first tick")
	addWorldFlags(hostCmd)
	rootCmd.AddCommand(hostCmd)
}

func runHost(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Network.ListenAddr = listenAddr
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	l, err := rt.listen()
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Network.ListenAddr, err)
	}

	world := demo.NewWorld(worldSize, worldSize, worldSeed)
	s, err := session.StartHost(ctx, rt.sessionConfig(), rt.deps, world, l)
	if err != nil {
		_ = l.Close()
		return err
	}
	defer s.Close()
	attachWorld(s, world, log)

	log.WithFields(logrus.Fields{
		"session":   s.ID(),
		"transport": cfg.Network.Transport,
		"addr":      l.Addr().String(),
	}).Info("hosting session")

	if waitPeers > 0 {
		log.WithField("peers", waitPeers).Info("waiting for followers")
		if err := s.WaitForPeers(ctx, waitPeers); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return drive(ctx, s, world, log)
}

// signalContext returns the command context, cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
