package cli

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LeJamon/goLockstepd/internal/demo"
	"github.com/LeJamon/goLockstepd/internal/lockstep/session"
)

var joinCmd = &cobra.Command{
	Use:   "join [host address]",
	Short: "Join a hosted lockstep session",
	Long: `Join a hosted lockstep session. The follower loads the host's snapshot,
then mirrors every tick the host broadcasts. The address defaults to
network.host_addr.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJoin,
}

func init() {
	addWorldFlags(joinCmd)
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Network.HostAddr
	if len(args) > 0 {
		addr = args[0]
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	// The seed is irrelevant: the host's snapshot replaces the whole world.
	world := demo.NewWorld(worldSize, worldSize, 0)
	s, err := session.JoinHost(ctx, rt.sessionConfig(), rt.deps, world, rt.dialer(), addr)
	if err != nil {
		return errors.New(session.Describe(err))
	}
	defer s.Close()
	attachWorld(s, world, log)

	log.WithFields(logrus.Fields{
		"session":   s.ID(),
		"host":      addr,
		"buildings": len(world.Buildings()),
	}).Info("joined session")
	return drive(ctx, s, world, log)
}
