package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LeJamon/goLockstepd/internal/demo"
	"github.com/LeJamon/goLockstepd/internal/lockstep/session"
)

var recordFile string

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Run a single-player session and record its events",
	Long: `Run a single-player session of the demo simulation, appending every
event to a replay file. Replaying the file into a world built with the same
--size and --seed reproduces the run exactly.`,
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringVarP(&recordFile, "file", "f", "lockstep.replay", "replay file to append to")
	addWorldFlags(recordCmd)
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	world := demo.NewWorld(worldSize, worldSize, worldSeed)
	s, err := session.StartRecording(rt.sessionConfig(), rt.deps, world, recordFile)
	if err != nil {
		return err
	}
	defer s.Close()
	attachWorld(s, world, log)

	log.WithFields(logrus.Fields{
		"session": s.ID(),
		"file":    recordFile,
	}).Info("recording session")
	return drive(ctx, s, world, log)
}
