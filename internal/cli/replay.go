package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LeJamon/goLockstepd/internal/archive"
	"github.com/LeJamon/goLockstepd/internal/demo"
	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/replay"
	"github.com/LeJamon/goLockstepd/internal/lockstep/session"
)

var (
	replayFile    string
	replayArchive string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded or archived session",
	Long: `Replay a session as fast as possible.

With --file the events of a replay file are applied to a fresh world built
from --size and --seed. With --archive the world is restored from the
archived snapshot and every archived tick batch is applied in order.`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayFile, "file", "f", "", "replay file written by the record command")
	replayCmd.Flags().StringVar(&replayArchive, "archive", "", "session archive directory")
	addWorldFlags(replayCmd)
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	if (replayFile == "") == (replayArchive == "") {
		return errors.New("exactly one of --file or --archive is required")
	}
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	// A replay never writes to the archive it may be reading.
	cfg.Archive.Enabled = false

	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	world := demo.NewWorld(worldSize, worldSize, worldSeed)
	var events []event.Event
	if replayFile != "" {
		events, err = replay.LoadFile(replayFile, rt.deps.Registry)
		if err != nil {
			return err
		}
	} else {
		events, err = loadArchive(ctx, cfg.Archive.Backend, world, rt.deps.Registry, log)
		if err != nil {
			return err
		}
	}

	s, err := session.StartPlayback(rt.sessionConfig(), rt.deps, world, events)
	if err != nil {
		return err
	}
	defer s.Close()
	attachWorld(s, world, log)

	log.WithFields(logrus.Fields{
		"session": s.ID(),
		"events":  len(events),
	}).Info("replaying session")
	return drive(ctx, s, world, log)
}

func loadArchive(ctx context.Context, backend string, world *demo.World, reg *event.Registry, log logrus.FieldLogger) ([]event.Event, error) {
	a, err := archive.Open(archive.Config{Backend: backend, Path: replayArchive}, log)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer a.Close()

	if meta, err := a.Meta(ctx); err == nil {
		log.WithFields(logrus.Fields{
			"archived_session": meta.SessionID,
			"role":             meta.Role,
		}).Info("loaded archive")
	}
	snapshot, err := a.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if err := world.LoadSnapshot(snapshot); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return a.Events(ctx, reg)
}
