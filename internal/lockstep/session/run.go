package session

import (
	"context"
	"time"

	"github.com/LeJamon/goLockstepd/internal/lockstep/replay"
)

// Stepper advances the simulation by one tick.
type Stepper interface {
	Step()
}

// Run drives the session until ctx is done, the session fails, or a
// playback runs out of events. Ticks are paced at TickInterval divided by
// the governed speed.
func (s *Session) Run(ctx context.Context, sim Stepper) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = DefaultConfig().TickInterval
	}
	idle := interval / 4
	if idle < time.Millisecond {
		idle = time.Millisecond
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if pb, ok := s.io.(*replay.Playback); ok && pb.Exhausted() && s.sync.TicksSinceLoad() > pb.LastTick() {
			return nil
		}

		ran, err := s.Update(ctx)
		if err != nil {
			return err
		}
		if !ran {
			timer.Reset(idle)
			continue
		}
		sim.Step()
		if err := s.TickCompleted(); err != nil {
			return err
		}
		timer.Reset(s.delay(interval))
	}
}

func (s *Session) delay(interval time.Duration) time.Duration {
	if s.role == RolePlayback {
		return 0
	}
	speed := s.sync.Speed()
	if speed <= 0 {
		return interval
	}
	return time.Duration(float64(interval) / speed)
}
