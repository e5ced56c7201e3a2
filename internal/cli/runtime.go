package cli

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LeJamon/goLockstepd/internal/archive"
	"github.com/LeJamon/goLockstepd/internal/config"
	"github.com/LeJamon/goLockstepd/internal/demo"
	"github.com/LeJamon/goLockstepd/internal/diagnostics"
	"github.com/LeJamon/goLockstepd/internal/lockstep/desync"
	"github.com/LeJamon/goLockstepd/internal/lockstep/session"
	"github.com/LeJamon/goLockstepd/internal/lockstep/transport"
	"github.com/LeJamon/goLockstepd/internal/metrics"
	"github.com/LeJamon/goLockstepd/internal/status"
)

// Demo world flags shared by the session commands.
var (
	worldSize  int
	worldSeed  uint32
	maxTicks   int64
	placeEvery int64
)

func addWorldFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&worldSize, "size", 32, "demo world width and height")
	cmd.Flags().Uint32Var(&worldSeed, "seed", 1, "demo world random seed")
	cmd.Flags().Int64Var(&maxTicks, "ticks", 0, "stop after this many ticks (0 runs until interrupted)")
	cmd.Flags().Int64Var(&placeEvery, "place-every", 20, "place a random building every N ticks (0 disables)")
}

// runtimeDeps holds the process-wide collaborators of one session.
type runtimeDeps struct {
	cfg  *config.Config
	log  *logrus.Logger
	deps session.Deps

	closers []func() error
	metrics *http.Server
}

func newRuntime(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*runtimeDeps, error) {
	rt := &runtimeDeps{
		cfg:  cfg,
		log:  log,
		deps: session.Deps{
			Logger:   log,
			Registry: demo.NewRegistry(),
		},
	}

	if cfg.Archive.Enabled {
		a, err := archive.Open(archive.Config{Backend: cfg.Archive.Backend, Path: cfg.Archive.Path}, log)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		rt.deps.Archive = a
		rt.closers = append(rt.closers, a.Close)
	}

	if cfg.Diagnostics.Enabled {
		store, err := diagnostics.Open(ctx, diagnostics.NewConfig(cfg.Diagnostics.Driver, cfg.Diagnostics.DSN))
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open diagnostics: %w", err)
		}
		rt.deps.Diagnostics = store
		rt.closers = append(rt.closers, store.Close)
	}

	if cfg.Metrics.Enabled {
		m, err := metrics.New(nil)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.deps.Metrics = m
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		rt.metrics = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	if cfg.Status.Enabled {
		sc := status.DefaultConfig()
		sc.Address = cfg.Status.Address
		srv, err := status.NewServer(sc, log)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := srv.StartAsync(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("start status server: %w", err)
		}
		rt.deps.Status = srv
		rt.closers = append(rt.closers, func() error { srv.Stop(); return nil })
	}
	return rt, nil
}

// Close releases every collaborator in reverse order of creation.
func (rt *runtimeDeps) Close() {
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = rt.metrics.Shutdown(ctx)
		cancel()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.WithError(err).Warn("close failed")
		}
	}
	rt.closers = nil
}

func (rt *runtimeDeps) sessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.MaxCatchUpSpeed = rt.cfg.Sync.MaxCatchUpSpeed
	sc.CatchUpThreshold = rt.cfg.Sync.CatchUpThreshold
	sc.TraceInterval = rt.cfg.Sync.TraceInterval
	sc.TickInterval = rt.cfg.Sync.TickInterval
	sc.ConnectTimeout = rt.cfg.Network.ConnectTimeout
	sc.Detector = desync.Config{
		Retention:      rt.cfg.Sync.TraceRetention,
		PendingReports: rt.cfg.Sync.PendingReports,
	}
	return sc
}

func (rt *runtimeDeps) listen() (transport.Listener, error) {
	n := rt.cfg.Network
	if n.Transport == config.TransportWebSocket {
		l, err := transport.ListenWebSocket(n.ListenAddr, n.WebSocketPath)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	l, err := transport.ListenTCP(n.ListenAddr)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (rt *runtimeDeps) dialer() transport.Dialer {
	n := rt.cfg.Network
	if n.Transport == config.TransportWebSocket {
		return transport.WebSocketDialer{Path: n.WebSocketPath}
	}
	return transport.TCPDialer{}
}

// attachWorld routes the world's traces into the session's detector.
func attachWorld(s *session.Session, w *demo.World, log logrus.FieldLogger) {
	w.SetTracer(s.Trace)
	w.SetLogger(log)
}

// drive runs s until it fails, ctx is done or maxTicks is reached. A bot
// places a random building every placeEvery ticks.
func drive(ctx context.Context, s *session.Session, w *demo.World, log logrus.FieldLogger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bot := rand.New(rand.NewSource(time.Now().UnixNano()))
	kinds := []string{"house", "farm", "mill"}
	s.Synchronizer().OnTick(func(completed int64) {
		if maxTicks > 0 && completed+1 >= maxTicks {
			cancel()
			return
		}
		if placeEvery <= 0 || (completed+1)%placeEvery != 0 || s.Role() == session.RolePlayback {
			return
		}
		body := demo.PlaceBuilding{X: bot.Intn(worldSize), Y: bot.Intn(worldSize), Kind: kinds[bot.Intn(len(kinds))]}
		if err := s.RecordEvent(ctx, body); err != nil {
			log.WithError(err).Warn("could not record event")
		}
	})

	err := s.Run(ctx, w)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.WithFields(logrus.Fields{
		"ticks":      s.TicksSinceLoad(),
		"buildings":  len(w.Buildings()),
		"population": w.Population(),
	}).Info("session finished")
	if err != nil {
		return errors.New(session.Describe(err))
	}
	return nil
}
