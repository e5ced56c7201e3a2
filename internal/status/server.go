package status

import (
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server serves the health service.
type Server struct {
	mu sync.RWMutex

	grpcServer *grpc.Server
	health     *health.Server
	cfg        Config
	log        logrus.FieldLogger

	listener net.Listener
	running  bool
}

// NewServer creates a status server. The service starts NOT_SERVING.
func NewServer(cfg Config, logger logrus.FieldLogger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}

	gs := grpc.NewServer(grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize))
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		grpcServer: gs,
		health:     hs,
		cfg:        cfg,
		log:        logger.WithField("component", "status"),
	}, nil
}

// StartAsync listens on the configured address and serves in a goroutine.
func (s *Server) StartAsync() error {
	l, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.ServeAsync(l)
}

// ServeAsync serves on l in a goroutine.
func (s *Server) ServeAsync(l net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	s.listener = l
	s.running = true
	s.mu.Unlock()

	go func() {
		if err := s.grpcServer.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.WithError(err).Warn("status server stopped")
		}
	}()
	return nil
}

// SetServing reports the session as SERVING or NOT_SERVING.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

// Address returns the listening address, or "" before serving.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.Shutdown()
	if !s.running {
		return
	}
	s.grpcServer.Stop()
	s.running = false
}
