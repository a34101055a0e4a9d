// Package grpchealth exposes component health over the standard gRPC
// health checking protocol, so orchestrators can probe the agent and the
// collector without speaking their HTTP APIs.
package grpchealth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/heymex/MeshyMcMapface/internal/logging"
)

// Config holds configuration for the health service
type Config struct {
	ListenAddress string        `yaml:"listen_address" json:"listen_address"`
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen address cannot be empty")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
}

// Check reports a component's health; nil means serving.
type Check func(ctx context.Context) error

// Service is a gRPC server carrying only the health service. Each check is
// a named service; the empty service name is serving only when all are.
type Service struct {
	config Config
	checks map[string]Check
	health *health.Server
	server *grpc.Server
	logger *slog.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates the service. Checks run once before New returns.
func New(config Config, checks map[string]Check, logger *slog.Logger) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.SetDefaults()

	s := &Service{
		config: config,
		checks: checks,
		health: health.NewServer(),
		server: grpc.NewServer(),
		logger: logging.OrDiscard(logger).With("component", "grpchealth"),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.Refresh(context.Background())
	return s, nil
}

// Refresh runs every check and publishes the results.
func (s *Service) Refresh(ctx context.Context) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	slices.Sort(names)

	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range names {
		status := healthpb.HealthCheckResponse_SERVING
		if err := s.checks[name](ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Debug("health check failing", "check", name, "error", err)
		}
		s.health.SetServingStatus(name, status)
	}
	s.health.SetServingStatus("", overall)
}

// Start listens on the configured address and serves in the background.
func (s *Service) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return err
	}
	s.serve(ctx, l)
	return nil
}

// serve runs the server on l plus the periodic check loop.
func (s *Service) serve(ctx context.Context, l net.Listener) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("gRPC health listening", "addr", l.Addr().String())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC health server stopped", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()
}

// Stop marks everything not serving and stops the server. It is safe to
// call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.health.Shutdown()
		if s.cancel != nil {
			s.cancel()
		}
		s.server.GracefulStop()
		s.wg.Wait()
	})
}
