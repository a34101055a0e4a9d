// Command mmm-server runs the collector: the HTTP API agents report to and
// operators query, backed by PostgreSQL or an in-memory topology store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/heymex/MeshyMcMapface/internal/config"
	"github.com/heymex/MeshyMcMapface/internal/eventlog"
	"github.com/heymex/MeshyMcMapface/internal/grpchealth"
	"github.com/heymex/MeshyMcMapface/internal/httpapi"
	"github.com/heymex/MeshyMcMapface/internal/logging"
	"github.com/heymex/MeshyMcMapface/internal/topology"
	topologypkg "github.com/heymex/MeshyMcMapface/pkg/topology"
)

const appName = "mmm-server"

var version = "dev"

type options struct {
	configPath  string
	envFile     string
	addr        string
	noAuth      bool
	memory      bool
	showVersion bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&o.configPath, "config", "c", "", "configuration file (YAML or JSONC)")
	fs.StringVar(&o.envFile, "env-file", ".env", "optional environment file")
	fs.StringVar(&o.addr, "addr", "", "listen address, overrides the configuration")
	fs.BoolVar(&o.noAuth, "no-auth", false, "disable authentication (development only)")
	fs.BoolVar(&o.memory, "memory", false, "use the in-memory topology store even if a database is configured")
	fs.BoolVar(&o.showVersion, "version", false, "print the version and exit")
	err := fs.Parse(args)
	return o, err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if o.showVersion {
		fmt.Fprintf(stdout, "%s %s\n", appName, version)
		return nil
	}

	if err := config.LoadEnv(o.envFile); err != nil {
		return err
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger = logger.With("service", appName)

	store, err := openStore(ctx, cfg, o.memory, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(ropts)
		defer rdb.Close()
		logger.Info("using redis for rate limiting and idempotency", "addr", ropts.Addr)
	}

	events := eventlog.New(cfg.EventLogCapacity)
	defer events.Close()

	cfg.HTTP.Version = version
	srv, err := httpapi.NewServer(cfg.HTTP, httpapi.Deps{
		Store:  store,
		Events: events,
		Redis:  rdb,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if cfg.GRPCHealth.ListenAddress != "" {
		hs, err := grpchealth.New(cfg.GRPCHealth, storeChecks(store, rdb), logger)
		if err != nil {
			return err
		}
		if err := hs.Start(ctx); err != nil {
			return err
		}
		defer hs.Stop()
	}

	go srv.RunHousekeeping(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func loadConfig(o options) (*config.Server, error) {
	var cfg *config.Server
	if o.configPath != "" {
		c, err := config.LoadServer(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = &config.Server{}
		cfg.ApplyEnv(os.Getenv)
	}
	if o.addr != "" {
		cfg.HTTP.Addr = o.addr
	}
	if o.noAuth {
		cfg.HTTP.NoAuth = true
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Server, memory bool, logger *slog.Logger) (topologypkg.Store, error) {
	if memory || cfg.Postgres.URL == "" {
		logger.Warn("using in-memory topology store; data is lost on restart")
		return topology.NewMemoryStore(), nil
	}
	store, err := topology.OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to postgres")
	return store, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func storeChecks(store topologypkg.Store, rdb *redis.Client) map[string]grpchealth.Check {
	checks := map[string]grpchealth.Check{
		"store": func(ctx context.Context) error {
			if p, ok := store.(pinger); ok {
				return p.Ping(ctx)
			}
			_, err := store.Stats(ctx)
			return err
		},
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	return checks
}
