// Command mmm-agent runs an edge collector next to a radio node.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/heymex/MeshyMcMapface/internal/agent"
	"github.com/heymex/MeshyMcMapface/internal/config"
	"github.com/heymex/MeshyMcMapface/internal/logging"
)

const appName = "mmm-agent"

var version = "dev"

type options struct {
	configPath  string
	envFile     string
	logLevel    string
	checkConfig bool
	showVersion bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&o.configPath, "config", "c", "agent.yaml", "configuration file (YAML or JSONC)")
	fs.StringVar(&o.envFile, "env-file", ".env", "optional environment file")
	fs.StringVar(&o.logLevel, "log-level", "", "log level, overrides the configuration")
	fs.BoolVar(&o.checkConfig, "check-config", false, "validate the configuration and exit")
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
	cfg, err := config.LoadAgent(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.checkConfig {
		fmt.Fprintf(stdout, "configuration ok: %s\n", cfg)
		return nil
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger = logger.With("service", appName)

	a, err := agent.New(ctx, cfg, agent.Options{Logger: logger, Version: version})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return err
	}
	logger.Info("agent running", "config", o.configPath, "version", version)

	<-ctx.Done()
	logger.Info("shutting down")
	return a.Stop(context.Background())
}
