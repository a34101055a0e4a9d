// Package agent wires the edge collector together: radio bridge, fan-out,
// per-destination delivery, route discovery, heartbeat and the local
// status surfaces.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/heymex/MeshyMcMapface/internal/clock"
	"github.com/heymex/MeshyMcMapface/internal/config"
	"github.com/heymex/MeshyMcMapface/internal/delivery"
	"github.com/heymex/MeshyMcMapface/internal/discovery"
	"github.com/heymex/MeshyMcMapface/internal/fanout"
	"github.com/heymex/MeshyMcMapface/internal/grpchealth"
	"github.com/heymex/MeshyMcMapface/internal/health"
	"github.com/heymex/MeshyMcMapface/internal/localdb"
	"github.com/heymex/MeshyMcMapface/internal/logging"
	"github.com/heymex/MeshyMcMapface/internal/queue"
	"github.com/heymex/MeshyMcMapface/internal/radio"
	deliverypkg "github.com/heymex/MeshyMcMapface/pkg/delivery"
	discoverypkg "github.com/heymex/MeshyMcMapface/pkg/discovery"
)

// ErrClosed is returned by Start after Stop.
var ErrClosed = errors.New("agent is stopped")

// Options carries collaborators that are not part of the file
// configuration. Every field is optional.
type Options struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Version string

	// Transports replaces the HTTP transport per destination name.
	Transports map[string]deliverypkg.Transport
	// Prober replaces the radio bridge as the discovery prober. The bridge
	// still runs for inbound events when a radio URL is configured.
	Prober discoverypkg.Prober
}

// Agent is one running edge collector.
type Agent struct {
	cfg     *config.Agent
	version string
	clock   clock.Clock
	logger  *slog.Logger

	db       *localdb.DB
	queue    *queue.SQLite
	monitors map[string]*health.Monitor
	clients  []*delivery.Client
	coord    *fanout.Coordinator
	manager  *discovery.Manager
	bridge   *radio.Bridge
	watcher  *discovery.PriorityWatcher
	grpc     *grpchealth.Service
	status   *http.Server

	started time.Time

	mu        sync.Mutex
	running   bool
	closed    bool
	producers context.CancelFunc
	senders   context.CancelFunc
	prodWG    sync.WaitGroup
	sendWG    sync.WaitGroup
}

// New builds an agent from cfg. The local database is opened and every
// component constructed, but nothing runs until Start.
func New(ctx context.Context, cfg *config.Agent, opts Options) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:      cfg,
		version:  opts.Version,
		clock:    clock.OrReal(opts.Clock),
		logger:   logging.OrDiscard(opts.Logger).With("agent", cfg.Agent.ID),
		monitors: make(map[string]*health.Monitor),
	}

	db, err := localdb.Open(ctx, localdb.Config{Path: cfg.DatabasePath, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	a.db = db

	if err := a.build(ctx, opts); err != nil {
		a.closeStorage()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build(ctx context.Context, opts Options) error {
	q, err := queue.NewSQLite(ctx, a.db, a.cfg.Destinations, queue.Options{
		Lease:  a.cfg.QueueLease,
		Clock:  a.clock,
		Logger: a.logger,
	})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	a.queue = q

	healthStore := health.NewSQLiteStore(a.db)
	saved, err := healthStore.LoadHealth(ctx)
	if err != nil {
		return fmt.Errorf("load health: %w", err)
	}

	reg := delivery.Registration{
		AgentID:      a.cfg.Agent.ID,
		LocationName: a.cfg.Agent.LocationName,
		Latitude:     a.cfg.Agent.Latitude,
		Longitude:    a.cfg.Agent.Longitude,
		LocalNodeID:  a.cfg.Agent.LocalNodeID,
	}
	for _, d := range a.cfg.Destinations {
		if !d.IsEnabled() {
			continue
		}
		m := health.NewMonitor(d.Name, a.cfg.HealthFor(d), a.logger)
		if rec, ok := saved[d.Name]; ok {
			m.Restore(rec)
		}
		a.monitors[d.Name] = m

		transport := opts.Transports[d.Name]
		if transport == nil {
			t, err := delivery.NewHTTPTransport(d, reg)
			if err != nil {
				return err
			}
			transport = t
		}
		client, err := delivery.NewClient(delivery.Config{
			Destination: d,
			Queue:       q,
			Transport:   transport,
			Monitor:     m,
			HealthStore: healthStore,
			Clock:       a.clock,
			Logger:      a.logger,
		})
		if err != nil {
			return err
		}
		a.clients = append(a.clients, client)
	}

	a.coord, err = fanout.New(fanout.Config{
		AgentID:      a.cfg.Agent.ID,
		Destinations: a.cfg.Destinations,
		Queue:        q,
		Monitors:     a.monitors,
		Handlers:     []fanout.Handler{fanout.NewHandler("discovery", a.nodeSeen, fanout.CapNodes)},
		Clock:        a.clock,
		Logger:       a.logger,
	})
	if err != nil {
		return err
	}

	if a.cfg.Radio.URL != "" {
		a.bridge, err = radio.NewBridge(a.cfg.Radio, radio.Handlers{
			OnEvent:    a.onRadioEvent,
			OnResponse: a.onRadioResponse,
		}, a.logger)
		if err != nil {
			return err
		}
	}

	if a.cfg.Discovery.IsEnabled() {
		prober := opts.Prober
		if prober == nil && a.bridge != nil {
			prober = a.bridge
		}
		a.manager, err = discovery.NewManager(a.cfg.Discovery.Config, discovery.Deps{
			Prober: prober,
			Cache:  discovery.NewSQLiteCache(a.db),
			Sink:   a.coord,
			Clock:  a.clock,
			Logger: a.logger,
		})
		if err != nil {
			return err
		}
		if path := a.cfg.Discovery.PriorityFile; path != "" {
			a.watcher, err = discovery.NewPriorityWatcher(path, a.manager.SetPriorityNodes, 0, a.logger)
			if err != nil {
				return err
			}
		}
	}

	if a.cfg.GRPCHealth.ListenAddress != "" {
		a.grpc, err = grpchealth.New(a.cfg.GRPCHealth, a.healthChecks(), a.logger)
		if err != nil {
			return err
		}
	}
	if a.cfg.StatusAddr != "" {
		a.status = &http.Server{
			Addr:              a.cfg.StatusAddr,
			Handler:           a.statusHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

// Start runs every component. Pending discovery requests from a previous
// run are recovered first and every destination is registered with
// concurrently. Calling Start on a running agent does nothing.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.running {
		return nil
	}

	if a.manager != nil {
		if err := a.manager.Recover(ctx); err != nil {
			return err
		}
	}
	a.register(ctx)
	a.started = a.clock.Now()

	sendCtx, senders := context.WithCancel(context.WithoutCancel(ctx))
	a.senders = senders
	for _, c := range a.clients {
		a.sendWG.Add(1)
		go func() {
			defer a.sendWG.Done()
			if err := c.Run(sendCtx); err != nil {
				a.logger.Error("delivery client stopped", "destination", c.Destination().Name, "error", err)
			}
		}()
	}

	prodCtx, producers := context.WithCancel(context.WithoutCancel(ctx))
	a.producers = producers
	if err := a.coord.Start(prodCtx); err != nil {
		producers()
		senders()
		return err
	}
	a.goProducer(func() { a.heartbeatLoop(prodCtx) })
	if a.manager != nil {
		a.goProducer(func() {
			if err := a.manager.Run(prodCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("discovery stopped", "error", err)
			}
		})
	}
	if a.bridge != nil {
		a.goProducer(func() {
			if err := a.bridge.Run(prodCtx); err != nil {
				a.logger.Error("radio bridge stopped", "error", err)
			}
		})
	}
	if a.watcher != nil {
		if err := a.watcher.Start(prodCtx); err != nil {
			a.logger.Warn("priority file watch unavailable", "path", a.cfg.Discovery.PriorityFile, "error", err)
			a.watcher.Stop()
			a.watcher = nil
		}
	}
	if a.grpc != nil {
		if err := a.grpc.Start(prodCtx); err != nil {
			a.logger.Warn("gRPC health unavailable", "error", err)
			a.grpc = nil
		}
	}
	if a.status != nil {
		a.goProducer(func() {
			if err := a.status.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("status endpoint stopped", "error", err)
			}
		})
	}

	a.running = true
	a.logger.Info("agent started",
		"destinations", len(a.clients),
		"discovery", a.manager != nil,
		"radio", a.bridge != nil,
	)
	return nil
}

func (a *Agent) goProducer(fn func()) {
	a.prodWG.Add(1)
	go func() {
		defer a.prodWG.Done()
		fn()
	}()
}

// register announces the agent to every destination at once. A failed
// registration is retried by the client before its next delivery.
func (a *Agent) register(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range a.clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Register(ctx)
		}()
	}
	wg.Wait()
}

// Stop shuts the agent down: producers first, then the partial batches
// are flushed into the queue and the delivery clients get the shutdown
// grace period (bounded by ctx) to drain before storage is closed. It is
// safe to call more than once.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if a.running {
		if a.status != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := a.status.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.producers()
		a.prodWG.Wait()
		if a.grpc != nil {
			a.grpc.Stop()
		}

		if err := a.coord.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush batches: %w", err))
		}
		a.drain(ctx)
		a.senders()
		a.sendWG.Wait()
		a.running = false
	}

	if a.manager != nil {
		if err := a.manager.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("agent stopped")
	return errors.Join(errs...)
}

// drain waits until the queue has nothing ready for a healthy destination
// or the grace period ends.
func (a *Agent) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGrace)
	defer cancel()
	for {
		if !a.deliverable(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			a.logger.Warn("shutdown grace elapsed with envelopes still queued")
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (a *Agent) deliverable(ctx context.Context) bool {
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return false
	}
	for _, s := range stats {
		m, ok := a.monitors[s.Destination]
		if ok && s.Ready > 0 && m.State() == deliverypkg.Healthy {
			return true
		}
	}
	return false
}

func (a *Agent) closeStorage() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// Submit hands a locally observed event to the fan-out coordinator.
func (a *Agent) Submit(e deliverypkg.Event) error {
	return a.coord.Submit(e, a.cfg.Agent.ID)
}

// Discovery returns the route discovery manager, or nil when disabled.
func (a *Agent) Discovery() *discovery.Manager {
	return a.manager
}

func (a *Agent) onRadioEvent(e deliverypkg.Event) {
	if err := a.Submit(e); err != nil {
		a.logger.Debug("radio event dropped", "error", err)
	}
}

func (a *Agent) onRadioResponse(resp discoverypkg.Response) bool {
	if a.manager == nil {
		return false
	}
	return a.manager.HandleResponse(resp)
}

func (a *Agent) nodeSeen(_ context.Context, item fanout.Item) {
	if a.manager != nil && item.Event != nil {
		a.manager.NodeSeen(item.Event.FromNode)
	}
}
