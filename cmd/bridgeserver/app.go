package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nixpig/jobbridge/internal/bridge"
	"github.com/nixpig/jobbridge/internal/jobstore"
	"github.com/nixpig/jobbridge/internal/supervisor"
	"github.com/nixpig/jobbridge/internal/supervisor/cgroups"
	"golang.org/x/sync/errgroup"
)

const minSweepInterval = time.Second

// app is a configured server with its listeners open.
type app struct {
	cfg    *config
	logger *slog.Logger

	group *errgroup.Group
	ctx   context.Context

	store      jobstore.Store
	memory     *jobstore.MemoryStore
	closeStore func() error
	controller *bridge.Controller

	grpc         *grpcServer
	grpcListener net.Listener
	http         *httpServer
	httpListener net.Listener
}

// newApp builds every component from cfg and opens the listeners. Servers do
// not accept connections until run is called. Cancelling ctx shuts them down.
func newApp(ctx context.Context, cfg *config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	a.group, a.ctx = errgroup.WithContext(ctx)

	defer func() {
		if err != nil {
			for _, l := range []net.Listener{a.grpcListener, a.httpListener} {
				if l != nil {
					l.Close()
				}
			}

			a.close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var limits *cgroups.ResourceLimits
	if !cfg.Cgroup.Limits.IsZero() {
		limits = &cfg.Cgroup.Limits
	}

	sup, err := supervisor.NewExecSupervisor(supervisor.Config{
		Program:    cfg.Worker.Program,
		Args:       cfg.Worker.Args,
		Dir:        cfg.Worker.Dir,
		Env:        cfg.Worker.Env,
		CgroupRoot: cfg.Cgroup.Root,
		Limits:     limits,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create supervisor: %w", err)
	}

	a.controller = bridge.NewController(
		a.store,
		sup,
		logger,
		bridge.WithTransitionHook(func(jobID string, from, to bridge.State) {
			logger.Debug("stream state", "job_id", jobID, "from", from, "to", to)
		}),
	)

	submitter := bridge.NewSubmitter(a.store, logger)

	if cfg.GRPCAddr != "" {
		a.grpc, err = newGRPCServer(a.ctx, submitter, a.controller, logger, cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("create grpc server: %w", err)
		}

		a.grpcListener, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return nil, fmt.Errorf("listen grpc: %w", err)
		}
	}

	if cfg.HTTPAddr != "" {
		a.http = newHTTPServer(a.ctx, submitter, a.controller, logger, cfg.CORSOrigins)

		a.httpListener, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return nil, fmt.Errorf("listen http: %w", err)
		}
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case storeRedis:
		client, err := jobstore.NewRedisClient(ctx, a.cfg.Store.Redis)
		if err != nil {
			return err
		}

		a.store = jobstore.NewRedisStore(client, a.cfg.Store.KeyPrefix, a.cfg.Store.TTL)
		a.closeStore = client.Close

	default:
		a.memory = jobstore.NewMemoryStore(a.cfg.Store.TTL)
		a.store = a.memory
	}

	a.logger.Info("job store ready", "backend", a.cfg.Store.Backend, "ttl", a.cfg.Store.TTL)

	return nil
}

// run serves until the context given to newApp is cancelled or a server
// fails, then shuts everything down.
func (a *app) run() error {
	defer a.close()

	if a.grpc != nil {
		a.group.Go(func() error {
			return a.grpc.serve(a.grpcListener)
		})

		a.group.Go(func() error {
			<-a.ctx.Done()

			ctx, cancel := a.shutdownContext()
			defer cancel()

			a.grpc.shutdown(ctx)

			return nil
		})
	}

	if a.http != nil {
		a.group.Go(func() error {
			return a.http.serve(a.httpListener)
		})

		a.group.Go(func() error {
			<-a.ctx.Done()

			ctx, cancel := a.shutdownContext()
			defer cancel()

			a.http.shutdown(ctx)

			return nil
		})
	}

	if a.memory != nil && a.cfg.Store.TTL > 0 {
		a.group.Go(func() error {
			a.sweep(max(a.cfg.Store.TTL/2, minSweepInterval))
			return nil
		})
	}

	err := a.group.Wait()

	a.logger.Info("server stopped", "err", err)

	return err
}

func (a *app) shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(
		context.WithoutCancel(a.ctx),
		a.cfg.ShutdownTimeout,
	)
}

// sweep periodically drops expired records from the in-memory store.
func (a *app) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if n := a.memory.Sweep(); n > 0 {
				a.logger.Debug("expired jobs swept", "count", n)
			}
		}
	}
}

func (a *app) grpcAddr() string {
	if a.grpcListener == nil {
		return ""
	}

	return a.grpcListener.Addr().String()
}

func (a *app) httpAddr() string {
	if a.httpListener == nil {
		return ""
	}

	return a.httpListener.Addr().String()
}

func (a *app) close() {
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Warn("close job store", "err", err)
		}

		a.closeStore = nil
	}
}
