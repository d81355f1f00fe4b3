// Package main runs the evalsync agent: the local evaluation store, the
// background sync loop and the localhost API the UI shell talks to.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimhsiao/evalsync/internal/api"
	"github.com/kimhsiao/evalsync/internal/config"
	"github.com/kimhsiao/evalsync/internal/logging"
	"github.com/kimhsiao/evalsync/internal/obfuscate"
	"github.com/kimhsiao/evalsync/internal/store"
	syncpkg "github.com/kimhsiao/evalsync/internal/sync"
	"github.com/kimhsiao/evalsync/internal/sync/connectivity"
	"github.com/kimhsiao/evalsync/internal/sync/queue"
	"github.com/kimhsiao/evalsync/internal/sync/reconcile"
	"github.com/kimhsiao/evalsync/internal/sync/remote"
	"github.com/kimhsiao/evalsync/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("EVALSYNC_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evalsyncd: %v\n", err)
		os.Exit(1)
	}

	logging.Init(os.Stdout, logging.ParseLevel(cfg.Log.Level))
	logging.Get().SetFormat(logging.Format(cfg.Log.Format))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("evalsyncd stopped with an error", err)
		os.Exit(1)
	}
}

// app holds every long-lived component.
type app struct {
	store     store.RecordStore
	monitor   *connectivity.Monitor
	scheduler *scheduler.Scheduler
	hub       *api.Hub
	handler   http.Handler
}

// newApp opens storage, restores the queue and wires the sync pipeline.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	records, err := store.Open(ctx, store.Config{
		Backend:   cfg.Store.Backend,
		Path:      cfg.Store.Path,
		Namespace: cfg.Store.Namespace,
		RedisAddr: cfg.Store.RedisAddr,
		RedisDB:   cfg.Store.RedisDB,
	})
	if err != nil {
		return nil, err
	}

	codec, err := obfuscate.New(cfg.Codec.Passphrase)
	if err != nil {
		records.Close()
		return nil, err
	}
	secure := store.NewSecure(records, codec)

	q := queue.New(secure)
	if err := q.Load(ctx); err != nil {
		records.Close()
		return nil, err
	}

	client := remote.New(remote.Config{
		BaseURL:         cfg.Remote.BaseURL,
		SubmitPath:      cfg.Remote.SubmitPath,
		EvaluationsPath: cfg.Remote.EvaluationsPath,
		VersionPath:     cfg.Remote.VersionPath,
	}, remote.NewStoreTokenSource(secure))

	monitor := connectivity.NewMonitor(client, connectivity.Config{
		SettleDelay:   cfg.Connectivity.SettleDelay,
		ProbeTimeout:  cfg.Connectivity.ProbeTimeout,
		RetryInterval: cfg.Connectivity.RetryInterval,
	})

	hub := api.NewHub()
	hub.ForwardTransitions(monitor.Subscribe())

	engine := syncpkg.NewSyncEngine(q, client, monitor, secure, hub)
	engine.SetEventHandler(hub.HandleSyncEvent)

	sched := scheduler.NewScheduler(engine, monitor, q, &scheduler.SchedulerConfig{
		RecheckInterval: cfg.Connectivity.RecheckInterval,
	})

	handler := api.NewHandler(api.Deps{
		Secure:      secure,
		Queue:       q,
		Engine:      engine,
		Monitor:     monitor,
		Scheduler:   sched,
		Evaluations: reconcile.NewService(secure, client, cfg.Remote.FetchTimeout),
		Hub:         hub,
	})

	return &app{
		store:     records,
		monitor:   monitor,
		scheduler: sched,
		hub:       hub,
		handler:   api.NewRouter(handler),
	}, nil
}

// start launches the scheduler. The agent assumes a link until the shell
// reports otherwise; the first probe settles the real state.
func (a *app) start(ctx context.Context) {
	a.scheduler.Start(ctx)
	a.monitor.SetOnline(true)
}

// close stops components in reverse dependency order.
func (a *app) close() {
	a.scheduler.Stop()
	a.monitor.Close()
	a.hub.Close()
	if err := a.store.Close(); err != nil {
		logging.Warn("Failed to close record store", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// run serves the API until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	listener, err := net.Listen("tcp", cfg.API.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.API.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()

	a.start(ctx)
	logging.Info("evalsyncd started", map[string]interface{}{
		"version":  Version,
		"listen":   listener.Addr().String(),
		"backend":  cfg.Store.Backend,
		"base_url": cfg.Remote.BaseURL,
	})

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
