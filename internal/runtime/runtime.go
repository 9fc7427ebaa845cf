package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-kitten/internal/audio"
	"github.com/loqalabs/loqa-kitten/internal/audio/miniaudio"
	"github.com/loqalabs/loqa-kitten/internal/bus"
	"github.com/loqalabs/loqa-kitten/internal/config"
	"github.com/loqalabs/loqa-kitten/internal/control"
	"github.com/loqalabs/loqa-kitten/internal/engine"
	"github.com/loqalabs/loqa-kitten/internal/eventstore"
	"github.com/loqalabs/loqa-kitten/internal/natsserver"
	"github.com/loqalabs/loqa-kitten/internal/presence"
	"github.com/loqalabs/loqa-kitten/internal/tts"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store    *eventstore.Store
	recorder *eventstore.Recorder
	driver   audio.Driver
	graph    *audio.Graph
	engine   *engine.Engine
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	control  *control.Service
	presence *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startEngine(ctx); err != nil {
		return err
	}
	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle(r.cfg.Telemetry.MetricsPath, metricsHandler)
	}
	(&api{engine: r.engine, store: r.store, defaults: r.cfg.Engine, logger: r.logger.With(slog.String("component", "http"))}).register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(1)
	go r.pruneLoop(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("backend", r.cfg.Backend.Mode), slog.String("audio", r.driver.Name()))

	select {
	case <-ctx.Done():
	case <-r.engine.Done():
		r.logger.Error("engine loop exited unexpectedly")
	}
	cancel()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) startEngine(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.recorder = eventstore.NewRecorder(store, r.cfg.EventStore.Buffer, r.logger)

	r.driver = openDriver(r.cfg.Audio, r.logger)
	r.graph = audio.NewGraph(r.driver, r.logger)

	eng, err := engine.New(r.cfg.Engine, tts.NewLoader(r.cfg.Backend, r.logger), r.graph, r.recorder, r.logger)
	if err != nil {
		return err
	}
	r.engine = eng
	eng.Start(ctx)
	return nil
}

// openDriver acquires the platform audio device. Failure is not fatal: the
// runtime keeps a real-time null output so the engine still cycles.
func openDriver(cfg config.AudioConfig, logger *slog.Logger) audio.Driver {
	period := time.Duration(cfg.PeriodMS) * time.Millisecond
	if cfg.Driver == "null" {
		return audio.NullDriver{Period: period}
	}
	drv, err := miniaudio.New(cfg.PeriodMS, logger)
	if err != nil {
		logger.Warn("audio device unavailable, using null output", slog.String("error", err.Error()))
		return audio.NullDriver{Period: period}
	}
	return drv
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName+"-"+r.cfg.Node.ID, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	r.control = control.NewService(ctx, r.cfg.Engine, r.cfg.Node.ID, client, r.engine, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("start bus control: %w", err)
	}

	reg, err := presence.NewRegistry(ctx, r.cfg.Node, presence.LocalCapabilities(r.cfg.Backend.Mode), client,
		func() string { return r.engine.State().Phase.String() }, r.logger)
	if err != nil {
		return fmt.Errorf("start presence: %w", err)
	}
	r.presence = reg
	return nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown releases everything Start acquired, outermost surface first.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.presence != nil {
		r.presence.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()

	var errs []error
	if r.engine != nil {
		errs = append(errs, r.engine.Close())
	}
	if r.graph != nil {
		errs = append(errs, r.graph.Close())
	}
	if r.driver != nil {
		errs = append(errs, r.driver.Close())
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.tracerClose != nil {
		errs = append(errs, r.tracerClose(shutdownCtx))
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() || r.engine == nil {
		return false
	}
	if r.engine.State().Phase == engine.PhaseLoading {
		return false
	}
	if r.control != nil && !r.control.Healthy() {
		return false
	}
	return true
}
