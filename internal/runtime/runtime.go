package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/capture"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/console"
	"github.com/loqalabs/loqa-recorder/internal/control"
	"github.com/loqalabs/loqa-recorder/internal/coordinator"
	"github.com/loqalabs/loqa-recorder/internal/encoder"
	"github.com/loqalabs/loqa-recorder/internal/eventstore"
	"github.com/loqalabs/loqa-recorder/internal/natsserver"
	"github.com/loqalabs/loqa-recorder/internal/workitem"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	consoleIn  io.Reader
	consoleOut io.Writer

	journal *eventstore.Store
	capture *capture.Controller
	coord   *coordinator.Coordinator
	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	control *control.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// SetConsole attaches the operator console. It only runs when enabled in config.
func (r *Runtime) SetConsole(in io.Reader, out io.Writer) {
	r.consoleIn = in
	r.consoleOut = out
}

// Start builds the recorder, serves it until ctx is done or the console
// quits, then tears everything down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		r.shutdown()
		return err
	}

	var addr string
	if r.cfg.HTTP.Enabled {
		addr = fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           r.routes(metricsHandler),
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("http server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("endpoint", r.cfg.Endpoint.BaseURL()),
		slog.String("device", r.cfg.Capture.Device),
		slog.Bool("portaudio", capture.PortAudioAvailable))

	if err := r.coord.Load(ctx); err != nil {
		r.logger.Warn("initial work item fetch failed, reload to retry", slog.String("error", err.Error()))
	}

	if r.cfg.Console.Enabled && r.consoleIn != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer cancel()
			con := console.New(r.coord, r.consoleIn, r.consoleOut, r.logger)
			if err := con.Run(ctx); err != nil && !errors.Is(err, console.ErrQuit) && !errors.Is(err, context.Canceled) {
				r.logger.Warn("console stopped", slog.String("error", err.Error()))
			}
		}()
	}

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	r.wg.Wait()
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	journal, err := eventstore.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journal = journal

	device, err := capture.NewDevice(r.cfg.Capture, r.logger)
	if err != nil {
		return fmt.Errorf("capture device: %w", err)
	}
	opts := capture.ControllerOptionsFromConfig(r.cfg.Capture)
	opts.Prepare = encoder.EnsureRegistered
	opts.Observer = func(info capture.BufferInfo) { r.coord.OnBufferChanged(info) }
	r.capture = capture.NewController(device, opts, r.logger)

	client := workitem.NewClient(r.cfg.Endpoint.BaseURL(),
		time.Duration(r.cfg.Endpoint.TimeoutMS)*time.Millisecond, r.logger)
	r.coord = coordinator.New(coordinator.Options{
		Capture:  r.capture,
		Fetcher:  workitem.NewFetcher(client, r.logger),
		Uploader: client,
		Finalize: encoder.WAV{}.Finalize,
		Journal:  journal,
	}, r.logger)

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil && len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	svc, err := control.NewService(ctx, client, r.coord, r.logger)
	if err != nil {
		return err
	}
	r.control = svc
	return nil
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.control.Close()
	r.bus.Close()
	r.nats.Shutdown()

	if r.coord != nil {
		if err := r.coord.Close(); err != nil {
			r.logger.Warn("capture release error", slog.String("error", err.Error()))
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("journal close error", slog.String("error", err.Error()))
		}
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
