package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/claudette-home/internal/bus"
	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/eventstore"
	"github.com/loqalabs/claudette-home/internal/homestate"
	"github.com/loqalabs/claudette-home/internal/natsserver"
	"github.com/loqalabs/claudette-home/internal/protocol"
	"github.com/loqalabs/claudette-home/internal/satellite"
	"github.com/loqalabs/claudette-home/internal/session"
)

const retentionInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	events     *eventstore.Store
	satellites *satellite.Registry
	home       *homestate.Store
	pipeline   *pipeline
	tuneSub    *nats.Subscription
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
	r.metrics = metricsHandler
	defer r.shutdown()

	if err := r.connect(ctx); err != nil {
		return err
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.events.RunRetention(ctx, retentionInterval)
	}()

	r.satellites, err = satellite.NewRegistry(ctx, r.cfg.Node, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start satellite registry: %w", err)
	}

	r.pipeline, err = buildPipeline(ctx, r.cfg, r.bus, r.satellites, r.events, r.logger)
	if err != nil {
		return err
	}
	r.home = r.pipeline.home
	if err := registerContextMetrics(r.home); err != nil {
		r.logger.Warn("context metrics unavailable", slog.String("error", err.Error()))
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.home.Run(ctx)
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.pipeline.listen(ctx); err != nil {
			r.logger.Error("audio listener stopped", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.tuneSub, err = r.bus.Conn().Subscribe(protocol.SubjectWakeTune, r.handleWakeTune)
	if err != nil {
		return fmt.Errorf("subscribe wake tuning: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsSrv = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("node_id", r.cfg.Node.ID),
		slog.String("room", r.cfg.Node.Room))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) connect(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.embedded = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

// shutdown tears components down in reverse order of start.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.metricsSrv != nil {
		_ = r.metricsSrv.Shutdown(shutdownCtx)
	}
	if r.tuneSub != nil {
		_ = r.tuneSub.Drain()
	}
	if r.pipeline != nil {
		r.pipeline.close()
	}
	r.wg.Wait()
	if r.satellites != nil {
		r.satellites.Close()
	}
	if err := r.events.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}
	r.bus.Close()
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleWakeTune(msg *nats.Msg) {
	var tune protocol.WakeTune
	if err := json.Unmarshal(msg.Data, &tune); err != nil {
		r.logger.Warn("failed to decode wake tune", slog.String("error", err.Error()))
		return
	}
	n := r.pipeline.orch.Tune(tune)
	r.logger.Info("wake tuning applied", slog.String("device_id", tune.DeviceID), slog.Int("listeners", n))
	if msg.Reply != "" {
		_ = msg.Respond([]byte(strconv.Itoa(n)))
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/sessions", r.handleSessions)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready means the bus is connected and a fresh home snapshot is available.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := r.readiness(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) readiness() error {
	if !r.ready.Load() {
		return errors.New("starting")
	}
	if !r.bus.Healthy() {
		return errors.New("bus disconnected")
	}
	if r.home == nil {
		return errors.New("no context store")
	}
	if _, err := r.home.Fresh(time.Now()); err != nil {
		return err
	}
	return nil
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var sessions []eventstore.Session
	if r.events != nil {
		var err error
		sessions, err = r.events.RecentSessions(req.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessions)
}

var _ session.Publisher = (*bus.Client)(nil)
