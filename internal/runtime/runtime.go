package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/bus"
	"github.com/loqalabs/loqa-lipsync/internal/capability"
	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/eventstore"
	"github.com/loqalabs/loqa-lipsync/internal/natsserver"
	"github.com/loqalabs/loqa-lipsync/internal/observe"
	"github.com/loqalabs/loqa-lipsync/internal/pipeline"
	"github.com/loqalabs/loqa-lipsync/internal/protocol"
	"github.com/loqalabs/loqa-lipsync/internal/stream"
	"go.opentelemetry.io/otel/metric"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	components *Components
	renderSvc  *pipeline.Service
	streamSvc  *stream.Service
	nodes      *capability.Registry
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

	tel, err := newTelemetry(ctx, r.cfg, os.Stderr, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	tel.install()
	r.telemetry = tel
	defer r.shutdown()

	metrics, err := observe.NewMetrics(tel.meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	if err := r.store.Ensure(); err != nil {
		return fmt.Errorf("event store misconfigured: %w", err)
	}

	r.components, err = NewComponents(r.cfg, metrics, r.store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/sessions", r.handleSessions)
	mux.HandleFunc("/nodes", r.handleNodes)
	mux.HandleFunc("/history", r.handleHistory)
	mux.HandleFunc("/history/{id}", r.handleHistorySession)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if tel.metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	if name := busCfg.StatusStream; name != "" {
		maxAge := time.Duration(busCfg.StatusRetentionHours) * time.Hour
		subjects := []string{protocol.SubjectStreamDone, protocol.SubjectStreamError}
		if err := r.bus.EnsureStream(name, subjects, maxAge); err != nil {
			r.logger.Warn("status stream unavailable", slog.String("stream", name), slog.String("error", err.Error()))
		}
	}

	r.renderSvc = pipeline.NewService(ctx, r.bus, r.components.Generator, ms(r.cfg.Pipeline.RenderTimeoutMS), r.logger)
	if err := r.renderSvc.Start(); err != nil {
		return fmt.Errorf("start render service: %w", err)
	}
	r.streamSvc = stream.NewService(ctx, r.cfg.Stream, r.bus, r.components.Broker, r.components.Loader, r.components.Avatars, r.logger)
	if err := r.streamSvc.Start(); err != nil {
		return fmt.Errorf("start stream service: %w", err)
	}

	caps := capability.Advertise(r.cfg.Pipeline, r.cfg.Stream, r.components.Avatars.IDs())
	load := func() int { return len(r.components.Broker.Sessions()) }
	var mp metric.MeterProvider
	if r.telemetry != nil {
		mp = r.telemetry.meterProvider
	}
	r.nodes, err = capability.NewRegistry(ctx, r.cfg.Node, caps, load, r.bus, mp, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// shutdown releases everything Start acquired, in reverse order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.nodes != nil {
		r.nodes.Close()
	}
	if r.streamSvc != nil {
		r.streamSvc.Close()
	}
	if r.renderSvc != nil {
		r.renderSvc.Close()
	}
	r.components.Close()
	r.bus.Close()
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}

	if r.telemetry != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if !r.cfg.Bus.Enabled {
		return true
	}
	return r.bus.Healthy() && r.renderSvc != nil && r.renderSvc.Healthy() && r.streamSvc != nil && r.streamSvc.Healthy() && r.nodes.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type sessionView struct {
	ID          string    `json:"id"`
	AvatarID    string    `json:"avatar_id,omitempty"`
	State       string    `json:"state"`
	TotalFrames int       `json:"total_frames"`
	FramesSent  int       `json:"frames_sent"`
	StartedAt   time.Time `json:"started_at"`
}

func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	views := []sessionView{}
	if r.components != nil {
		for _, info := range r.components.Broker.Sessions() {
			views = append(views, sessionView{
				ID:          info.ID,
				AvatarID:    info.AvatarID,
				State:       string(info.State),
				TotalFrames: info.TotalFrames,
				FramesSent:  info.FramesSent,
				StartedAt:   info.StartedAt,
			})
		}
	}
	writeJSON(w, views)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := r.nodes.Query(nil)
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	writeJSON(w, nodes)
}

type historyView struct {
	Session eventstore.Session `json:"session"`
	Events  []eventView        `json:"events"`
}

type eventView struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	sessions, err := r.store.ListSessions(req.Context(), limit)
	if err != nil {
		r.logger.Error("list sessions failed", slog.String("error", err.Error()))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	writeJSON(w, sessions)
}

func (r *Runtime) handleHistorySession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	sess, err := r.store.GetSession(req.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Error("get session failed", slog.String("session_id", id), slog.String("error", err.Error()))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), id, 0)
	if err != nil {
		r.logger.Error("list events failed", slog.String("session_id", id), slog.String("error", err.Error()))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	view := historyView{Session: sess, Events: make([]eventView, 0, len(events))}
	for _, e := range events {
		ev := eventView{Type: e.Type, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			ev.Payload = e.Payload
		} else if len(e.Payload) > 0 {
			ev.Payload, _ = json.Marshal(string(e.Payload))
		}
		view.Events = append(view.Events, ev)
	}
	writeJSON(w, view)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
