// Package status serves a read-only HTTP view of the running backup: per-job
// progress, the final summary, recent events and runtime charts.
package status

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/arl/statsviz"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/exchange-backup/internal/app/backup"
	"github.com/ahrav/exchange-backup/internal/domain/events"
	"github.com/ahrav/exchange-backup/internal/infra/eventbus/memory"
	"github.com/ahrav/exchange-backup/internal/infra/eventbus/serialization"
	"github.com/ahrav/exchange-backup/internal/infra/storage/journal/postgres"
	"github.com/ahrav/exchange-backup/pkg/common/logger"
	"github.com/ahrav/exchange-backup/pkg/common/otel"
)

// recentEventLimit bounds the events kept for /v1/events.
const recentEventLimit = 200

// HistoryReader returns journaled transitions of one account.
type HistoryReader interface {
	History(ctx context.Context, account string, limit int) ([]postgres.Transition, error)
}

// Config configures the status server.
type Config struct {
	Addr  string
	Build string
}

// EventView is the JSON form of a published event.
type EventView struct {
	Type       string         `json:"type"`
	Key        string         `json:"key,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

// Server exposes the progress tracker over HTTP.
type Server struct {
	cfg     Config
	router  *gin.Engine
	tracker *backup.ProgressTracker
	history HistoryReader

	mu     sync.RWMutex
	recent []EventView

	logger *logger.Logger
	tracer trace.Tracer
}

// NewServer creates the status server. history may be nil when no journal is configured.
func NewServer(cfg Config, tracker *backup.ProgressTracker, history HistoryReader, log *logger.Logger, tracer trace.Tracer) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(loggerMiddleware(log))

	s := &Server{
		cfg:     cfg,
		router:  r,
		tracker: tracker,
		history: history,
		logger:  log.With("component", "status_server"),
		tracer:  tracer,
	}

	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

func loggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		log.Debug(ctx, "Request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"trace_id", otel.GetTraceID(ctx),
		)
	}
}

func (s *Server) routes() error {
	v1 := s.router.Group("/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/jobs", s.handleJobs)
	v1.GET("/jobs/:org/:service/:address", s.handleJob)
	v1.GET("/jobs/:org/:service/:address/history", s.handleHistory)
	v1.GET("/summary", s.handleSummary)
	v1.GET("/events", s.handleEvents)

	viz, err := statsviz.NewServer()
	if err != nil {
		return err
	}
	index, ws := viz.Index(), viz.Ws()
	s.router.GET("/debug/statsviz/*filepath", func(c *gin.Context) {
		if c.Param("filepath") == "/ws" {
			ws(c.Writer, c.Request)
			return
		}
		index(c.Writer, c.Request)
	})
	return nil
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "status")
}

// Subscribe records every event published on broker until ctx is done.
func (s *Server) Subscribe(ctx context.Context, broker *memory.Broker) error {
	return broker.Subscribe(ctx, func(ctx context.Context, env events.EventEnvelope) error {
		payload, err := serialization.PayloadStruct(env.Type, env.Payload)
		if err != nil {
			s.logger.Debug(ctx, "Dropping event that cannot be serialized", "type", string(env.Type), "error", err)
			return nil
		}
		s.mu.Lock()
		s.recent = append(s.recent, EventView{
			Type:       string(env.Type),
			Key:        env.Key,
			OccurredAt: env.Timestamp,
			Payload:    payload.AsMap(),
		})
		if over := len(s.recent) - recentEventLimit; over > 0 {
			s.recent = append(s.recent[:0:0], s.recent[over:]...)
		}
		s.mu.Unlock()
		return nil
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Status server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "build": s.cfg.Build})
}

func (s *Server) handleJobs(c *gin.Context) {
	counts := make(map[string]int)
	for st, n := range s.tracker.Counts() {
		counts[st.String()] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":     s.tracker.RunID(),
		"started_at": s.tracker.StartedAt(),
		"counts":     counts,
		"jobs":       s.tracker.Jobs(),
	})
}

func accountKey(c *gin.Context) string {
	return c.Param("org") + "/" + c.Param("service") + "/" + c.Param("address")
}

func (s *Server) handleJob(c *gin.Context) {
	snap, ok := s.tracker.Job(accountKey(c))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not enrolled"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal not configured"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	ctx, span := s.tracer.Start(c.Request.Context(), "status.history")
	defer span.End()

	transitions, err := s.history.History(ctx, accountKey(c), limit)
	if err != nil {
		span.RecordError(err)
		s.logger.Error(ctx, "Failed to read journal", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if transitions == nil {
		transitions = []postgres.Transition{}
	}
	c.JSON(http.StatusOK, gin.H{"account": accountKey(c), "transitions": transitions})
}

func (s *Server) handleSummary(c *gin.Context) {
	summary := s.tracker.Summary()
	if summary == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "running", "run_id": s.tracker.RunID()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "finished",
		"exit_code": summary.ExitCode(),
		"summary":   summary,
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	s.mu.RLock()
	out := make([]EventView, len(s.recent))
	copy(out, s.recent)
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"events": out})
}
