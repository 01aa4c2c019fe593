// Package api serves the operations HTTP API: health, metrics and operator
// actions on the queue and tickets.
package api

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"

	"github.com/gotrs-io/shopdesk/internal/config"
	"github.com/gotrs-io/shopdesk/internal/mailqueue"
	"github.com/gotrs-io/shopdesk/internal/metrics"
	"github.com/gotrs-io/shopdesk/internal/models"
	"github.com/gotrs-io/shopdesk/internal/tickets"
)

// QueueOps is the part of the outbound queue the API exposes.
type QueueOps interface {
	Status(ctx context.Context) (*mailqueue.QueueStatus, error)
	RetryFailed(ctx context.Context, id int64) error
}

// TicketOps is the operator side of the ticket service.
type TicketOps interface {
	Reply(ctx context.Context, ticketID int64, in tickets.ReplyInput) (tickets.ReplyResult, error)
	SetStatus(ctx context.Context, ticketID int64, status models.TicketStatus) (models.TicketStatus, error)
}

// Server owns the gin router and its health checks.
type Server struct {
	cfg     config.ServerConfig
	queue   QueueOps
	tickets TicketOps
	health  healthcheck.Handler
	metrics string
	logger  *log.Logger
	router  *gin.Engine
}

// Option customizes a Server.
type Option func(*Server)

// WithDatabaseCheck adds a readiness check pinging db.
func WithDatabaseCheck(db *sql.DB) Option {
	return func(s *Server) {
		if db != nil {
			s.health.AddReadinessCheck("database", healthcheck.DatabasePingCheck(db, 2*time.Second))
		}
	}
}

// WithReadinessCheck adds a named readiness check.
func WithReadinessCheck(name string, check func() error) Option {
	return func(s *Server) {
		if check != nil {
			s.health.AddReadinessCheck(name, check)
		}
	}
}

// WithMetricsPath mounts the Prometheus handler at path. An empty path
// disables it.
func WithMetricsPath(path string) Option {
	return func(s *Server) {
		s.metrics = path
	}
}

// WithLogger overrides the request logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds the router. queue and tickets may be nil, in which case
// the matching routes answer 503.
func NewServer(cfg config.ServerConfig, queue QueueOps, ticketOps TicketOps, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		queue:   queue,
		tickets: ticketOps,
		health:  healthcheck.NewHandler(),
		metrics: "/metrics",
		logger:  log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), requestMetrics())

	r.GET("/healthz", gin.WrapF(s.health.LiveEndpoint))
	r.GET("/readyz", gin.WrapF(s.health.ReadyEndpoint))
	if s.metrics != "" {
		r.GET(s.metrics, gin.WrapH(metrics.Handler()))
	}

	v1 := r.Group("/api/v1", bearerAuth(s.cfg.APIToken))
	{
		v1.GET("/queue/status", s.handleQueueStatus)
		v1.POST("/queue/:id/retry", s.handleQueueRetry)
		v1.POST("/tickets/:id/reply", s.handleTicketReply)
		v1.POST("/tickets/:id/status", s.handleTicketStatus)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.GetServerAddr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Printf("server stopped")
	return nil
}
