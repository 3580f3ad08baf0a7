// Package api is the HTTP surface over the pipeline: direct ingestion, the
// read side of the store and delivery status reports.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"log-correlator/pipeline"
)

// Store is the read side plus the notification status report.
type Store interface {
	Ping(ctx context.Context) error
	GetLog(ctx context.Context, id uint) (*pipeline.LogEntry, error)
	FindLogByEventID(ctx context.Context, eventID string) (*pipeline.LogEntry, error)
	LatestResultForLog(ctx context.Context, logID uint) (*pipeline.AnalysisResult, error)
	ResultsForLog(ctx context.Context, logID uint) ([]pipeline.AnalysisResult, error)
	NotificationsForLog(ctx context.Context, logID uint) ([]pipeline.Notification, error)
	GetRequest(ctx context.Context, requestID string) (*pipeline.AnalysisRequest, error)
	UpdateNotificationStatus(ctx context.Context, id uint, status pipeline.NotificationStatus, detail string) error
	HourlyStatistics(ctx context.Context, date string, serviceName string, environment string) ([]pipeline.LogStatistic, error)
}

type Ingester interface {
	Ingest(ctx context.Context, ev pipeline.IngestEvent) (pipeline.IngestResult, error)
}

type Options struct {
	// TokenHash is a bcrypt hash; when set, write endpoints require a matching bearer token.
	TokenHash string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Now stamps events posted without a timestamp. Defaults to the UTC clock.
	Now func() time.Time
}

type Server struct {
	engine *gin.Engine
	store  Store
	ingest Ingester
	opts   Options
	logger *zap.Logger
}

func New(store Store, ingest Ingester, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false

	s := &Server{
		engine: engine,
		store:  store,
		ingest: ingest,
		opts:   opts,
		logger: logger.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.opts.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.engine.Group("/api/v1")
	v1.POST("/logs", s.requireToken, s.handleIngest)
	v1.GET("/logs/:id", s.handleGetLog)
	v1.GET("/logs/:id/analysis", s.handleLogAnalysis)
	v1.GET("/logs/:id/notifications", s.handleLogNotifications)
	v1.GET("/events/:eventId", s.handleGetByEvent)
	v1.GET("/analysis-requests/:requestId", s.handleGetRequest)
	v1.PUT("/notifications/:id/status", s.requireToken, s.handleNotificationStatus)
	v1.GET("/statistics", s.handleStatistics)
}

// Handler exposes the engine, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requireToken(c *gin.Context) {
	if s.opts.TokenHash == "" {
		c.Next()
		return
	}
	auth := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.opts.TokenHash), []byte(token)); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps pipeline errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var ve *pipeline.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, pipeline.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, pipeline.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrUnavailable):
		s.logger.Warn("store unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
	default:
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
