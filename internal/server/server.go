// ============================================================================
// fieldops server - HTTP API and gRPC health
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: exposes the dispatch core over HTTP (gin) and reports serving
//           state over the standard gRPC health protocol
//
// HTTP routes (all under /v1):
//   POST /jobs                          create
//   GET  /jobs?status=DISPATCHED,...    list
//   GET  /jobs/:id                      get
//   POST /jobs/:id/dispatch             dispatch
//   POST /jobs/:id/accept               accept      {agent_id}
//   POST /jobs/:id/start                start       {agent_id, lat, lng}
//   POST /jobs/:id/evidence             add         {agent_id, uri, ...}
//   GET  /jobs/:id/evidence             list evidence
//   POST /jobs/:id/submit               submit      {agent_id, notes}
//   POST /jobs/:id/complete             complete
//   POST /jobs/:id/cancel               cancel      {reason}
//   GET  /notifications/stats           queue stats
//   POST /notifications/process         one delivery pass now
//   GET  /payouts/stats                 ledger summary
//   POST /payouts/run                   one payout run now
//   POST /payouts/:id/settle            settlement callback {success}
//   POST /sla/scan                      one SLA scan now
//   GET  /status                        controller status
//   GET  /push?user_id=...              websocket upgrade for push delivery
//
// Outside /v1: GET /healthz, GET /metrics (when a handler is supplied).
//
// Error mapping: see errors.go. Hints from the domain error travel in the
// response body so clients can show them verbatim.
//
// ============================================================================

package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/fieldops/internal/controller"
	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/logger"
	"github.com/ChuLiYu/fieldops/internal/notify"
)

// ServiceName is the gRPC health service name reported as SERVING.
const ServiceName = "fieldops.Dispatch"

// Config wires a Server. Controller is required.
type Config struct {
	Controller *controller.Controller
	Hub        *notify.Hub  // nil disables the push endpoint
	Metrics    http.Handler // nil disables /metrics
	Logger     *zap.SugaredLogger
}

// Server owns the gin router, the http.Server and the gRPC health server.
type Server struct {
	ctrl    *controller.Controller
	hub     *notify.Hub
	metrics http.Handler
	log     *zap.SugaredLogger

	router *gin.Engine
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

// New builds the router. Nothing listens until Serve.
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("server requires a controller")
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		ctrl:    cfg.Controller,
		hub:     cfg.Hub,
		metrics: cfg.Metrics,
		log:     logger.OrDefault(cfg.Logger, "server"),
		health:  health.NewServer(),
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()

	s.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Handler returns the HTTP handler, for httptest and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Health exposes the gRPC health server so the caller can flip status.
func (s *Server) Health() *health.Server { return s.health }

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := s.router.Group("/v1")

	jobs := v1.Group("/jobs")
	jobs.POST("", s.createJob)
	jobs.GET("", s.listJobs)
	jobs.GET("/:id", s.getJob)
	jobs.POST("/:id/dispatch", s.dispatchJob)
	jobs.POST("/:id/accept", s.acceptJob)
	jobs.POST("/:id/start", s.startJob)
	jobs.POST("/:id/evidence", s.addEvidence)
	jobs.GET("/:id/evidence", s.listEvidence)
	jobs.POST("/:id/submit", s.submitJob)
	jobs.POST("/:id/complete", s.completeJob)
	jobs.POST("/:id/cancel", s.cancelJob)

	v1.GET("/notifications/stats", s.queueStats)
	v1.POST("/notifications/process", s.processQueue)

	v1.GET("/payouts/stats", s.payoutStats)
	v1.POST("/payouts/run", s.runPayouts)
	v1.POST("/payouts/:id/settle", s.settlePayout)

	v1.POST("/sla/scan", s.scanSLA)
	v1.GET("/status", s.status)

	if s.hub != nil {
		v1.GET("/push", s.push)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugw("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Serve listens on httpAddr and, when grpcAddr is non-empty, on grpcAddr.
// It blocks until ctx is cancelled, then shuts both down.
func (s *Server) Serve(ctx context.Context, httpAddr, grpcAddr string) error {
	httpLis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", httpAddr)
	}
	var grpcLis net.Listener
	if grpcAddr != "" {
		if grpcLis, err = net.Listen("tcp", grpcAddr); err != nil {
			httpLis.Close()
			return errors.Wrapf(err, "listen on %s", grpcAddr)
		}
	}
	return s.serve(ctx, httpLis, grpcLis)
}

func (s *Server) serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Infow("http server listening", "addr", httpLis.Addr().String())
		if err := s.http.Serve(httpLis); err != nil && err != http.ErrServerClosed {
			errCh <- errors.Wrap(err, "http server")
		}
	}()
	if grpcLis != nil {
		go func() {
			s.log.Infow("grpc health server listening", "addr", grpcLis.Addr().String())
			if err := s.grpc.Serve(grpcLis); err != nil {
				errCh <- errors.Wrap(err, "grpc server")
			}
		}()
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	s.shutdown()
	return serveErr
}

func (s *Server) shutdown() {
	s.health.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Warnw("http shutdown", zap.Error(err))
	}
	s.grpc.GracefulStop()
	if s.hub != nil {
		s.hub.Close()
	}
	s.log.Infow("server stopped")
}
