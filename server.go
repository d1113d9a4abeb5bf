package main

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"time"

	"github.com/billease/data-sync/middleware"
	"github.com/billease/data-sync/store"
	"github.com/billease/data-sync/syncer"
	"github.com/gin-gonic/gin"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// SyncService is the part of the sync engine exposed over HTTP.
type SyncService interface {
	SyncAll(ctx context.Context, tables []string) (*syncer.Report, error)
	Pull(ctx context.Context, table string, opts store.Query) syncer.Result
	Push(ctx context.Context, table string, opts store.Query) syncer.Result
	ProcessSyncQueue(ctx context.Context) int
	QueueStatus() syncer.Status
	ClearQueue()
	IsOnline() bool
}

// RecordReader serves read-only record listings.
type RecordReader interface {
	Select(ctx context.Context, table string, q store.Query) ([]store.Record, error)
}

type AdminServer struct {
	engine SyncService
	reader RecordReader
	tables []string
	caCert *x509.Certificate
	health *health.Server
	log    *zap.Logger
}

func NewAdminServer(engine SyncService, reader RecordReader, tables []string, caCert *x509.Certificate, logger *zap.Logger) *AdminServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminServer{
		engine: engine,
		reader: reader,
		tables: tables,
		caCert: caCert,
		health: health.NewServer(),
		log:    logger,
	}
}

func CreateServer(healthServer *health.Server, srvMetrics *grpcprom.ServerMetrics) *grpc.Server {
	s := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(srvMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(srvMetrics.StreamServerInterceptor()),
	)
	healthpb.RegisterHealthServer(s, healthServer)
	srvMetrics.InitializeMetrics(s)
	return s
}

// watchHealth mirrors the engine connectivity into the gRPC health status
// until ctx is done.
func (s *AdminServer) watchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.updateHealth()
	for {
		select {
		case <-ticker.C:
			s.updateHealth()
		case <-ctx.Done():
			s.health.Shutdown()
			return
		}
	}
}

func (s *AdminServer) updateHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.engine.IsOnline() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

func (s *AdminServer) Router(gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.engine.QueueStatus())
	})

	admin := r.Group("/")
	admin.Use(middleware.RequireAdmin(s.caCert))
	{
		admin.POST("/sync", s.syncAll)
		admin.GET("/tables/:table/records", s.listRecords)
		admin.POST("/tables/:table/pull", s.transfer(syncer.DirectionPull))
		admin.POST("/tables/:table/push", s.transfer(syncer.DirectionPush))
		admin.POST("/queue/process", s.processQueue)
		admin.DELETE("/queue", s.clearQueue)
	}
	return r
}

func (s *AdminServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

type syncRequest struct {
	Tables []string `json:"tables"`
}

func (s *AdminServer) syncAll(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	tables := req.Tables
	if len(tables) == 0 {
		tables = s.tables
	}
	if len(tables) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no tables to sync"})
		return
	}
	for _, t := range tables {
		if !store.ValidIdent(t) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid table name " + t})
			return
		}
	}

	report, err := s.engine.SyncAll(c.Request.Context(), tables)
	if errors.Is(err, syncer.ErrSyncInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// tableQuery reads the table path parameter and the query string.
func tableQuery(c *gin.Context) (string, store.Query, bool) {
	table := c.Param("table")
	if !store.ValidIdent(table) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid table name " + table})
		return "", store.Query{}, false
	}
	var params queryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", store.Query{}, false
	}
	q, err := params.query()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", store.Query{}, false
	}
	return table, q, true
}

// rejectWhileSyncing answers 409 while a full sync pass runs.
func (s *AdminServer) rejectWhileSyncing(c *gin.Context) bool {
	if !s.engine.QueueStatus().SyncInProgress {
		return false
	}
	c.JSON(http.StatusConflict, gin.H{"error": syncer.ErrSyncInProgress.Error()})
	return true
}

func (s *AdminServer) transfer(dir syncer.Direction) gin.HandlerFunc {
	return func(c *gin.Context) {
		table, q, ok := tableQuery(c)
		if !ok || s.rejectWhileSyncing(c) {
			return
		}
		var res syncer.Result
		if dir == syncer.DirectionPull {
			res = s.engine.Pull(c.Request.Context(), table, q)
		} else {
			res = s.engine.Push(c.Request.Context(), table, q)
		}
		c.JSON(http.StatusOK, res)
	}
}

func (s *AdminServer) listRecords(c *gin.Context) {
	table, q, ok := tableQuery(c)
	if !ok {
		return
	}
	records, err := s.reader.Select(c.Request.Context(), table, q)
	switch {
	case errors.Is(err, store.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotInitialized), errors.Is(err, store.ErrConnection):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		if records == nil {
			records = []store.Record{}
		}
		c.JSON(http.StatusOK, records)
	}
}

func (s *AdminServer) processQueue(c *gin.Context) {
	if s.rejectWhileSyncing(c) {
		return
	}
	completed := s.engine.ProcessSyncQueue(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"completed": completed, "status": s.engine.QueueStatus()})
}

func (s *AdminServer) clearQueue(c *gin.Context) {
	s.engine.ClearQueue()
	c.Status(http.StatusNoContent)
}

// NewHTTPHandler serves grpc-web calls from grpcServer next to the admin
// router, both behind the CORS policy for origins.
func NewHTTPHandler(router http.Handler, grpcServer *grpc.Server, origins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Authorization", "Content-Type",
			middleware.RequestTimeHeader, middleware.SignatureHeader,
			"X-Grpc-Web", "X-User-Agent",
		},
		ExposedHeaders: []string{"Grpc-Status", "Grpc-Message"},
	})
	wrapped := grpcweb.WrapServer(grpcServer, grpcweb.WithOriginFunc(func(origin string) bool {
		return c.OriginAllowed(&http.Request{Header: http.Header{"Origin": []string{origin}}})
	}))
	return c.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wrapped.IsGrpcWebRequest(r) || wrapped.IsAcceptableGrpcCorsRequest(r) {
			wrapped.ServeHTTP(w, r)
			return
		}
		router.ServeHTTP(w, r)
	}))
}
