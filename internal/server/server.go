// Package server exposes the collections engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	batchservice "github.com/cobranzalabs/cobranza/internal/batch/service"
	chargeservice "github.com/cobranzalabs/cobranza/internal/charge/service"
	"github.com/cobranzalabs/cobranza/internal/config"
	dunningservice "github.com/cobranzalabs/cobranza/internal/dunning/service"
	fallbackservice "github.com/cobranzalabs/cobranza/internal/fallback/service"
	"github.com/cobranzalabs/cobranza/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Cfg            config.Config
	Log            *zap.Logger
	DB             *gorm.DB
	Registry       *prometheus.Registry
	Store          storage.Store
	Preparer       *batchservice.Preparer
	Exporter       *batchservice.Exporter
	Importer       *batchservice.Importer
	Closer         *chargeservice.Closer
	Advancer       *dunningservice.Advancer
	Fallback       *fallbackservice.Orchestrator
	AuditExportSvc auditdomain.ExportService
}

type Server struct {
	cfg            config.Config
	log            *zap.Logger
	db             *gorm.DB
	registry       *prometheus.Registry
	store          storage.Store
	preparer       *batchservice.Preparer
	exporter       *batchservice.Exporter
	importer       *batchservice.Importer
	closer         *chargeservice.Closer
	advancer       *dunningservice.Advancer
	fallbackSvc    *fallbackservice.Orchestrator
	auditExportSvc auditdomain.ExportService
}

func New(p Params) *Server {
	return &Server{
		cfg:            p.Cfg,
		log:            p.Log.Named("server"),
		db:             p.DB,
		registry:       p.Registry,
		store:          p.Store,
		preparer:       p.Preparer,
		exporter:       p.Exporter,
		importer:       p.Importer,
		closer:         p.Closer,
		advancer:       p.Advancer,
		fallbackSvc:    p.Fallback,
		auditExportSvc: p.AuditExportSvc,
	}
}

func (s *Server) Router() *gin.Engine {
	if s.cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/presentments", s.CreateBatch)
		v1.POST("/presentments/prepare", s.PrepareBatch)
		v1.POST("/presentments/:id/export", s.ExportBatch)
		v1.POST("/presentments/export-pending", s.ExportPending)
		v1.POST("/presentments/:id/responses", s.ImportResponses)
		v1.GET("/presentments", s.ListBatches)
		v1.GET("/presentments/:id", s.GetBatch)
		v1.GET("/presentments/:id/file", s.DownloadBatchFile)

		v1.POST("/charges/:id/close", s.CloseCharge)
		v1.POST("/charges/:id/dunning/advance", s.AdvanceDunning)

		v1.POST("/fallback-intents", s.CreateFallbackIntent)
		v1.GET("/fallback-intents/:id", s.GetFallbackIntent)
		v1.POST("/fallback-intents/:id/cancel", s.CancelFallbackIntent)
		v1.POST("/fallback-intents/:id/mark-paid", s.MarkFallbackIntentPaid)
		v1.POST("/fallback-intents/sync", s.SyncFallbackIntents)
		v1.POST("/fallback-intents/sweep", s.SweepFallbackIntents)

		v1.GET("/audit/export", s.ExportAuditLogs)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var Module = fx.Module("server",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)

func registerHooks(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
