package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apikeydomain "github.com/metergate/metergate/internal/apikey/domain"
	"github.com/metergate/metergate/internal/billing"
	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/entitlement"
	"github.com/metergate/metergate/internal/observability"
	obsmiddleware "github.com/metergate/metergate/internal/observability/logger"
	obsmetrics "github.com/metergate/metergate/internal/observability/metrics"
	obstracing "github.com/metergate/metergate/internal/observability/tracing"
	subscriptiondomain "github.com/metergate/metergate/internal/subscription/domain"
	"github.com/metergate/metergate/internal/subscription/verifier"
	"github.com/metergate/metergate/internal/tier"
	usagedomain "github.com/metergate/metergate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	keySvc     apikeydomain.Service
	usageSvc   usagedomain.Service
	billingSvc *billing.Service
	gate       *entitlement.Service
	subSvc     subscriptiondomain.Service
	verifier   *verifier.Verifier
	catalog    *tier.Catalog
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	KeySvc     apikeydomain.Service
	UsageSvc   usagedomain.Service
	BillingSvc *billing.Service
	Gate       *entitlement.Service
	SubSvc     subscriptiondomain.Service
	Verifier   *verifier.Verifier
	Catalog    *tier.Catalog
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		keySvc:     p.KeySvc,
		usageSvc:   p.UsageSvc,
		billingSvc: p.BillingSvc,
		gate:       p.Gate,
		subSvc:     p.SubSvc,
		verifier:   p.Verifier,
		catalog:    p.Catalog,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Keys --------
	api.POST("/keys", s.CreateAPIKey)
	api.DELETE("/keys", s.APIKeyRequired(), s.DeactivateAPIKey)

	// -------- Usage --------
	api.GET("/usage", s.APIKeyRequired(), s.GetUsage)

	// -------- Billing --------
	api.GET("/billing/summary", s.APIKeyRequired(), s.GetBillingSummary)
	api.POST("/billing/webhooks/:provider", s.HandleBillingWebhook)

	// -------- Metered surface --------
	v1 := s.engine.Group("/api/v1")
	v1.GET("/entitlement", s.Metered(), s.GetEntitlement)
}
