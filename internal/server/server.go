package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/counselkit/metering/internal/config"
	"github.com/counselkit/metering/internal/identity"
	identitydomain "github.com/counselkit/metering/internal/identity/domain"
	"github.com/counselkit/metering/internal/ledger"
	ledgerdomain "github.com/counselkit/metering/internal/ledger/domain"
	"github.com/counselkit/metering/internal/observability"
	obsmiddleware "github.com/counselkit/metering/internal/observability/logger"
	obsmetrics "github.com/counselkit/metering/internal/observability/metrics"
	"github.com/counselkit/metering/internal/ratelimit"
	"github.com/counselkit/metering/internal/usage"
	usagedomain "github.com/counselkit/metering/internal/usage/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	identity.Module,
	ledger.Module,
	usage.Module,
	ratelimit.Module,
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
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
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
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	resolver      identitydomain.Resolver
	ledgerSvc     ledgerdomain.Service
	usageRecorder usagedomain.Recorder
	toolCosts     *config.ToolCostHolder
	obsMetrics    *obsmetrics.Metrics
	limiter       ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Resolver      identitydomain.Resolver
	LedgerSvc     ledgerdomain.Service
	UsageRecorder usagedomain.Recorder
	ToolCosts     *config.ToolCostHolder `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics    `optional:"true"`
	Limiter       ratelimit.Limiter      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		log:           p.Log.Named("server"),
		genID:         p.GenID,
		resolver:      p.Resolver,
		ledgerSvc:     p.LedgerSvc,
		usageRecorder: p.UsageRecorder,
		toolCosts:     p.ToolCosts,
		obsMetrics:    p.ObsMetrics,
		limiter:       p.Limiter,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	credits := v1.Group("/credits", s.AuthRequired())
	{
		credits.POST("/debit", s.DebitRateLimit(), s.DebitCredits)
		credits.GET("/balance", s.GetCreditBalance)
		credits.POST("/grant", s.GrantCredits)
		credits.GET("/transactions", s.ListCreditTransactions)
	}

	v1.GET("/usage/events", s.AuthRequired(), s.ListUsageEvents)
}
