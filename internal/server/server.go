package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/membersync/internal/clock"
	"github.com/smallbiznis/membersync/internal/config"
	"github.com/smallbiznis/membersync/internal/ingest"
	ledgerdomain "github.com/smallbiznis/membersync/internal/ledger/domain"
	"github.com/smallbiznis/membersync/internal/providers/export/selar"
	"github.com/smallbiznis/membersync/internal/reconcile"
	"github.com/smallbiznis/membersync/internal/storage"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin() *gin.Engine {
	return NewEngine()
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.AdminListenAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("admin server failed", zap.Error(err))
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

// Server exposes the operator surface over HTTP.
type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	policy       *config.PolicyHolder
	repo         ledgerdomain.Repository
	ingestSvc    *ingest.Service
	reconcileSvc *reconcile.Service
	storageSvc   *storage.Service
	exporter     *selar.Exporter
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Policy       *config.PolicyHolder
	Repo         ledgerdomain.Repository
	IngestSvc    *ingest.Service
	ReconcileSvc *reconcile.Service
	StorageSvc   *storage.Service
	Exporter     *selar.Exporter
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		db:           p.DB,
		log:          p.Log.Named("server"),
		clock:        p.Clock,
		policy:       p.Policy,
		repo:         p.Repo,
		ingestSvc:    p.IngestSvc,
		reconcileSvc: p.ReconcileSvc,
		storageSvc:   p.StorageSvc,
		exporter:     p.Exporter,
	}
}

func RegisterRoutes(s *Server) {
	admin := s.engine.Group("/admin", s.TokenRequired())

	admin.POST("/credentials", s.SetCredentials)
	admin.POST("/download", s.Download)
	admin.POST("/process", s.Process)
	admin.POST("/add_missing", s.AddMissing)
	admin.POST("/remove_expired", s.RemoveExpired)

	admin.GET("/storage", s.StorageStatus)
	admin.GET("/group_stats", s.GroupStats)
}
