package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/fedgate/fedgate/internal/common/config"
	"github.com/fedgate/fedgate/internal/common/database"
	"github.com/fedgate/fedgate/internal/common/logger"
	"github.com/fedgate/fedgate/internal/common/tracing"
	"github.com/fedgate/fedgate/internal/metadata"
	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/profile"
	"github.com/fedgate/fedgate/internal/response"
	"github.com/fedgate/fedgate/internal/server"
	"github.com/fedgate/fedgate/internal/signature"
	"github.com/fedgate/fedgate/internal/ticket"
	"github.com/fedgate/fedgate/internal/wsfed"
)

const serviceName = "idp-service"

func main() {
	log := logger.New()
	defer log.Sync()

	cfg, err := config.Load(serviceName)
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	shutdownTracing, err := tracing.Init(context.Background(), serviceName)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to redis", zap.Error(err))
	}

	keyPEM, err := os.ReadFile(cfg.SigningKeyPath)
	if err != nil {
		log.Fatal("Failed to read signing key", zap.String("path", cfg.SigningKeyPath), zap.Error(err))
	}
	certPEM, err := os.ReadFile(cfg.SigningCertPath)
	if err != nil {
		log.Fatal("Failed to read signing certificate", zap.String("path", cfg.SigningCertPath), zap.Error(err))
	}

	defaults := signature.Defaults{
		SignatureAlgorithms:        cfg.SignatureAlgorithms,
		BlockedSignatureAlgorithms: cfg.BlockedSignatureAlgorithms,
		AllowedSignatureAlgorithms: cfg.AllowedSignatureAlgorithms,
		DigestMethods:              cfg.DigestMethods,
	}

	signer, err := signature.NewSigner(keyPEM, certPEM, defaults, log)
	if err != nil {
		// Missing key material must stop the process, not fail per request
		log.Fatal("Failed to initialize signer", zap.Error(err))
	}

	store := metadata.NewStore(db, log)

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.EnsureRelyingPartiesTable(schemaCtx); err != nil {
		log.Fatal("Failed to ensure relying_parties table", zap.Error(err))
	}
	if err := ticket.EnsureUsersTable(schemaCtx, db); err != nil {
		log.Fatal("Failed to ensure users table", zap.Error(err))
	}
	cancelSchema()

	resolver := metadata.NewResolver(store, cfg.MetadataCacheTTL(), cfg.MetadataTimeout(), log)
	validator := signature.NewValidator(defaults, resolver, log)
	builder := response.NewBuilder(cfg.EntityID, signer, cfg.AssertionLifetime(), cfg.ClockSkew(), log)

	registry := ticket.NewRegistry(rdb.Client, cfg.TicketTimeout(), log)
	bridge := ticket.NewBridge(registry, log)
	sessions := ticket.NewJWTSessionValidator(cfg.SessionSecret, db, log)
	passwords := ticket.NewPasswordValidator(db, log)

	handlers, err := profile.NewHandlerContext(cfg, log, resolver, validator, signer, builder, bridge, sessions, passwords)
	if err != nil {
		log.Fatal("Failed to assemble profile handlers", zap.Error(err))
	}

	wsfedHandler := wsfed.NewHandler(cfg, log, store, sessions, bridge, signer)
	management := metadata.NewManagementHandler(store, resolver, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(logger.GinMiddleware(log))
	router.Use(metrics.GinMiddleware())

	handlers.RegisterRoutes(router)
	wsfedHandler.RegisterRoutes(router)
	management.RegisterRoutes(router)

	router.GET("/metrics", metrics.Handler())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})
	router.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "database"})
			return
		}
		if err := rdb.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "redis"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	graceful := server.New(server.Config{
		Server: httpServer,
		Logger: log,
	})
	graceful.AddShutdownFunc("tracing", shutdownTracing)
	graceful.AddShutdownFunc("database", func(context.Context) error { return db.Close() })
	graceful.AddShutdownFunc("redis", func(context.Context) error { return rdb.Close() })

	log.Info("Starting fedgate IdP service",
		zap.Int("port", cfg.Port),
		zap.String("entity_id", cfg.EntityID),
		zap.Bool("attribute_query_enabled", cfg.AttributeQueryEnabled),
		zap.Bool("wsfed_enabled", cfg.WSFedEnabled))

	if err := graceful.ListenAndServe(); err != nil {
		log.Fatal("Server terminated", zap.Error(err))
	}
}
