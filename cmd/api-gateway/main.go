package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/relaycrm/crm-api/api/swagger"
	"github.com/relaycrm/crm-api/internal/handler"
	"github.com/relaycrm/crm-api/internal/middleware"
	"github.com/relaycrm/crm-api/internal/models"
	"github.com/relaycrm/crm-api/internal/repository"
	"github.com/relaycrm/crm-api/internal/service"
	"github.com/relaycrm/crm-api/pkg/cache"
	"github.com/relaycrm/crm-api/pkg/config"
	"github.com/relaycrm/crm-api/pkg/database"
	"github.com/relaycrm/crm-api/pkg/logger"
	corsmiddleware "github.com/relaycrm/crm-api/pkg/middleware/cors"
	reqidmiddleware "github.com/relaycrm/crm-api/pkg/middleware/requestid"
	"github.com/relaycrm/crm-api/pkg/password"
)

// @title Relay CRM API
// @version 1.0.0
// @description Multi-tenant CRM authentication and session core
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewSessionRepository(redisClient, cfg.JWT.RefreshExpiry, logr)
	defer sessionRepo.Close()

	auditSvc := service.NewAuditService(userRepo, cfg.Audit, logr)
	auditSvc.Start(ctx)
	defer auditSvc.Stop()

	tokenSvc := service.NewTokenService(service.TokenConfig{
		AccessSecret:  cfg.JWT.AccessSecret,
		RefreshSecret: cfg.JWT.RefreshSecret,
		AccessExpiry:  cfg.JWT.AccessExpiry,
		RefreshExpiry: cfg.JWT.RefreshExpiry,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
	})
	guard := service.NewLoginAttemptGuard(userRepo, cfg.Lockout.Threshold, cfg.Lockout.Duration, logr)
	hasher := password.NewHasher(cfg.Password.BcryptCost)
	metricsSvc := service.NewMetricsService()

	authSvc := service.NewAuthService(userRepo, sessionRepo, tokenSvc, guard, hasher, auditSvc, metricsSvc, nil, logr, service.AuthConfig{
		RotateRefresh: cfg.JWT.RotateRefresh,
	})
	authHandler := handler.NewAuthHandler(authSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	auth := r.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", authHandler.Logout)
		auth.GET("/me", middleware.JWT(authSvc), middleware.Audit(auditSvc, models.AuditActionProfileView, "auth"), authHandler.Me)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
