package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mehdi852/chat-relay/internal/admin"
	"github.com/mehdi852/chat-relay/internal/ai"
	"github.com/mehdi852/chat-relay/internal/db"
	"github.com/mehdi852/chat-relay/internal/history"
	mymiddleware "github.com/mehdi852/chat-relay/internal/middleware"
	"github.com/mehdi852/chat-relay/internal/relay"
	"github.com/mehdi852/chat-relay/internal/website"
	"github.com/mehdi852/chat-relay/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.jwt_secret is not set")
	}

	// Platform layer: postgres
	database, err := db.NewDatabase(cfg.Database.DSN)
	if err != nil {
		logger.Fatal("Failed to connect to DB", zap.Error(err))
	}
	if err := database.AutoMigrate(); err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}
	logger.Info("Connected to PostgreSQL")

	// Platform layer: redis, optional (single-instance fan-out without it)
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	// Admin accounts
	adminRepo := admin.NewRepository(database.Conn)
	adminService := admin.NewService(adminRepo, cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenExpiryHours)*time.Hour)
	adminHandler := admin.NewHandler(adminService)

	// Websites + AI quota
	websiteRepo := website.NewRepository(database.Conn)
	websiteService := website.NewService(websiteRepo, cfg.Chat.MonthlyAIReplies, logger)
	websiteHandler := website.NewHandler(websiteService)

	// Durable conversation history
	historyRepo := history.NewRepository(database.Conn)
	historyHandler := history.NewHandler(historyRepo, websiteService, cfg.Chat.PageSize, logger)

	// AI responder, only when a key is configured
	var responder ai.Responder
	if cfg.OpenAI.APIKey != "" {
		responder = ai.NewOpenAIResponder(cfg.OpenAI.APIKey, cfg.OpenAI.Model,
			cfg.OpenAI.MaxTokens, cfg.OpenAI.Temperature, logger)
		logger.Info("AI responder enabled", zap.String("model", cfg.OpenAI.Model))
	}

	// Relay hub
	hub := relay.NewHub(historyRepo, websiteService, responder, redisClient, logger)
	go hub.SubscribeToRedis(context.Background())
	relayHandler := relay.NewHandler(hub, logger)

	authMiddleware := mymiddleware.NewAuthMiddleware(adminService)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Post("/register", adminHandler.Register)
	r.Post("/login", adminHandler.Login)
	r.Get("/ws/visitor", relayHandler.ServeVisitorWS)

	// Protected routes (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/ws/admin", relayHandler.ServeAdminWS)

		r.Get("/api/websites", websiteHandler.List)
		r.Post("/api/websites", websiteHandler.Create)
		r.Post("/api/websites/{websiteID}/ai", websiteHandler.ToggleAI)
		r.Get("/api/websites/{websiteID}/ai/limits", websiteHandler.CheckLimits)

		r.Get("/api/chat/history", historyHandler.GetHistory)
		r.Get("/api/chat/conversation", historyHandler.GetConversation)
		r.Post("/api/chat/read", historyHandler.MarkRead)
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	go func() {
		logger.Info("Server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}
}
