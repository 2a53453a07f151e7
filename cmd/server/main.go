package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"team_chat/internal/config"
	"team_chat/internal/dispatcher"
	"team_chat/internal/handler"
	"team_chat/internal/metrics"
	"team_chat/internal/middleware"
	"team_chat/internal/repository"
	"team_chat/internal/service"
	"team_chat/internal/ws"
	"team_chat/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	appLogger := logger.New(cfg.Log.Level, cfg.Environment)

	// Подключение к PostgreSQL
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	// Подключение к Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		// Кеш — оптимизация, без него стартуем в деградированном режиме
		appLogger.Warn("Redis unavailable, serving without cache", "error", err)
	} else {
		appLogger.Info("Redis connection established")
	}

	// Метрики
	m := metrics.New()

	// Реестр соединений
	hub := ws.NewHub(cfg.WebSocket.MaxConnectionsPerUser, m, appLogger)

	// Репозитории и сервисы
	repos := repository.NewRepositories(dbPool, rdb, appLogger)
	services := service.NewServices(repos, hub, cfg, m, appLogger)

	// Batch dispatcher
	d := dispatcher.New(services.Chat, hub, cfg.Dispatcher, m, appLogger)
	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	go d.Run(dispatcherCtx)

	// Middleware и handlers
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(services.RateLimit, appLogger)
	handlers := handler.NewHandlers(services, hub, d, dbPool, rdb, cfg, appLogger)

	router := setupRouter(handlers, rateLimitMiddleware, m, cfg, appLogger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Ожидание сигнала для graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}

	// Дофлашиваем очереди и закрываем соединения
	if err := d.Shutdown(ctx); err != nil {
		appLogger.Error("Dispatcher shutdown incomplete", "error", err)
	}
	hub.Shutdown()

	appLogger.Info("Server exited")
}

func setupRouter(
	handlers *handler.Handlers,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	m *metrics.Metrics,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler())

	// Health check и метрики
	router.GET("/health", handlers.Health.Check)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	// API v1
	v1 := router.Group("/api/v1")
	v1.Use(middleware.Identity())
	{
		conversations := v1.Group("/conversations")
		{
			conversations.POST("", handlers.Conversation.Create)
			conversations.GET("", handlers.Conversation.List)
			conversations.GET("/:id", handlers.Conversation.GetByID)
			conversations.POST("/:id/participants", handlers.Conversation.AddParticipant)
			conversations.DELETE("/:id/participants/:userId", handlers.Conversation.RemoveParticipant)
			conversations.POST("/:id/archive", handlers.Conversation.Archive)

			conversations.GET("/:id/messages", handlers.Chat.GetMessages)
			conversations.POST("/:id/messages", rateLimitMiddleware.Limit(), handlers.Chat.SendMessage)
			conversations.GET("/:id/unread", handlers.Chat.GetUnreadCount)
		}

		messages := v1.Group("/messages")
		{
			messages.GET("/search", handlers.Chat.SearchMessages)
			messages.PUT("/:messageId", handlers.Chat.EditMessage)
			messages.DELETE("/:messageId", handlers.Chat.DeleteMessage)
			messages.POST("/:messageId/read", handlers.Chat.MarkAsRead)
			messages.POST("/:messageId/reactions", handlers.Chat.AddReaction)
			messages.DELETE("/:messageId/reactions/:emoji", handlers.Chat.RemoveReaction)
		}

		v1.GET("/mentions", handlers.Chat.GetMentions)
	}

	// WebSocket endpoint для чата
	router.GET("/ws/chat", handlers.WebSocket.HandleChat)

	return router
}
