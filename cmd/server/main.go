package main

import (
	"context"
	"edu-chat/internal/chat"
	"edu-chat/internal/config"
	"edu-chat/internal/db"
	"edu-chat/internal/logging"
	myMiddleware "edu-chat/internal/middleware"
	"edu-chat/internal/user"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & logging
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Info("Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	logger.Info("Database schema initialized")

	// 3. Fan-out: Redis when configured, in-process otherwise
	var fanout chat.Fanout = chat.NewLocalFanout()
	var presence chat.PresenceBoard
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		defer redisClient.Close()
		logger.Info("Connected to Redis", "addr", cfg.RedisAddr)
		fanout = chat.NewRedisFanout(redisClient, logger)
		presence = chat.NewRedisPresence(redisClient)
	}

	// 4. User feature (session service)
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret, logger)
	userHandler := user.NewHandler(userService)

	// 5. Chat core
	chatRepo := chat.NewRepository(database.Conn)
	hub, err := chat.NewHub(chat.Options{
		Identity:         userService,
		Directory:        chatRepo,
		Store:            chatRepo,
		Fanout:           fanout,
		Presence:         presence,
		TypingWindow:     cfg.TypingWindow,
		TypingSweep:      cfg.TypingSweepInterval,
		ReceiptCacheSize: cfg.ReceiptCacheSize,
		SendBuffer:       cfg.SendBuffer,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	hubErr := make(chan error, 1)
	go func() { hubErr <- hub.Run(ctx) }()

	chatHandler := chat.NewHandler(hub, chatRepo, logger)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// The websocket authenticates itself during the handshake.
	r.Get("/ws", chatHandler.ServeWs)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/presence", chatHandler.GetPresence)
		r.Get("/api/conversations/{id}/messages", chatHandler.GetMessages)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-hubErr:
		if err != nil {
			logger.Error("Hub stopped", "error", err)
		}
	case err := <-srvErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
