package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/threadline/threadline-backend/internal/clients/redis"
	"github.com/threadline/threadline-backend/internal/data/repos/chat"
	"github.com/threadline/threadline-backend/internal/db"
	"github.com/threadline/threadline-backend/internal/handlers"
	"github.com/threadline/threadline-backend/internal/logger"
	"github.com/threadline/threadline-backend/internal/middleware"
	"github.com/threadline/threadline-backend/internal/pkg/gate"
	"github.com/threadline/threadline-backend/internal/server"
	"github.com/threadline/threadline-backend/internal/services"
	"github.com/threadline/threadline-backend/internal/sse"
	"github.com/threadline/threadline-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	port := utils.GetEnv("PORT", "8080", log)
	systemPrompt := utils.GetEnv("CHAT_SYSTEM_PROMPT", "", log)
	gateRetentionMin := utils.GetEnvAsInt("GATE_RETENTION_MINUTES", 60, log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	conversationRepo := chat.NewConversationRepo(thePG, log)
	messageRepo := chat.NewMessageRepo(thePG, log)

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewSSEHub(log)

	// Events go through redis when configured so multi-instance
	// deployments fan out; otherwise straight into the local hub.
	var emitter services.SSEEmitter = &services.HubEmitter{Hub: sseHub}
	sseBus, busErr := redis.NewSSEBus(log)
	if busErr != nil {
		log.Warn("Redis SSE bus unavailable, events stay in-process", "error", busErr)
	} else {
		defer sseBus.Close()
		if err := sseBus.StartForwarder(ctx, func(m sse.SSEMessage) {
			sseHub.Broadcast(m)
		}); err != nil {
			log.Warn("Redis SSE forwarder failed to start", "error", err)
		} else {
			emitter = &services.RedisEmitter{Bus: sseBus}
		}
	}
	notifier := services.NewChatNotifier(emitter)

	// Idempotency gate
	retention := time.Duration(gateRetentionMin) * time.Minute
	gateOpts := []gate.Option{gate.WithRetention(retention)}
	if registry, regErr := gate.NewRedisRegistry(log, retention); regErr != nil {
		log.Warn("Redis idempotency registry unavailable, local only", "error", regErr)
	} else {
		gateOpts = append(gateOpts, gate.WithSharedRegistry(registry))
	}
	requestGate := gate.New(log, gateOpts...)
	requestGate.StartSweeper(ctx, time.Hour)

	// Services
	log.Info("Setting up Services from main...")
	streamClient, err := services.NewStreamClient(log)
	if err != nil {
		log.Error("Could not init StreamClient", "error", err)
		os.Exit(1)
	}
	liveWindow := services.NewLiveWindow()
	conversationService := services.NewConversationService(thePG, log, conversationRepo, notifier)
	historyService := services.NewHistoryService(thePG, log, conversationRepo, messageRepo)
	chatService := services.NewChatService(thePG, log, conversationRepo, messageRepo, requestGate, liveWindow, streamClient, notifier, systemPrompt)

	// Handlers
	log.Info("Setting up handlers from main...")
	chatHandler := handlers.NewChatHandler(log, conversationService, chatService, historyService)
	sseHandler := handlers.NewSSEHandler(log, sseHub)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(log, jwtSecretKey)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AuthMiddleware: authMiddleware,
		ChatHandler:    chatHandler,
		SSEHandler:     sseHandler,
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Server stopped")
}
