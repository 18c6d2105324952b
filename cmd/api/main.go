package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/chat-relay/backend/internal/config"
	"github.com/zhouzirui/chat-relay/backend/internal/handler"
	"github.com/zhouzirui/chat-relay/backend/internal/middleware"
	"github.com/zhouzirui/chat-relay/backend/internal/observability"
	"github.com/zhouzirui/chat-relay/backend/internal/service/ai"
	"github.com/zhouzirui/chat-relay/backend/internal/service/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/service/transcript"
	"github.com/zhouzirui/chat-relay/backend/internal/storage"
	"github.com/zhouzirui/chat-relay/backend/internal/workflow"
	"github.com/zhouzirui/chat-relay/backend/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := observability.New(cfg.Log.Backend, cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	utils.SetLogger(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithErr(err).Errorf("server stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	kv, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.Store.Driver,
		SQLitePath:  cfg.Store.SQLitePath,
		DatabaseURL: cfg.Store.DatabaseURL,
	})
	if err != nil {
		return err
	}
	defer kv.Close()
	logger.Infof("storage driver %q ready", cfg.Store.Driver)

	var inference ai.Inference
	if cfg.AI.Enabled() {
		inference, err = ai.New(ctx, cfg.AI, logger)
		if err != nil {
			logger.WithErr(err).Warnf("failed to initialize AI provider %s, chat requests will fail", cfg.AI.Provider)
			inference = nil
		} else {
			logger.Infof("AI provider %s initialized (model=%s)", cfg.AI.Provider, cfg.AI.ModelName())
		}
	} else {
		logger.Warnf("credentials for AI provider %s not configured, chat requests will fail", cfg.AI.Provider)
	}

	// Cancelling engineCtx interrupts instances and leaves them resumable.
	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	engine := workflow.NewEngine(engineCtx, kv, logger)
	chatService := chat.NewService(transcript.NewStore(kv, logger), inference, engine, chat.Options{
		SystemPrompt:     cfg.AI.SystemDirective(),
		PersistUserFirst: cfg.Chat.PersistUserFirst,
	}, logger)

	resumed, err := engine.Resume(ctx)
	if err != nil {
		logger.WithErr(err).Warnf("failed to resume workflow instances")
	} else if resumed > 0 {
		logger.Infof("resumed %d workflow instance(s)", resumed)
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	router := handler.NewRouter(chatService, logger, handler.RouterOptions{
		Limiter:    limiter,
		TrustProxy: cfg.Server.TrustProxy,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Infof("%s backend listening on %s", config.ServiceName, cfg.Server.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runServer(gctx, srv)
	})
	g.Go(func() error {
		<-gctx.Done()
		cancelEngine()
		engine.Wait()
		return nil
	})
	return g.Wait()
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
