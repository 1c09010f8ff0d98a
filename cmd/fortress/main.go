package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/fortress/adapters/events"
	"github.com/layer-3/fortress/adapters/repository"
	"github.com/layer-3/fortress/adapters/store"
	"github.com/layer-3/fortress/adapters/tokenizer"
	"github.com/layer-3/fortress/config"
	"github.com/layer-3/fortress/ports"
	"github.com/layer-3/fortress/service"
	"github.com/layer-3/fortress/transport/http"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type stores interface {
	ports.ChallengeStore
	ports.NonceStore
	ports.SourceGuard
	ports.AttestationStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogger(cfg)

	if err := run(cfg); err != nil {
		slog.Error("Fortress stopped", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.Config) {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	policy := store.FraudPolicy{
		Threshold: cfg.FraudThreshold,
		Window:    cfg.FraudWindow,
		BlockFor:  cfg.BlockDuration,
	}
	wmLogger := watermill.NewSlogLogger(slog.Default())

	var (
		st         stores
		publisher  message.Publisher
		subscriber message.Subscriber
	)
	switch cfg.Store {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach Redis: %w", err)
		}
		st = store.NewRedisStore(redisClient, policy)

		pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: redisClient}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create Redis publisher: %w", err)
		}
		// No consumer group: every open stream for a device sees every event
		sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{Client: redisClient}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create Redis subscriber: %w", err)
		}
		publisher, subscriber = pub, sub
	default:
		memStore := store.NewMemoryStore(policy)
		g.Go(func() error { return memStore.Run(ctx, cfg.JanitorInterval) })
		st = memStore

		pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wmLogger)
		publisher, subscriber = pubSub, pubSub
	}
	defer publisher.Close()
	defer subscriber.Close()

	repo, err := repository.NewRepository(ctx, cfg.Repository, repository.Config{
		PostgresDSN: cfg.PostgresDSN(),
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer repo.Close()

	key, err := tokenizer.LoadOrGenerateKey(cfg.SigningKeyFile)
	if err != nil {
		return err
	}
	if cfg.SigningKeyFile == "" {
		slog.Warn("No signing key file configured, session cookies will not survive a restart")
	}

	channel := events.NewWatermillChannel(publisher, subscriber, cfg.TopicPrefix)
	relay := service.NewTerminationRelay(repo, channel, cfg.RelayInterval, cfg.CallTimeout)

	fortress := service.NewFortressService(st, st, st, st, service.FortressOptions{
		ChallengeTTL: cfg.ChallengeTTL,
		NonceTTL:     cfg.NonceTTL,
		CallTimeout:  cfg.CallTimeout,
	})
	bindings := service.NewBindingService(repo, channel, service.BindingOptions{
		MaxDevices:  cfg.MaxDevices,
		CallTimeout: cfg.CallTimeout,
		Relay:       relay,
	})
	devices := service.NewDeviceService(repo, cfg.CallTimeout)
	vitalization := service.NewVitalizationService(bindings, repo, cfg.CallTimeout)

	handlers := http.NewHandlers(fortress, bindings, devices, vitalization, tokenizer.NewJWTTokenizer(key), http.CookieConfig{
		Name:   cfg.SessionCookie,
		Secure: cfg.CookieSecure,
	})
	gin.SetMode(gin.ReleaseMode)
	router := http.SetupRouter(handlers, http.RouterOptions{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &nethttp.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Open termination streams end with the process context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error {
		slog.Info("Fortress listening", "addr", cfg.HTTPAddr, "store", cfg.Store, "repository", cfg.Repository)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
