package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"linkshare/internal/config"
	"linkshare/internal/ratelimit"
	"linkshare/internal/security"
	"linkshare/internal/server"
	"linkshare/internal/session"
	"linkshare/internal/util"
	"linkshare/pkg/feed"
	"linkshare/pkg/storage"
	"linkshare/pkg/store"
)

func main() {
	path := config.DefaultPath
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	fd, err := buildFeed(cfg)
	if err != nil {
		log.Fatalf("failed to init change feed: %v", err)
	}
	defer closeQuietly(fd)

	backend, err := buildStore(cfg, fd)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
	}

	var revoker session.TokenRevoker
	if redisClient != nil {
		revoker = session.NewRedisTokenRevoker(redisClient)
	} else {
		revoker = session.NewMemoryTokenRevoker()
	}
	sessions, err := session.NewManager([]byte(cfg.JWTSecret), sessionTTL, revoker, session.Options{})
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}

	limiters, loginLimiter, err := buildLimiters(cfg, redisClient)
	if err != nil {
		log.Fatalf("failed to init rate limiters: %v", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
	}

	proxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		Store:          backend,
		Feed:           fd,
		Sessions:       sessions,
		Objects:        objects,
		Security:       security.NewContext(limiters),
		LoginLimiter:   loginLimiter,
		AllowedEmails:  cfg.AllowedEmails,
		CORSOrigin:     cfg.CORSOrigin,
		TrustedProxies: proxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// Write timeout would cut event streams; per-handler deadlines
		// cover the rest.
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "feed_backend", cfg.FeedBackend)
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
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func buildFeed(cfg config.FileConfig) (feed.Feed, error) {
	switch cfg.FeedBackend {
	case config.FeedBackendRedis:
		return feed.NewRedisFeed(cfg.RedisAddr, cfg.RedisPassword, "linkshare:feed")
	case config.FeedBackendAMQP:
		return feed.NewAMQPFeed(cfg.AMQPURL, "linkshare.feed")
	default:
		return feed.NewMemoryFeed(), nil
	}
}

func buildStore(cfg config.FileConfig, fd feed.Feed) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("no databaseURL configured, using in-memory store")
		return store.NewMemoryStore(fd), nil
	}
	return store.NewGormStore(cfg.DatabaseURL, store.WithFeed(fd))
}

func buildLimiters(cfg config.FileConfig, client *redis.Client) (map[security.Action]ratelimit.Limiter, ratelimit.Limiter, error) {
	limits := map[security.Action]int{
		security.ActionCreateLink:     cfg.CreateLinkRateLimitPerMinute,
		security.ActionCreateMessage:  cfg.CreateMessageRateLimitPerMinute,
		security.ActionCreateReaction: cfg.CreateReactionRateLimitPerMinute,
	}
	limiters := make(map[security.Action]ratelimit.Limiter, len(limits))
	build := func(limit int) (ratelimit.Limiter, error) {
		if client == nil {
			return ratelimit.NewSlidingWindowLimiter(limit, time.Minute), nil
		}
		return ratelimit.NewFixedWindowLimiter(client, "", limit, time.Minute)
	}
	for action, limit := range limits {
		l, err := build(limit)
		if err != nil {
			return nil, nil, err
		}
		limiters[action] = l
	}
	login, err := build(cfg.LoginRateLimitPerMinute)
	if err != nil {
		return nil, nil, err
	}
	return limiters, login, nil
}

func closeQuietly(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}
