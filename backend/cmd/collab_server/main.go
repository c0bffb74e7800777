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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"collabcore/backend/config"
	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/httpapi"
	"collabcore/backend/internal/httpapi/handlers"
	"collabcore/backend/internal/httpapi/middleware"
	"collabcore/backend/internal/platform/logger"
	"collabcore/backend/internal/store"
	"collabcore/backend/internal/transport"
	"collabcore/backend/internal/ws"
)

const (
	shutdownTimeout = 10 * time.Second
	wsConcurrency   = 64
)

func main() {
	log := logger.New("collab-server")

	cfg, err := config.Load(os.Getenv("COLLAB_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("init config failed")
	}
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		log.Fatal().Err(err).Msg("init logger failed")
	}
	gin.SetMode(cfg.Running.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store failed")
	}
	defer closeStore()

	tr, dir, closeTransport, err := openTransport(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open transport failed")
	}
	defer closeTransport()

	oplog, closeOpLog, err := openOpLog(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect kafka failed")
	}
	defer closeOpLog()

	// one loader for every connection so concurrent joins share lookups
	loader := collab.NewDocumentLoader(st)
	wsManager := ws.NewManager(func(self entity.UserPresence) *collab.Manager {
		return collab.NewManager(self, tr, st, collab.ManagerOptions{
			Config: cfg.Collab,
			Logger: log,
			OpLog:  oplog,
			Loader: loader,
		})
	}, collab.NewSemaphoreControl(wsConcurrency), log)

	var verifier middleware.Verifier = middleware.NewRemoteVerifier(cfg.Auth.Path)
	if cfg.Auth.Secret != "" {
		verifier = middleware.NewJWTVerifier(cfg.Auth.Secret)
	}

	r := httpapi.NewRouter(httpapi.Deps{
		Store:        st,
		Presence:     dir,
		Auth:         middleware.AuthMiddleware(verifier, log),
		WebSocket:    wsManager.WebSocketConnect,
		AllowOrigins: cfg.Cors.AllowOrigins,
		Log:          log,
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		log.Info().Int("port", cfg.Running.Port).
			Str("store", cfg.Store.Kind).
			Str("transport", cfg.Transport.Kind).
			Bool("oplog", oplog != nil).
			Msg("collab server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Store.Kind == config.StoreMemory {
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := store.OpenMySQL(cfg.Mysql.DSN, store.MySQLOptions{
		MaxOpenConns:    32,
		MaxIdleConns:    8,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, nil, err
	}
	gs := store.NewGormStore(db)
	if err := gs.AutoMigrate(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return gs, closeFn, nil
}

func openTransport(ctx context.Context, cfg *config.Config, log zerolog.Logger) (transport.Transport, handlers.PresenceDirectory, func(), error) {
	if cfg.Transport.Kind == config.TransportMemory {
		hub := transport.NewHub(log)
		return hub, hub, func() {}, nil
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	presence := cache.NewPresenceCache(rdb)
	tr := transport.NewRedisTransport(rdb, presence, cfg.Transport.PresenceTTL, log)
	return tr, presence, func() { _ = rdb.Close() }, nil
}

// openOpLog returns a nil OpLog when no brokers are configured.
func openOpLog(cfg *config.Config, log zerolog.Logger) (collab.OpLog, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
		return nil, func() {}, nil
	}
	producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
	if err != nil {
		return nil, nil, err
	}
	dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(cfg.Kafka.Workers), log,
		collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
		})
	closeFn := func() {
		dispatcher.Close()
		_ = producer.Close()
	}
	return dispatcher, closeFn, nil
}
