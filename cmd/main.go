package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vishaldhakal/nisimatsuya-client/internal/api"
	"github.com/vishaldhakal/nisimatsuya-client/internal/cart"
	"github.com/vishaldhakal/nisimatsuya-client/internal/clock"
	"github.com/vishaldhakal/nisimatsuya-client/internal/config"
	"github.com/vishaldhakal/nisimatsuya-client/internal/consumer"
	"github.com/vishaldhakal/nisimatsuya-client/internal/domain"
	"github.com/vishaldhakal/nisimatsuya-client/internal/pubsub"
	"github.com/vishaldhakal/nisimatsuya-client/internal/session"
	"github.com/vishaldhakal/nisimatsuya-client/internal/storage"
	"github.com/vishaldhakal/nisimatsuya-client/pkg/logger"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := pubsub.NewBus()

	kv, cleanup, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open profile storage", zap.Error(err))
	}
	defer cleanup()
	log.Info("profile storage ready", zap.String("backend", cfg.StorageBackend))

	notifying := storage.WithNotify(kv, bus)

	apiClient := api.NewClient(cfg.APIBaseURL, nil, log)
	clk := clock.System()

	manager := session.NewManager(notifying, bus, clk, apiClient, log, func() {
		log.Warn("session lost, sign-in required")
	})
	if err := manager.Initialize(ctx); err != nil {
		log.Fatal("failed to initialize session manager", zap.Error(err))
	}
	defer manager.Close()

	store := cart.NewStore(ctx, notifying, bus, clk, log)
	log.Info("cart hydrated",
		zap.Int("total_items", store.TotalItems()),
		zap.Float64("total_amount", store.TotalAmount()))

	if len(cfg.KafkaBrokers) > 0 {
		listener := consumer.NewListener(store, func() string {
			return currentUserID(manager)
		}, log, cfg.KafkaGroupID, cfg.KafkaBrokers...)
		defer listener.Close()

		go listener.Run(ctx)
		log.Info("checkout listener started", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	<-ctx.Done()
	log.Info("shutting down storefront client")
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.KeyValueStore, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return storage.NewMemoryStore(), func() {}, nil

	case config.BackendFile:
		kv, err := storage.NewFileStore(cfg.ProfileDir)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() {}, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return storage.NewRedisStore(client, "profile"), func() { client.Close() }, nil

	case config.BackendMongo:
		db, err := storage.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() { db.Client().Disconnect(context.Background()) }
		return storage.NewMongoStore(db, "profiles"), cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// currentUserID pulls the user id out of the session's opaque user payload.
// Empty when logged out or when the payload has no id.
func currentUserID(manager *session.Manager) string {
	sess := manager.Current()
	if sess == nil || len(sess.User) == 0 {
		return ""
	}
	var user struct {
		ID domain.ID `json:"id"`
	}
	if err := json.Unmarshal(sess.User, &user); err != nil {
		return ""
	}
	return string(user.ID)
}
