package bootstrap

import (
	"context"
	"fmt"

	"github.com/sorryhyun/DiPeO-sub011/common/apikeys"
	"github.com/sorryhyun/DiPeO-sub011/common/config"
	"github.com/sorryhyun/DiPeO-sub011/common/llm"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
	"github.com/sorryhyun/DiPeO-sub011/common/storage"
)

// Components holds everything a binary needs wired at startup. DB and
// Events stay nil when the deployment runs without Postgres or redis;
// callers check before use.
type Components struct {
	Config *config.Config
	Logger *logger.Logger
	Files  *storage.FileStore
	Keys   *apikeys.Store
	LLM    llm.Client
	DB     *storage.DB
	Events *storage.EventPublisher
}

type options struct {
	withDB    bool
	withRedis bool
}

// Option tunes Setup
type Option func(*options)

// WithoutDB skips the Postgres connection
func WithoutDB() Option {
	return func(o *options) { o.withDB = false }
}

// WithoutRedis skips the redis event publisher
func WithoutRedis() Option {
	return func(o *options) { o.withRedis = false }
}

// Setup loads configuration and connects the shared components
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	settings := options{withDB: true, withRedis: true}
	for _, opt := range opts {
		opt(&settings)
	}

	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.Info("starting service", "name", serviceName, "environment", cfg.Service.Environment)

	c := &Components{
		Config: cfg,
		Logger: log,
		Files:  storage.NewFileStore(cfg.Files, log),
		Keys:   apikeys.NewStore(cfg.Execution.APIKeyTTL),
		LLM:    llm.NewService(cfg.LLM, log),
	}

	if settings.withDB && cfg.Database.Host != "" {
		db, err := storage.NewDB(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		c.DB = db
	}

	if settings.withRedis && cfg.Redis.Enabled {
		events, err := storage.NewEventPublisher(cfg.Redis, log)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		c.Events = events
	}

	return c, nil
}

// Shutdown releases held connections
func (c *Components) Shutdown() {
	if c.Events != nil {
		if err := c.Events.Close(); err != nil {
			c.Logger.Error("closing event publisher", "error", err)
		}
	}
	if c.DB != nil {
		c.DB.Close()
	}
	c.Logger.Info("shutdown complete")
}
