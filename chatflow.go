// Package chatflow provides a top-level convenience entry point for building
// the conversational workflow engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/chatflow"
//
//	eng, err := chatflow.New(chatflow.WithProvider(myProvider))
//	eng, err := chatflow.New(
//	    chatflow.WithProvider(primary),
//	    chatflow.WithFallbackProvider(backup),
//	    chatflow.WithStore(redisStore),
//	    chatflow.WithRegistry(reg),
//	)
//
// This is a thin wrapper around [engine.New]; use the engine package directly
// when you need full control over every dependency.
package chatflow

import (
	"fmt"

	"github.com/BaSui01/chatflow/checkpoint"
	"github.com/BaSui01/chatflow/config"
	"github.com/BaSui01/chatflow/engine"
	"github.com/BaSui01/chatflow/internal/database"
	"github.com/BaSui01/chatflow/internal/logging"
	"github.com/BaSui01/chatflow/internal/metrics"
	"github.com/BaSui01/chatflow/llm"
	"github.com/BaSui01/chatflow/tools"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	provider  llm.Provider
	fallback  llm.Provider
	store     checkpoint.Store
	registry  tools.Registry
	logger    *zap.Logger
	collector *metrics.Collector
	engineCfg engine.Config
	llmCfg    llm.InvokerConfig
}

// WithProvider sets the primary model provider. Required.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithFallbackProvider sets the provider used after the primary's retry
// budget is exhausted.
func WithFallbackProvider(p llm.Provider) Option {
	return func(o *options) { o.fallback = p }
}

// WithStore sets the checkpoint store. Defaults to an in-memory store.
func WithStore(s checkpoint.Store) Option {
	return func(o *options) { o.store = s }
}

// WithRegistry sets the tool registry exposed to the model.
func WithRegistry(r tools.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMaxSteps caps the number of steps a single run may execute.
func WithMaxSteps(n int) Option {
	return func(o *options) { o.engineCfg.MaxSteps = n }
}

// WithBusyPolicy sets how a second call on a busy thread is handled.
func WithBusyPolicy(p engine.BusyPolicy) Option {
	return func(o *options) { o.engineCfg.BusyPolicy = p }
}

// WithMetrics enables Prometheus instrumentation under the given namespace,
// registered on the default registry.
func WithMetrics(namespace string) Option {
	return func(o *options) {
		o.collector = metrics.NewCollector(namespace, nil, o.logger)
	}
}

// WithDefaultModel sets the model used when a run does not name one.
func WithDefaultModel(model string) Option {
	return func(o *options) { o.llmCfg.DefaultModel = model }
}

// WithFallbackModel sets the model substituted on the primary provider when
// no fallback provider is configured.
func WithFallbackModel(model string) Option {
	return func(o *options) { o.llmCfg.FallbackModel = model }
}

// New assembles a workflow engine from the given options.
// At minimum a primary provider must be supplied via [WithProvider].
func New(opts ...Option) (*engine.Engine, error) {
	o := &options{
		engineCfg: engine.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.provider == nil {
		return nil, fmt.Errorf("model provider is required: use WithProvider")
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.store == nil {
		o.store = checkpoint.NewMemoryStore()
	}

	invoker := llm.NewInvoker(o.provider, o.fallback, o.llmCfg, o.collector, o.logger)
	executor := tools.NewDefaultExecutor(o.registry, o.collector, o.logger)

	return engine.New(o.store, invoker, executor, o.registry, o.engineCfg, o.collector, o.logger)
}

// NewFromConfig 按配置装配引擎：日志器、检查点后端（memory / redis /
// database）以及引擎与模型调用参数全部取自 cfg；Provider 等无法用配置
// 表达的依赖仍通过选项注入，且选项的优先级高于配置。
//
//	cfg := config.MustLoad("chatflow.yaml")
//	eng, err := chatflow.NewFromConfig(cfg, chatflow.WithProvider(myProvider))
func NewFromConfig(cfg *config.Config, opts ...Option) (*engine.Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(cfg.Log)
	store, err := buildStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithLogger(logger),
		WithStore(store),
		withEngineConfig(engineConfigFrom(cfg.Engine)),
		withInvokerConfig(invokerConfigFrom(cfg.LLM)),
	}
	return New(append(base, opts...)...)
}

func withEngineConfig(cfg engine.Config) Option {
	return func(o *options) { o.engineCfg = cfg }
}

func withInvokerConfig(cfg llm.InvokerConfig) Option {
	return func(o *options) { o.llmCfg = cfg }
}

func engineConfigFrom(c config.EngineConfig) engine.Config {
	return engine.Config{
		MaxSteps:          c.MaxSteps,
		CheckpointTimeout: c.CheckpointTimeout,
		BusyPolicy:        engine.BusyPolicy(c.BusyPolicy),
		StreamBuffer:      c.StreamBuffer,
	}
}

func invokerConfigFrom(c config.LLMConfig) llm.InvokerConfig {
	cfg := llm.InvokerConfig{
		DefaultModel:  c.DefaultModel,
		FallbackModel: c.FallbackModel,
		Timeout:       c.Timeout,
	}
	if c.MaxRetries > 0 {
		cfg.Retry = &llm.RetryPolicy{
			MaxRetries:   c.MaxRetries,
			InitialDelay: c.InitialDelay,
			MaxDelay:     c.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		}
	}
	return cfg
}

// buildStore 按 cfg.Checkpoint.Backend 选择检查点存储实现。
func buildStore(cfg *config.Config, logger *zap.Logger) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "", "memory":
		return checkpoint.NewMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		return checkpoint.NewRedisStore(client, cfg.Checkpoint.KeyPrefix, 0, logger), nil
	case "database":
		pool, err := database.Open(database.Config{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN(),
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint database: %w", err)
		}
		return checkpoint.NewGormStore(pool.DB(), logger)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %q", cfg.Checkpoint.Backend)
	}
}
