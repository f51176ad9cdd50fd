package di

import (
	"context"
	"errors"
	"fmt"

	"persona-chat/backend/ai"
	"persona-chat/backend/internal/jobs"
	"persona-chat/backend/internal/leafcache"
	"persona-chat/backend/internal/metrics"
	"persona-chat/backend/internal/repository"
	"persona-chat/backend/internal/service"
	"persona-chat/backend/internal/thread"
	"persona-chat/backend/pkg/cache"
	"persona-chat/backend/pkg/config"
	"persona-chat/backend/pkg/health"
	"persona-chat/backend/pkg/jwt"
	"persona-chat/backend/pkg/logger"
	"persona-chat/backend/pkg/resilience"
	"persona-chat/backend/pkg/secrets"
	sharedredis "persona-chat/backend/shared/redis"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Container holds all the dependencies for the application
type Container struct {
	Config   *config.Config
	DB       *gorm.DB
	Redis    *redis.Client
	Logger   *logger.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Secrets  secrets.Manager
	Health   *health.Checker

	JWTService        *jwt.Service
	Provider          *ai.GuardedProvider
	LeafCache         *leafcache.Cache
	Jobs              jobs.Dispatcher
	ChatService       *service.ChatService
	GenerationService *service.GenerationService

	closers []func() error
}

// Options carries what the caller builds before the container
type Options struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *logger.Logger
	// Registry defaults to a fresh registry with Go and process collectors.
	Registry *prometheus.Registry
	// Provider replaces the OpenAI client, for tests.
	Provider ai.Provider
	// Secrets replaces the Vault/env manager, for tests.
	Secrets secrets.Manager
}

// New creates a new dependency injection container
func New(ctx context.Context, opts Options) (*Container, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Get()
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetGlobal()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	c := &Container{
		Config:   cfg,
		DB:       opts.DB,
		Logger:   log,
		Registry: reg,
		Metrics:  metrics.New(reg),
		Health:   health.NewChecker(log, cfg.Observability.HealthInterval),
	}

	c.Secrets = opts.Secrets
	if c.Secrets == nil {
		c.Secrets = c.secretManager()
	}

	c.JWTService = jwt.NewService(
		secrets.GetWithDefault(ctx, c.Secrets, "jwt-secret", cfg.JWT.Secret),
		cfg.JWT.Issuer,
		0,
	)

	provider := opts.Provider
	if provider == nil {
		apiKey, err := c.Secrets.GetSecret(ctx, cfg.LLM.APIKeySecret)
		if err != nil {
			return nil, fmt.Errorf("resolving LLM API key %q: %w", cfg.LLM.APIKeySecret, err)
		}
		provider = ai.NewOpenAIProvider(cfg.LLM.BaseURL, apiKey)
	}
	c.Provider = ai.NewGuardedProvider(provider, cfg.LLM.FallbackModel, log,
		ai.WithBreakerObserver(func(model string, state resilience.State) {
			c.Metrics.ObserveBreaker(model, string(state))
		}),
	)

	store, err := c.leafStore(ctx)
	if err != nil {
		return nil, err
	}
	c.LeafCache = leafcache.New(store, cfg.Thread.LeafCacheTTL, c.Metrics)

	c.Jobs = jobs.NoopDispatcher{}
	if cfg.Jobs.Enabled {
		if c.Redis == nil {
			return nil, errors.New("jobs require redis")
		}
		c.Jobs = jobs.NewRedisDispatcher(c.Redis, cfg.Redis.KeyPrefix+cfg.Jobs.QueuePrefix, cfg.Jobs.TokenTTL, c.Metrics)
	}

	c.Health.RegisterDatabaseCheck(func(ctx context.Context) error {
		return config.TestConnection(ctx, c.DB)
	})
	c.Health.RegisterProviderCheck(c.Provider.OpenModels)
	if c.Redis != nil {
		c.Health.RegisterRedisCheck(func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		})
	}

	c.wireServices()
	return c, nil
}

func (c *Container) secretManager() secrets.Manager {
	cfg := c.Config
	if cfg.Vault.Address == "" {
		return secrets.EnvManager{}
	}
	vm, err := secrets.NewVaultManager(secrets.VaultConfig{
		Address:  cfg.Vault.Address,
		Token:    cfg.Vault.Token,
		Mount:    cfg.Vault.Mount,
		Path:     cfg.Vault.Path,
		CacheTTL: cfg.Cache.TTL,
	}, c.Logger)
	if err != nil {
		c.Logger.Warn("vault unavailable, reading secrets from the environment", "error", err.Error())
		return secrets.EnvManager{}
	}
	c.closers = append(c.closers, func() error { vm.Close(); return nil })
	return vm
}

// leafStore picks Redis when enabled, the in-memory cache otherwise.
func (c *Container) leafStore(ctx context.Context) (leafcache.Store, error) {
	cfg := c.Config
	if cfg.Redis.Enabled {
		client, err := sharedredis.NewClient(ctx, cfg.Redis.URL, cfg.Redis.Timeout)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		c.Redis = client
		c.closers = append(c.closers, client.Close)
		return leafcache.NewRedisStore(client, cfg.Redis.KeyPrefix+"leaf:"), nil
	}

	mem := cache.New(cache.Options{
		DefaultExpiration: cfg.Thread.LeafCacheTTL,
		CleanupInterval:   cfg.Cache.PurgeWindow,
		MaxItems:          cfg.Cache.MaxSize,
	})
	c.closers = append(c.closers, func() error { mem.Close(); return nil })
	return leafcache.NewMemoryStore(mem), nil
}

func (c *Container) wireServices() {
	cfg := c.Config

	threadCfg := thread.DefaultConfig()
	threadCfg.CheckpointThreshold = cfg.Thread.CheckpointThreshold
	threadCfg.PreviewCharCap = cfg.Thread.PreviewCharCap
	threadCfg.FetchLimit = cfg.Thread.FetchLimit
	threadCfg.MaxFetchLimit = cfg.Thread.MaxFetchLimit
	threadCfg.SummaryMaxWords = cfg.Thread.SummaryMaxWords
	threadCfg.SummaryModel = cfg.LLM.SummaryModel
	threadCfg.ReconstructTimeout = cfg.Thread.ReconstructTimeout
	threadCfg.SummaryTimeout = cfg.Thread.SummaryTimeout

	chats := repository.NewGormChatRepository(c.DB)
	personas := repository.NewGormPersonaRepository(c.DB)
	messages := repository.NewGormMessageRepository(c.DB)

	resolver := thread.NewLeafResolver(messages)
	reconstructor := thread.NewReconstructor(messages, threadCfg, c.Metrics)
	locator := service.NewLeafLocator(c.LeafCache, resolver, messages)

	c.ChatService = service.NewChatService(service.ChatServiceDeps{
		Chats:         chats,
		Personas:      personas,
		Messages:      messages,
		Resolver:      resolver,
		Reconstructor: reconstructor,
		Branches:      thread.NewBranchIndex(messages, threadCfg),
		Locator:       locator,
		Cache:         c.LeafCache,
		DefaultModel:  cfg.LLM.Model,
	})

	c.GenerationService = service.NewGenerationService(service.GenerationDeps{
		Chats:         chats,
		Personas:      personas,
		Messages:      messages,
		Locator:       locator,
		Reconstructor: reconstructor,
		Summarizer:    thread.NewSummarizer(c.Provider, threadCfg, c.Metrics),
		Provider:      c.Provider,
		Cache:         c.LeafCache,
		Jobs:          c.Jobs,
		Metrics:       c.Metrics,
		Logger:        c.Logger,
	}, service.GenerationConfig{
		DefaultModel:        cfg.LLM.Model,
		MaxTokens:           cfg.LLM.MaxTokens,
		Temperature:         cfg.LLM.Temperature,
		CheckpointThreshold: cfg.Thread.CheckpointThreshold,
		GenerationTimeout:   cfg.Thread.GenerationTimeout,
		PersistTimeout:      cfg.Thread.PersistTimeout,
		SceneImage:          cfg.Jobs.Enabled && cfg.Jobs.SceneImage,
	})
}

// Close releases connections in reverse order of creation.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
