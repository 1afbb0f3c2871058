package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"alphachat/internal/ai"
	appsvc "alphachat/internal/app"
	"alphachat/internal/cache"
	"alphachat/internal/config"
	"alphachat/internal/metrics"
	"alphachat/internal/model"
	mysqlClient "alphachat/internal/platform/mysql"
	rabbitmqClient "alphachat/internal/platform/rabbitmq"
	redisClient "alphachat/internal/platform/redis"
	"alphachat/internal/quota"
	"alphachat/internal/ratelimit"
	"alphachat/internal/repository"
	"alphachat/internal/store"
	"alphachat/internal/worker"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	MySQL         *gorm.DB
	Redis         *redis.Client
	MQConn        *amqp.Connection
	UpgradeWorker *worker.UpgradeWorker
	Generator     ai.Generator
	Limiter       ratelimit.Limiter
	Metrics       *metrics.Metrics

	Sessions *store.SessionStore
	Auth     *appsvc.AuthService
	Chat     *appsvc.ChatService
	Billing  *appsvc.BillingService

	StartedAt time.Time

	stop context.CancelFunc
	wg   sync.WaitGroup
}

type Option func(*options)

type options struct {
	logger    *slog.Logger
	generator ai.Generator
}

// WithLogger replaces the logger built from app.log_level and app.log_format.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithGenerator replaces the provider selected by llm.provider.
func WithGenerator(generator ai.Generator) Option {
	return func(o *options) { o.generator = generator }
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return Build(ctx, cfg)
}

// Build connects every configured dependency and wires the services. Redis and RabbitMQ are
// optional: an empty address leaves them out.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = NewLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics.New(),
		StartedAt: time.Now(),
	}
	if err := a.build(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.Config

	docs, err := a.openDocuments(ctx)
	if err != nil {
		return err
	}

	var sessionCache store.SessionListCache
	if cfg.Redis.Addr != "" {
		a.Redis, err = redisClient.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		sessionCache = cache.NewSessionCache(
			a.Redis,
			cfg.Redis.KeyPrefix,
			time.Duration(cfg.Redis.SessionCacheTTLSeconds)*time.Second,
			time.Duration(cfg.Redis.SessionDirtyTTLSeconds)*time.Second,
		)
	}
	a.Sessions = store.NewSessionStore(docs, sessionCache, a.Logger.With(slog.String("component", "store")))

	a.Limiter, err = a.newLimiter()
	if err != nil {
		return err
	}

	a.Generator = o.generator
	if a.Generator == nil {
		a.Generator, err = newGenerator(ctx, cfg.LLM)
		if err != nil {
			return err
		}
	}
	if a.Generator == nil {
		a.Logger.Warn("no llm api key configured, chat requests will fail", slog.String("provider", cfg.LLM.Provider))
	}

	tracker := quota.NewTracker(cfg.Quota.FreeAlphaLimit)
	a.Auth = appsvc.NewAuthService(docs, tracker, cfg.Auth.JWTSecret, cfg.JWTExpiration())
	a.Chat = appsvc.NewChatService(a.Sessions, a.Limiter, tracker, a.Generator, appsvc.ChatOptions{
		Personas: appsvc.Personas{
			Alpha:  cfg.LLM.AlphaPrompt,
			Strict: cfg.LLM.StrictPrompt,
		},
		MaxContext:  cfg.LLM.MaxContextMessage,
		IdleTimeout: cfg.StreamIdleTimeout(),
	}, a.Metrics, a.Logger)

	upgrades := appsvc.NewUpgradeService(a.Sessions, tracker, a.Metrics, a.Logger)
	var publisher appsvc.SettlementPublisher
	if cfg.RabbitMQ.URL != "" {
		a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
		if err != nil {
			return err
		}
		publisher = rabbitmqClient.NewSettlementPublisher(a.MQConn, cfg.RabbitMQ.UpgradeQueue)
		a.UpgradeWorker = worker.NewUpgradeWorker(a.MQConn, upgrades, cfg.RabbitMQ.UpgradeQueue, a.Logger)
		if err := a.UpgradeWorker.Start(ctx); err != nil {
			return fmt.Errorf("start upgrade worker failed: %w", err)
		}
	}
	a.Billing = appsvc.NewBillingService(appsvc.BillingOptions{
		SecretKey:     cfg.Billing.StripeSecretKey,
		WebhookSecret: cfg.Billing.WebhookSecret,
		PriceID:       cfg.Billing.PriceID,
		FrontendURL:   cfg.Billing.FrontendURL,
	}, publisher, upgrades, a.Logger)

	return nil
}

func (a *App) openDocuments(ctx context.Context) (store.Documents, error) {
	if a.Config.Storage.Driver == config.StorageMemory {
		a.Logger.Warn("using in-memory storage, data is lost on restart")
		return store.NewMemoryDocuments(), nil
	}

	db, err := mysqlClient.New(ctx, a.Config.MySQLDSN(), a.Logger)
	if err != nil {
		return nil, err
	}
	a.MySQL = db
	if err := db.AutoMigrate(&model.User{}); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}
	return repository.NewUserRepository(db), nil
}

func (a *App) newLimiter() (ratelimit.Limiter, error) {
	cfg := a.Config
	if cfg.RateLimit.Backend == config.RateLimitRedis {
		if a.Redis == nil {
			return nil, errors.New("redis rate limiter needs redis.addr")
		}
		return ratelimit.NewRedisSlidingWindow(a.Redis, cfg.Redis.KeyPrefix, cfg.RateLimit.Limit, cfg.RateLimitWindow()), nil
	}

	limiter := ratelimit.NewSlidingWindow(cfg.RateLimit.Limit, cfg.RateLimitWindow())
	janitorCtx, stop := context.WithCancel(context.Background())
	a.stop = stop
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		limiter.Run(janitorCtx, 0)
	}()
	return limiter, nil
}

// newGenerator returns nil without error when no api key is configured.
func newGenerator(ctx context.Context, cfg config.LLMConfig) (ai.Generator, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return ai.NewOpenAICompatibleClient(ai.ChatConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		}, &http.Client{}), nil
	default:
		client, err := ai.NewGeminiClient(ctx, ai.GeminiConfig{
			APIKey: cfg.APIKey,
			Model:  cfg.Model,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func (a *App) Close() error {
	var closeErr error
	if a.stop != nil {
		a.stop()
	}
	a.wg.Wait()
	if a.UpgradeWorker != nil {
		a.UpgradeWorker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
