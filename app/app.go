// Package app assembles the engine from config. The API server and the worker
// binary share it so both processes talk to the same stores and transport.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"storystudio/api"
	"storystudio/assets"
	"storystudio/catalog"
	"storystudio/config"
	"storystudio/dispatch"
	"storystudio/idgen"
	"storystudio/ledger"
	"storystudio/mq"
	"storystudio/ossstore"
	"storystudio/payment"
	"storystudio/pgstore"
	"storystudio/provider"
	"storystudio/query"
	"storystudio/redislock"
	"storystudio/registry"
	"storystudio/store"
	"storystudio/streamq"
	"storystudio/toolbox"
	"storystudio/wechat"
	"storystudio/worker"
)

type App struct {
	Cfg *config.Config
	Log *slog.Logger

	Broker  mq.Broker
	Objects ossstore.ObjectStore
	Catalog catalog.Catalog
	Shots   catalog.ShotWriter
	Locker  redislock.Locker

	Registry   *registry.Registry
	Assets     *assets.Service
	Ledger     *ledger.Ledger
	Dispatcher *dispatch.Dispatcher
	Query      *query.Facade
	Toolbox    *toolbox.Service
	Payment    *payment.Service
	Wechat     *wechat.Client

	Text  provider.TextGenerator
	Image provider.ImageGenerator
	Video provider.VideoGenerator

	closers []func()
}

// Build connects every backend named by cfg. Call Close when done.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Cfg: cfg, Log: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	ids := idgen.Default()

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     strings.TrimSpace(cfg.Redis.Addr),
			Password: strings.TrimSpace(cfg.Redis.Password),
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.onClose(func() { _ = rdb.Close() })
	}

	var (
		jobs    store.JobStore
		assetSt store.AssetStore
		wallets store.WalletStore
		pricing store.PricingStore
	)
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := pgstore.Open(ctx, cfg.Store, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(pg.Close)
		jobs, assetSt, wallets, pricing = pg, pg, pg, pg
		a.Catalog, a.Shots = pg, pg
	default:
		logger.Warn("using in-memory stores; state is lost on restart")
		cat := catalog.NewMemory()
		jobs = store.NewInMemoryJobStore()
		assetSt = store.NewInMemoryAssetStore()
		wallets = store.NewInMemoryWalletStore()
		pricing = store.NewInMemoryPricingStore()
		a.Catalog, a.Shots = cat, cat
	}

	var payments store.PaymentStore = store.NewInMemoryPaymentStore()
	if cfg.Store.PaymentDriver == "redis" {
		payments = store.NewRedisPaymentStore(rdb, 0)
	}

	if a.Broker, err = openBroker(cfg, rdb, logger); err != nil {
		return nil, err
	}
	a.onClose(func() { _ = a.Broker.Close() })

	if rdb != nil {
		a.Locker = redislock.New(rdb, "story:lock:", logger)
	} else {
		a.Locker = redislock.NewLocal()
	}

	prefix := "story"
	if st, enabled, err := ossstore.NewFromEnv(); err != nil {
		if enabled {
			return nil, fmt.Errorf("init oss store: %w", err)
		}
	} else if enabled {
		a.Objects = st
		prefix = st.Prefix()
		logger.Info("oss store enabled", "bucket", strings.TrimSpace(os.Getenv("OSS_BUCKET")), "prefix", prefix)
	}
	if a.Objects == nil {
		logger.Warn("OSS_BUCKET 未配置，使用内存对象存储")
		a.Objects = ossstore.NewMemory("")
	}

	if err := a.buildProviders(cfg.AI, logger); err != nil {
		return nil, err
	}

	if a.Wechat, err = wechat.New(wechatConfig(cfg.Pay.Wechat), logger); err != nil {
		return nil, fmt.Errorf("init wechat pay: %w", err)
	}

	a.Registry = registry.New(jobs, ids, logger)
	a.Assets = assets.New(assetSt, a.Objects, ids, prefix, logger)
	a.Ledger = ledger.New(wallets, pricing, ids, logger)
	a.Dispatcher = dispatch.New(a.Registry, a.Catalog, a.Assets, a.Broker, logger)
	a.Query = query.New(a.Registry)
	a.Toolbox = toolbox.New(a.Registry, a.Ledger, a.Assets, a.Text, a.Image, cfg.AI.RequestTimeout, logger)
	a.Payment = payment.New(payments, a.Ledger, a.Wechat, ids, payment.Config{
		FenPerPoint: cfg.Pay.FenPerPoint,
		OrderTTL:    cfg.Pay.OrderTTL,
		MinPoints:   cfg.Pay.MinPoints,
	}, logger)
	return a, nil
}

func openBroker(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (mq.Broker, error) {
	opts := mq.Options{
		MaxAttempts: cfg.MQ.MaxAttempts,
		RetryDelay:  cfg.MQ.RetryDelay,
		Concurrency: cfg.MQ.Concurrency,
	}
	switch cfg.MQ.Driver {
	case "rabbitmq":
		r, err := mq.DialRabbit(mq.RabbitConfig{
			URL:        cfg.MQ.RabbitURL,
			MessageTTL: cfg.MQ.MessageTTL,
			Prefetch:   cfg.MQ.Prefetch,
			Options:    opts,
		}, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("MQ_DRIVER=redis 需要 REDIS_ADDR")
		}
		return streamq.New(rdb, "story-workers", consumerName(cfg.MQ.Consumer), cfg.MQ.StreamMaxLen, opts, logger), nil
	default:
		return mq.NewMemoryBroker(opts, logger), nil
	}
}

func consumerName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return strings.TrimSpace(os.Getenv("HOSTNAME"))
}

func (a *App) buildProviders(c config.AIConfig, logger *slog.Logger) error {
	if c.Mock || strings.TrimSpace(c.OpenAIKey) == "" {
		logger.Warn("AI provider running in mock mode")
		m := &provider.Mock{}
		a.Text, a.Image, a.Video = m, m, m
		return nil
	}
	oa, err := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:      c.OpenAIKey,
		BaseURL:     c.OpenAIBaseURL,
		TextModel:   c.TextModel,
		ImageModel:  c.ImageModel,
		MaxTokens:   c.TextMaxTokens,
		Temperature: c.Temperature,
		Timeout:     c.RequestTimeout,
	})
	if err != nil {
		return err
	}
	a.Text, a.Image = oa, oa
	if strings.TrimSpace(c.VideoBaseURL) == "" {
		logger.Warn("AI_VIDEO_BASE_URL 未配置，视频生成使用 mock")
		a.Video = &provider.Mock{}
		return nil
	}
	key := c.VideoAPIKey
	if key == "" {
		key = c.OpenAIKey
	}
	v, err := provider.NewVideo(provider.VideoConfig{
		BaseURL:   c.VideoBaseURL,
		APIKey:    key,
		Model:     c.VideoModel,
		Aspect:    c.VideoAspect,
		PollEvery: c.VideoPollEvery,
		MaxPolls:  c.VideoMaxPolls,
	})
	if err != nil {
		return err
	}
	a.Video = v
	return nil
}

func wechatConfig(c config.WechatConfig) wechat.Config {
	return wechat.Config{
		Mock:              c.Mock,
		MchID:             c.MchID,
		AppID:             c.AppID,
		NotifyURL:         c.NotifyURL,
		APIV3Key:          c.APIV3Key,
		MerchantKeyPath:   c.MerchantKeyPath,
		MerchantCertPath:  c.MerchantCertPath,
		MerchantSerial:    c.MerchantSerial,
		PlatformCertPath:  c.PlatformCertPath,
		PlatformPublicKey: c.PlatformPublicKey,
		PlatformKeyID:     c.PlatformKeyID,
		BaseURL:           c.BaseURL,
		Description:       c.Description,
	}
}

// API builds the HTTP server over the shared services.
func (a *App) API(serviceName string) (*api.Server, error) {
	auth, err := api.NewAuthenticator(a.Cfg.Auth.JWTSecret, a.Cfg.Auth.HeaderIdentity)
	if err != nil {
		return nil, err
	}
	return api.New(api.Deps{
		Dispatcher: a.Dispatcher,
		Query:      a.Query,
		Ledger:     a.Ledger,
		Assets:     a.Assets,
		Catalog:    a.Catalog,
		Toolbox:    a.Toolbox,
		Payment:    a.Payment,
		Wechat:     a.Wechat,
		Auth:       auth,
	}, api.Config{
		ServiceName:     serviceName,
		CORSAllowOrigin: a.Cfg.HTTP.CORSAllowOrigin,
		MaxUploadBytes:  int64(a.Cfg.HTTP.MaxUploadMB) << 20,
	}, a.Log), nil
}

func (a *App) Worker() *worker.Worker {
	w := a.Cfg.Worker
	return worker.New(worker.Deps{
		Registry: a.Registry,
		Assets:   a.Assets,
		Ledger:   a.Ledger,
		Catalog:  a.Catalog,
		Shots:    a.Shots,
		Objects:  a.Objects,
		Locker:   a.Locker,
		Text:     a.Text,
		Image:    a.Image,
		Video:    a.Video,
	}, worker.Config{
		LockTTL:          w.LockTTL,
		LockRefresh:      w.LockRefresh,
		ProviderTimeout:  w.ProviderTimeout,
		MaxInflight:      w.MaxInflight,
		WatchdogInterval: w.WatchdogInterval,
		ItemTimeout:      w.ItemTimeout,
		PendingTimeout:   w.PendingTimeout,
		TmpRoot:          w.TmpRoot,
	}, a.Log)
}

// RunWorkers consumes every business queue and the dead-letter queue and runs
// the stale-item watchdog. It blocks until ctx is done or a consumer fails.
func (a *App) RunWorkers(ctx context.Context) error {
	w := a.Worker()
	g, ctx := errgroup.WithContext(ctx)
	queues := make([]string, 0, len(mq.Routes)+1)
	for _, r := range mq.Routes {
		queues = append(queues, r.Queue)
	}
	queues = append(queues, mq.DeadLetterQueue)
	for _, q := range queues {
		g.Go(func() error {
			a.Log.Info("consumer start", "queue", q, "driver", a.Cfg.MQ.Driver)
			return a.Broker.Consume(ctx, q, w.Handler(q))
		})
	}
	g.Go(func() error { return w.RunWatchdog(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// SignalContext is canceled on SIGINT/SIGTERM. A second signal exits hard.
func SignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}
