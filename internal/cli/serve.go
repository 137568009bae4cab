package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/agi"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/ami"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/api"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/cache"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/carrier"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/config"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/failover"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/health"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/metrics"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/notify"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/router"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
	callMaxAge      = 2 * time.Hour
	amiRetryDelay   = 5 * time.Second
)

// core is the routing pipeline shared by the service and the one-shot
// commands.
type core struct {
	store   *carrier.Manager
	metrics *metrics.Metrics
	redis   *redis.Client
	window  *health.OutcomeWindow
	monitor *health.Monitor
	cache   *cache.RouteCache
	engine  *router.Engine
}

func newRedis(cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func healthConfig(cfg config.HealthConfig) health.Config {
	return health.Config{
		Interval:     cfg.Interval,
		ProbeTimeout: cfg.ProbeTimeout,
		Hysteresis:   cfg.Hysteresis,
		DefaultScore: cfg.DefaultScore,
		Scorer:       health.DefaultScorer(),
	}
}

func (a *app) buildCore(ctx context.Context) (*core, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.cfg
	c := &core{
		store:   store,
		metrics: metrics.New(),
		redis:   newRedis(cfg.Redis),
		window:  health.NewOutcomeWindow(cfg.Health.OutcomeWindow),
	}

	var backend cache.Backend
	if cfg.Cache.Backend == "redis" {
		backend = cache.NewRedisBackend(c.redis)
	} else {
		backend = cache.NewLocalBackend(cfg.Cache.TTL)
	}
	c.cache = cache.New(backend, cfg.Cache.TTL, c.metrics, a.logger)

	c.monitor = health.NewMonitor(healthConfig(cfg.Health), health.SIPProber{}, c.window, a.logger).
		WithWriter(store).
		WithMetrics(c.metrics)

	c.engine = router.NewEngine(router.Options{
		MaxRoutesDefault: cfg.Routing.MaxRoutesDefault,
		MaxRoutesLimit:   cfg.Routing.MaxRoutesLimit,
		StoreTimeout:     cfg.Routing.StoreTimeout,
		StoreRetries:     cfg.Routing.StoreRetries,
		SnapshotMaxAge:   cfg.Routing.SnapshotMaxAge,
		QualityBand:      cfg.Routing.QualityBand,
	}, store, c.monitor, a.logger).
		WithCache(c.cache).
		WithMetrics(c.metrics)
	return c, nil
}

func (c *core) close() {
	if c.redis != nil {
		c.redis.Close()
	}
}

func (a *app) publisher(m *metrics.Metrics, rdb *redis.Client) *notify.Publisher {
	var sinks []notify.Sink
	for _, url := range a.cfg.Notify.Webhooks {
		sinks = append(sinks, notify.NewWebhookSink(url, 5*time.Second))
	}
	if a.cfg.Notify.RedisChannel != "" {
		if rdb != nil {
			sinks = append(sinks, notify.NewRedisSink(rdb, a.cfg.Notify.RedisChannel))
		} else {
			a.logger.Warn("notify.redis_channel set but redis is disabled")
		}
	}
	if a.cfg.Notify.AMQPURL != "" {
		sinks = append(sinks, notify.NewAMQPSink(a.cfg.Notify.AMQPURL, a.cfg.Notify.AMQPExchange))
	}
	return notify.NewPublisher(a.logger, m, sinks...)
}

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, FastAGI server and health monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	c, err := a.buildCore(parent)
	if err != nil {
		return err
	}
	defer c.close()
	cfg := a.cfg

	pub := a.publisher(c.metrics, c.redis)
	defer pub.Close()
	c.monitor.WithNotifier(pub)

	coord := failover.NewCoordinator(c.store, a.logger).
		WithRecorder(failover.NewSQLRecorder(a.db)).
		WithMetrics(c.metrics)
	// With the AMI feed on, every hangup already reaches the outcome window.
	if !cfg.AMI.Enabled {
		coord.WithOutcomes(c.window)
	}

	reloader, err := carrier.NewReloader(c.store, cfg.Store.Reload, 5*time.Second, a.logger)
	if err != nil {
		return err
	}
	reloader.OnReload(func(s *carrier.Snapshot) { c.monitor.Sync(s.GatewaysSorted()) })

	apiServer := api.New(api.Deps{
		Resolver: c.engine,
		Store:    c.store,
		Health:   c.monitor,
		Cache:    c.cache,
		Notifier: pub,
		Metrics:  c.metrics.Handler(),
	}, api.Options{RateLimit: cfg.HTTP.RateLimit, RateBurst: cfg.HTTP.RateBurst}, a.logger)
	httpServer := api.NewHTTPServer(cfg.HTTP.Listen, apiServer.Handler(), cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout)

	g, ctx := errgroup.WithContext(parent)

	c.monitor.Start(ctx, c.store.Current().GatewaysSorted())
	defer c.monitor.Stop()
	reloader.Start()
	defer reloader.Stop()

	g.Go(func() error {
		a.logger.Info("http listening", zap.String("addr", cfg.HTTP.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	if cfg.AGI.Enabled {
		agiServer := agi.NewServer(c.engine, coord, 10*time.Second, a.logger)
		g.Go(func() error {
			return agiServer.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.AGI.Port))
		})
	}
	if cfg.AMI.Enabled {
		feed := ami.NewOutcomeFeed(c.store, c.window, a.logger)
		g.Go(func() error {
			a.runAMI(ctx, feed)
			return nil
		})
	}
	g.Go(func() error {
		coord.RunSweeper(ctx, sweepInterval, callMaxAge)
		return nil
	})

	a.logger.Info("lcr started",
		zap.String("version", version),
		zap.String("cache", cfg.Cache.Backend),
		zap.Bool("agi", cfg.AGI.Enabled),
		zap.Bool("ami", cfg.AMI.Enabled))
	err = g.Wait()
	a.logger.Info("lcr stopped")
	return err
}

// runAMI keeps the outcome feed connected until ctx is done.
func (a *app) runAMI(ctx context.Context, feed *ami.OutcomeFeed) {
	addr := fmt.Sprintf("%s:%d", a.cfg.AMI.Host, a.cfg.AMI.Port)
	for {
		client, err := ami.Dial(ctx, addr, a.cfg.AMI.Username, a.cfg.AMI.Password, a.logger)
		if err == nil {
			go feed.Run(ctx, client.Events())
			err = client.Run(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("ami disconnected", zap.String("addr", addr), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(amiRetryDelay):
		}
	}
}
