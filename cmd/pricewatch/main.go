package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pricewatch/internal/config"
	"pricewatch/internal/engine"
	"pricewatch/internal/feed"
	"pricewatch/internal/finnhub"
	"pricewatch/internal/notify"
	"pricewatch/internal/prices"
	"pricewatch/internal/reconnect"
	"pricewatch/internal/server"
	"pricewatch/internal/sink"
	"pricewatch/internal/store"
	"pricewatch/internal/symbol"
	"pricewatch/internal/watchlist"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("pricewatch stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("bye")
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("pricewatch starting",
		zap.Int("port", cfg.Port),
		zap.String("feed_url", cfg.Feed.URL),
		zap.Bool("token_set", cfg.Feed.Token != ""),
		zap.Bool("keep_exchange_suffix", cfg.Symbols.KeepExchangeSuffix),
	)
	if cfg.Feed.Token == "" {
		logger.Warn("no feed token configured; streaming stays disconnected until PRICEWATCH_FEED_TOKEN is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// State
	norm := symbol.Normalizer{KeepSuffix: cfg.Symbols.KeepExchangeSuffix}
	ps := prices.NewStore(norm)
	model := watchlist.NewModel(norm, ps)

	var persister engine.Persister
	if cfg.Storage.SQLitePath != "" {
		db, err := store.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		items, err := db.Load(ctx)
		if err != nil {
			return fmt.Errorf("load watchlist: %w", err)
		}
		model.Load(items)
		persister = db
		logger.Info("watchlist restored", zap.String("path", cfg.Storage.SQLitePath), zap.Int("instruments", len(items)))
	}

	hub := server.NewHub(logger.Named("ws"))
	notifiers := notify.Multi{notify.Log{Logger: logger.Named("alerts")}, hub}
	tickObs := []engine.TickObserver{hub}

	// Optional sinks
	var redisSink *sink.RedisSink
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable; queued writes will fail until it is back", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		redisSink = sink.NewRedisSink(rdb, cfg.Redis.TTL, logger.Named("redis"))
		notifiers = append(notifiers, redisSink)
		tickObs = append(tickObs, redisSink)
	}
	if cfg.Kafka.Enabled {
		ks := sink.NewKafkaSink(
			sink.NewKafkaWriter(cfg.Kafka.Brokers, logger.Named("kafka")),
			cfg.Kafka.TickTopic, cfg.Kafka.AlertTopic, logger.Named("kafka"))
		defer func() {
			if err := ks.Close(); err != nil {
				logger.Warn("kafka close", zap.Error(err))
			}
		}()
		notifiers = append(notifiers, ks)
		tickObs = append(tickObs, ks)
	}

	// Streaming feed + loop
	conn := feed.NewConnection(feed.Options{
		URL:             cfg.Feed.URL,
		Token:           cfg.Feed.Token,
		TeardownTimeout: cfg.Feed.TeardownTimeout,
		ReadTimeout:     cfg.Feed.ReadTimeout,
		PingInterval:    cfg.Feed.PingInterval,
	}, logger.Named("feed"))

	loop := engine.New(engine.Options{
		Feed:            conn,
		Watchlist:       model,
		Prices:          ps,
		Notifier:        notifiers,
		Store:           persister,
		TickObservers:   tickObs,
		StatusObservers: []engine.StatusObserver{hub},
		Logger:          logger.Named("engine"),
	})

	sup := &reconnect.Supervisor{
		Target:    loop,
		BaseDelay: cfg.Reconnect.BaseDelay,
		MaxDelay:  cfg.Reconnect.MaxDelay,
		Logger:    logger.Named("reconnect"),
	}

	// HTTP server + WS hub
	gin.SetMode(gin.ReleaseMode)
	api := server.NewHTTPServer(server.Options{
		Engine:       loop,
		Watchlist:    model,
		Prices:       ps,
		Lookup:       finnhub.NewClient(cfg.REST.BaseURL, cfg.Feed.Token, cfg.REST.Timeout, logger.Named("finnhub")),
		Hub:          hub,
		QuoteTimeout: cfg.REST.Timeout,
		Logger:       logger.Named("http"),
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if redisSink != nil {
		g.Go(func() error {
			redisSink.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shCtx)
	})
	return g.Wait()
}
