package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"feedflow/config"
	"feedflow/internal/channel"
	"feedflow/internal/dashboard"
	"feedflow/internal/metrics"
	"feedflow/internal/normalizer"
	"feedflow/internal/orchestrator"
	"feedflow/internal/refdata"
	"feedflow/internal/registry"
	"feedflow/internal/store"
	"feedflow/internal/symbols"
	"feedflow/internal/transport"
	"feedflow/logger"
	"feedflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.FeedFlow.Name,
		"version": cfg.FeedFlow.Version,
		"feed":    cfg.Feed.URL,
	}).Info("starting feedflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" || cfg.Metrics.CloudWatch.Enabled {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}
	metrics.Init()

	mapper := symbols.NewMapper(cfg.Subscriptions.SymbolPrefix)
	reg := registry.New(mapper)
	stores := store.New(store.Limits{
		MaxBookOrders: cfg.Normalizer.MaxBookOrders,
		MaxTrades:     cfg.Normalizer.MaxTrades,
		MaxCandles:    cfg.Normalizer.MaxCandles,
		BookLevels:    cfg.Normalizer.BookLevels,
	})
	updates := channel.NewUpdates(cfg.Normalizer.EventBuffer)
	defer updates.Close()

	conn := transport.NewConnection(transport.Options{
		URL:              cfg.Feed.URL,
		BaseDelay:        cfg.Feed.Reconnect.BaseDelay,
		MaxAttempts:      cfg.Feed.Reconnect.MaxAttempts,
		HandshakeTimeout: cfg.Feed.HandshakeTime,
	})

	norm := normalizer.New(reg, stores, normalizer.Options{
		Mapper:     mapper,
		FlushDelay: cfg.Normalizer.BookFlushDelay,
		Updates:    updates,
	})

	source, err := refdata.NewSource(ctx, cfg.ReferenceData)
	if err != nil {
		log.WithError(err).Error("failed to create reference data source")
		os.Exit(1)
	}
	retry := cfg.ReferenceData.Retry
	loader := refdata.NewLoader(source, retry.MaxAttempts, retry.InitialDelay, retry.MaxDelay)

	orch := orchestrator.New(conn, reg, loader, orchestrator.Options{
		Mapper:         mapper,
		Subscriptions:  cfg.Subscriptions,
		ConnectTimeout: cfg.Feed.ConnectTimeout,
		PingInterval:   cfg.Feed.PingInterval,
	})
	norm.SetOnPong(orch.Pinger().Pong)

	conn.OnReceive(norm.Handle)
	conn.OnConnect(func() {
		updates.Publish(models.Update{Kind: models.UpdateConnection, Detail: transport.Connected.String(), At: time.Now()})
	})
	conn.OnClose(func(error) {
		norm.Reset()
		updates.Publish(models.Update{Kind: models.UpdateConnection, Detail: transport.Disconnected.String(), At: time.Now()})
	})

	monitor := registry.NewMonitor(reg, cfg.Staleness.CheckInterval, cfg.Staleness.Timeout, norm.MarkedStale)
	if err := monitor.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start staleness monitor")
		os.Exit(1)
	}

	server, err := dashboard.NewServer(cfg.Dashboard, log, dashboard.Deps{
		Stores:   stores,
		Registry: reg,
		Updates:  updates,
		Feed:     orch,
	})
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard server failed")
			}
		}()
	} else {
		log.WithComponent("main").Info("dashboard disabled; read API not served")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	exitCode := 0
	if err := orch.Bootstrap(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("bootstrap failed")
		exitCode = 1
		cancel()
	} else if err == nil {
		log.Info("all components started successfully")
	}

	<-ctx.Done()
	log.Info("starting graceful shutdown")

	conn.Stop()
	orch.Close()
	monitor.Stop()
	norm.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("feedflow stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
