package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/sensorlink/internal/config"
	"github.com/zsiec/sensorlink/internal/health"
	"github.com/zsiec/sensorlink/internal/ingestion"
	"github.com/zsiec/sensorlink/internal/ingestion/events"
	"github.com/zsiec/sensorlink/internal/ingestion/registry"
	"github.com/zsiec/sensorlink/internal/logger"
	"github.com/zsiec/sensorlink/internal/server"
	"github.com/zsiec/sensorlink/internal/transport"
	"github.com/zsiec/sensorlink/internal/transport/mock"
	"github.com/zsiec/sensorlink/internal/transport/serial"
	"github.com/zsiec/sensorlink/internal/transport/udp"
	"github.com/zsiec/sensorlink/pkg/version"
)

func main() {
	var (
		configPath  string
		showVersion bool
		listPorts   bool
	)

	flag.StringVar(&configPath, "config", "configs/default.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&listPorts, "list-ports", false, "List serial ports and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	if listPorts {
		ports, err := serial.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list serial ports: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logrusLogger, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.FromLogrus(logrusLogger)

	log.WithFields(version.GetInfo().Fields()).Info("Starting sensorlink")
	log.WithField("config_path", configPath).Debug("Configuration loaded")

	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Redis.Addresses,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logrusLogger.WithError(err).Fatal("Failed to connect to Redis")
	}
	log.Info("Connected to Redis successfully")

	tr, err := newTransport(cfg.Transport, log)
	if err != nil {
		logrusLogger.WithError(err).Fatal("Failed to create transport")
	}

	sink := events.NewAsync(events.NewMulti(
		events.NewLogSink(log, cfg.Logging.RateLogInterval),
		events.NewMetricsSink(),
	), cfg.Logging.EventBuffer)
	reg := registry.NewRedisRegistry(redisClient, log, cfg.Registry.TTL)

	manager, err := ingestion.NewManager(cfg, tr, reg, sink, log)
	if err != nil {
		logrusLogger.WithError(err).Fatal("Failed to create ingestion manager")
	}

	srv := server.New(&cfg.Server, log,
		health.NewRedisChecker(redisClient),
		health.NewDeviceChecker(manager),
	)
	srv.RegisterRoutes(ingestion.NewHandlers(manager, log).RegisterRoutes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsSrv := server.NewMetricsServer(cfg.Metrics, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.Start(ctx); err != nil {
				log.WithError(err).Error("Metrics server error")
			}
		}()
	}

	if err := manager.Start(); err != nil {
		logrusLogger.WithError(err).Fatal("Failed to start ingestion manager")
	}

	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Error("Server error")
		cancel()
	}

	if err := manager.Stop(); err != nil {
		log.WithError(err).Error("Failed to stop ingestion manager cleanly")
	}
	sink.Close()
	if n := sink.Dropped(); n > 0 {
		log.WithField("events_dropped", n).Warn("Event queue overflowed during run")
	}
	if closer, ok := tr.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.WithError(err).Warn("Failed to close transport")
		}
	}
	wg.Wait()

	if err := redisClient.Close(); err != nil {
		log.WithError(err).Error("Failed to close Redis connection")
	}

	log.Info("Server shutdown complete")
}

func newTransport(cfg config.TransportConfig, log logger.Logger) (transport.Transport, error) {
	switch cfg.Kind {
	case "udp":
		return udp.New(cfg, log), nil
	case "serial":
		return serial.New(cfg, log), nil
	case "mock":
		return mock.New(cfg.NotifyCharacteristic, cfg.CommandCharacteristic), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}
