package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/meshpubsub/internal/config"
	"github.com/adred-codev/meshpubsub/internal/health"
	"github.com/adred-codev/meshpubsub/internal/logging"
	"github.com/adred-codev/meshpubsub/internal/metrics"
	"github.com/adred-codev/meshpubsub/internal/pubsub"
	"github.com/adred-codev/meshpubsub/internal/tracker"
	"github.com/adred-codev/meshpubsub/internal/transport"
)

func splitList(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func main() {
	var (
		backend = flag.String("backend", "local", "cluster transport: local, nats, or kafka")
		natsURL = flag.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL (backend=nats)")
		brokers = flag.String("kafka-brokers", "127.0.0.1:9092", "comma-separated Kafka brokers (backend=kafka)")
		debug   = flag.Bool("debug", false, "enable debug logging (overrides MESH_LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat), Node: cfg.NodeName})

	// automaxprocs sets GOMAXPROCS from the container's CPU quota; log what
	// it settled on, same as the source's rounded-down reporting.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting meshpubsub node")

	node := transport.NodeName(cfg.NodeName)
	var t transport.Transport
	switch *backend {
	case "local":
		// A single-process demo cluster; useful for smoke-testing the
		// wiring without a real broker. Real multi-node deployments use
		// nats or kafka.
		t = transport.NewCluster().Join(node)
	case "nats":
		t, err = transport.NewNATS(*natsURL, node)
	case "kafka":
		t, err = transport.NewKafka(splitList(*brokers), node)
	default:
		err = fmt.Errorf("unknown backend %q", *backend)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("backend", *backend).Msg("failed to start cluster transport")
	}

	mtr := metrics.New(cfg.MetricsNamespace)

	sampler := health.NewSampler(cfg.HealthSampleInterval, cfg.DownPeriod, 90.0)
	healthCtx, cancelHealth := context.WithCancel(context.Background())
	go sampler.Run(healthCtx)

	psManager := pubsub.NewManager()
	if _, err := psManager.Start(pubsub.Config{
		Name:              cfg.Name,
		Transport:         t,
		PoolSize:          cfg.PoolSize,
		BroadcastPoolSize: cfg.BroadcastPoolSize,
		RegistrySize:      cfg.RegistrySize,
		Logger:            logger,
		Metrics:           mtr,
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to start pubsub instance")
	}

	trManager := tracker.NewManager()
	if err := trManager.Start(cfg.Name, tracker.Config{
		Name:            cfg.Name,
		ShardCount:      cfg.TrackerPoolSize,
		BroadcastPeriod: cfg.BroadcastPeriod,
		PermdownPeriod:  cfg.PermdownPeriod,
		SoftDown:        sampler.SoftDown,
	}, t, mtr, tracker.NopHandler{}, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to start tracker instance")
	}

	logger.Info().
		Str("node", string(node)).
		Str("backend", *backend).
		Int("pool_size", cfg.PoolSize).
		Int("broadcast_pool_size", cfg.BroadcastPoolSize).
		Int("tracker_pool_size", cfg.TrackerPoolSize).
		Msg("meshpubsub node ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancelHealth()
	trManager.Stop(cfg.Name)
	psManager.Stop(cfg.Name)
	if err := t.Close(); err != nil {
		logger.Warn().Err(err).Msg("error closing transport")
	}
	logger.Info().Msg("shutdown complete")
}
