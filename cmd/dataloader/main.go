package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/hepnos-dataloader/internal/api"
	"github.com/ahrav/hepnos-dataloader/internal/app/loader"
	appwq "github.com/ahrav/hepnos-dataloader/internal/app/workqueue"
	"github.com/ahrav/hepnos-dataloader/internal/config"
	"github.com/ahrav/hepnos-dataloader/internal/config/fileloader"
	"github.com/ahrav/hepnos-dataloader/internal/config/viperloader"
	"github.com/ahrav/hepnos-dataloader/internal/domain/ingest"
	memstore "github.com/ahrav/hepnos-dataloader/internal/infra/storage/ingest/memory"
	"github.com/ahrav/hepnos-dataloader/internal/infra/storage/ingest/postgres"
	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
	"github.com/ahrav/hepnos-dataloader/internal/infra/transport/grpcmesh"
	kafkatransport "github.com/ahrav/hepnos-dataloader/internal/infra/transport/kafka"
	memtransport "github.com/ahrav/hepnos-dataloader/internal/infra/transport/memory"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
	"github.com/ahrav/hepnos-dataloader/pkg/common/otel"
	"github.com/ahrav/hepnos-dataloader/pkg/metrics"
)

const (
	serviceName   = "dataloader"
	configFileEnv = "DATALOADER_CONFIG_FILE"
)

// build is set with -ldflags "-X main.build=...".
var build = "develop"

const (
	exitOK = iota
	exitFailure
	exitProtocolViolation
)

func main() {
	_, _ = maxprocs.Set()

	// A job file named by DATALOADER_CONFIG_FILE replaces flags and
	// environment entirely; launchers that template one file per job use it.
	var cfgLoader config.Loader
	flagLoader := viperloader.New(serviceName, os.Args[1:])
	cfgLoader = flagLoader
	if path := os.Getenv(configFileEnv); path != "" {
		cfgLoader = fileloader.NewFileLoader(path)
	}

	cfg, err := cfgLoader.Load(context.Background())
	if err != nil {
		if viperloader.IsHelp(err) {
			os.Exit(exitOK)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n\nUsage:\n%s", serviceName, err, flagLoader.Usage())
		os.Exit(exitFailure)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(exitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, log)
	stop()

	switch {
	case err == nil:
		os.Exit(exitOK)
	case errors.Is(err, appwq.ErrProtocolViolation):
		log.Error(context.Background(), "work queue protocol violation", "error", err)
		os.Exit(exitProtocolViolation)
	case errors.Is(err, context.Canceled):
		log.Warn(context.Background(), "interrupted", "error", err)
		os.Exit(exitFailure)
	default:
		log.Error(context.Background(), "loader failed", "error", err)
		os.Exit(exitFailure)
	}
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	level, enabled, err := logger.ParseLevel(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return logger.Noop(), nil
	}

	hostname, _ := os.Hostname()
	metadata := map[string]string{
		"rank":     strconv.Itoa(cfg.Rank),
		"size":     strconv.Itoa(cfg.Size),
		"hostname": hostname,
		"build":    build,
	}
	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }
	return logger.NewWithMetadata(os.Stdout, level, serviceName, traceIDFn, logger.Events{}, metadata), nil
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) (err error) {
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"job.rank":         strconv.Itoa(cfg.Rank),
			"job.size":         strconv.Itoa(cfg.Size),
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer telemetryTeardown(context.Background())

	if cfg.Telemetry.Endpoint != "" {
		log = log.WithOTel(serviceName, otel.GetLoggerProvider())
	}

	tracer := tp.Tracer(serviceName)
	mp := otel.GetMeterProvider()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	loaderMetrics := metrics.New(serviceName, registry)

	ready := &atomic.Bool{}
	if cfg.HTTP.Addr != "" {
		srv, err := api.NewServer(cfg.HTTP, build, log, tp, registry, ready.Load)
		if err != nil {
			return err
		}
		// The endpoints outlive the signal so shutdown stays observable.
		httpCtx, cancelHTTP := context.WithCancel(context.WithoutCancel(ctx))
		defer cancelHTTP()
		go func() {
			if err := srv.Start(httpCtx); err != nil {
				log.Error(httpCtx, "http server failed", "error", err)
			}
		}()
	}

	tr, err := openTransport(cfg, log, tp, tracer, mp)
	if err != nil {
		return fmt.Errorf("failed to open %s transport: %w", cfg.Transport.Kind, err)
	}
	defer func() {
		if cerr := tr.Close(); cerr != nil {
			log.Warn(context.Background(), "closing transport", "error", cerr)
		}
	}()

	store, err := openStore(ctx, cfg, log, tracer)
	if err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer store.Close()

	queueMetrics, err := appwq.NewQueueMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create queue metrics: %w", err)
	}
	queue, err := appwq.New(ctx, tr, log, tracer, queueMetrics)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if cerr := queue.Close(closeCtx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing work queue: %w", cerr))
		}
	}()
	ready.Store(true)

	log.Info(ctx, "starting loader",
		"transport", cfg.Transport.Kind,
		"input", cfg.Input,
		"output", cfg.Output,
		"threads", cfg.Threads,
		"batch_size", cfg.BatchSize,
		"async", cfg.Async,
	)

	l := loader.New(loader.Config{
		Rank:      cfg.Rank,
		Input:     cfg.Input,
		Output:    cfg.Output,
		Threads:   cfg.Threads,
		BatchSize: cfg.BatchSize,
		Async:     cfg.Async,
		RateLimit: cfg.RateLimit,
	}, queue, store, ingest.NoTables{}, loaderMetrics, log, tracer)

	start := time.Now()
	sum, err := l.Run(ctx)
	log.Info(ctx, "rank finished",
		"pushed", sum.Pushed,
		"processed", sum.Processed,
		"failed", sum.Failed,
		"drained", sum.Drained,
		"elapsed", time.Since(start).String(),
	)
	return err
}

func openTransport(
	cfg *config.Config,
	log *logger.Logger,
	tp trace.TracerProvider,
	tracer trace.Tracer,
	mp metric.MeterProvider,
) (transport.Transport, error) {
	rank := transport.Rank(cfg.Rank)

	switch cfg.Transport.Kind {
	case config.TransportMemory:
		return memtransport.NewMesh(cfg.Size).Endpoint(rank), nil
	case config.TransportGRPC:
		return grpcmesh.New(grpcmesh.Config{
			Rank:           rank,
			Peers:          cfg.Transport.Peers,
			Listen:         cfg.Transport.Listen,
			ConnectTimeout: cfg.Transport.ConnectTimeout,
		}, log, tp)
	case config.TransportKafka:
		brokerMetrics, err := kafkatransport.NewBrokerMetrics(mp)
		if err != nil {
			return nil, err
		}
		return kafkatransport.Connect(kafkatransport.Config{
			Brokers:        cfg.Transport.Kafka.Brokers,
			Topic:          cfg.Transport.Kafka.Topic,
			ClientID:       fmt.Sprintf("%s-%d", serviceName, cfg.Rank),
			Rank:           rank,
			Size:           cfg.Size,
			ConnectTimeout: cfg.Transport.ConnectTimeout,
		}, log, tracer, brokerMetrics)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger, tracer trace.Tracer) (ingest.Store, error) {
	dsn := cfg.Connection
	switch {
	case strings.HasPrefix(dsn, config.MemoryConnection):
		return memstore.NewStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		pool, err := postgres.Connect(ctx, dsn, postgres.PoolConfig{MaxConns: int32(cfg.Threads) + 2}, log, cfg.Transport.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		// Only rank 0 writes before the queue is filled, so it alone migrates.
		if cfg.Rank == 0 {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
			log.Info(ctx, "Migrations applied successfully")
		}
		return postgres.NewStore(pool, tracer), nil
	default:
		return nil, fmt.Errorf("unsupported connection %q", dsn)
	}
}
