package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	_ = godotenv.Load()

	flags := startFlags()
	app := &cli.App{
		Name:  "sqs-poller",
		Usage: "Poll an AWS SQS queue and route messages to event and compliance sinks",
		Commands: []*cli.Command{
			{
				Name:      "start",
				Usage:     "Start polling the queue",
				ArgsUsage: "[forever]",
				Flags:     flags,
				Before:    altsrc.InitInputSourceWithContext(flags, altsrc.NewYamlSourceFromFlagFunc("config")),
				Action:    startPoller,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Application failed")
	}
}

func startPoller(c *cli.Context) error {
	cfg := configFromContext(c)
	if err := cfg.Validate(); err != nil {
		return err
	}

	lvl, _ := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger := log.Logger.Level(lvl).With().Str("run_id", xid.New().String()).Logger()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// aws config
	var awsOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		awsOpts = append(awsOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		awsOpts = append(awsOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCFG, err := config.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCFG, func(o *sqs.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})

	queue, err := ResolveQueue(ctx, sqsClient, cfg.QueueName, logger)
	if err != nil {
		return fmt.Errorf("failed to resolve queue %q: %w", cfg.QueueName, err)
	}
	logger.Info().Str("queue_url", queue.URL()).Msg("Resolved queue")
	queue.LogQueueStats(ctx)

	backends, err := OpenBackends(cfg.Backends)
	if err != nil {
		return fmt.Errorf("failed to open sink backends: %w", err)
	}
	defer backends.Close()

	events := MultiSink{NewLogSink("event", backends.Writer())}
	compliance := MultiSink{NewLogSink("compliance", backends.Writer())}

	var db *Database
	if cfg.DatabaseURL != "" {
		db, err = NewDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to create database schema: %w", err)
		}
		events = append(events, NewArchiveSink("event", db))
		compliance = append(compliance, NewArchiveSink("compliance", db))
	}

	var opts []PollerOption

	dedupStore, err := NewDeduplicationStore(cfg.DedupType, db.SQL())
	if err != nil {
		return fmt.Errorf("failed to create deduplication store: %w", err)
	}
	if dedupStore != nil {
		defer dedupStore.Close()
		opts = append(opts, WithDeduplication(dedupStore))
	}

	metrics := NewMetrics()
	opts = append(opts, WithMetrics(metrics))
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, metrics, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	router := NewRouter(cfg.ComplianceMarker, cfg.SubjectField)
	poller := NewPoller(cfg.Poller, queue, router, events, compliance, logger, opts...)

	reason := poller.Run(ctx)
	logger.Info().Str("reason", reason.String()).Msg("Shutting down")

	return nil
}

func serveMetrics(addr string, metrics *Metrics, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("Serving metrics")
	return srv
}
