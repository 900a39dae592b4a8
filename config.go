package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

// Config is everything the poller needs, resolved from flags, env vars and
// the optional YAML config file before any AWS call is made.
type Config struct {
	QueueName       string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	EndpointURL     string

	Poller PollerConfig

	ComplianceMarker string
	SubjectField     string

	Backends BackendConfig

	DatabaseURL string
	DedupType   string
	MetricsAddr string
	LogLevel    string
}

func startFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "YAML file to read flag values from",
			EnvVars: []string{"POLLER_CONFIG"},
		},
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "queue-name",
			Usage:   "Name of the SQS queue to poll",
			EnvVars: []string{"SQS_QUEUE_NAME"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "region",
			Usage:   "AWS region (defaults to the SDK's resolution chain)",
			EnvVars: []string{"AWS_REGION"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "aws-access-key-id",
			Usage:   "Static AWS access key, leave empty to use the default credential chain",
			EnvVars: []string{"POLLER_AWS_ACCESS_KEY_ID"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "aws-secret-access-key",
			Usage:   "Static AWS secret key",
			EnvVars: []string{"POLLER_AWS_SECRET_ACCESS_KEY"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "endpoint-url",
			Usage:   "Override the SQS endpoint, e.g. for localstack",
			EnvVars: []string{"SQS_ENDPOINT_URL"},
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:    "forever",
			Usage:   "Keep polling until interrupted instead of exiting when the queue is empty",
			EnvVars: []string{"POLLER_FOREVER"},
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:    "max-uptime",
			Usage:   "When not running forever, exit after this long",
			Value:   DefaultMaxUptime,
			EnvVars: []string{"POLLER_MAX_UPTIME"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "batch-size",
			Usage:   "Messages per receive call (1-10)",
			Value:   DefaultBatchSize,
			EnvVars: []string{"POLLER_BATCH_SIZE"},
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:    "wait-time",
			Usage:   "Long poll wait per receive call (0-20s)",
			Value:   DefaultWaitTime,
			EnvVars: []string{"POLLER_WAIT_TIME"},
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:    "network-retry-delay",
			Usage:   "Delay before retrying after the network is unreachable",
			Value:   DefaultNetworkRetryDelay,
			EnvVars: []string{"POLLER_NETWORK_RETRY_DELAY"},
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:    "failure-retry-delay",
			Usage:   "Delay before retrying after any other receive failure",
			Value:   DefaultFailureRetryDelay,
			EnvVars: []string{"POLLER_FAILURE_RETRY_DELAY"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "workers",
			Usage:   "Goroutines used to process a batch",
			Value:   1,
			EnvVars: []string{"POLLER_WORKERS"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "compliance-marker",
			Usage:   "Subject text that routes a message to the compliance sink",
			Value:   DefaultComplianceMarker,
			EnvVars: []string{"POLLER_COMPLIANCE_MARKER"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "subject-field",
			Usage:   "Message field checked for the compliance marker",
			Value:   DefaultSubjectField,
			EnvVars: []string{"POLLER_SUBJECT_FIELD"},
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:    "console-enabled",
			Usage:   "Write routed messages to stdout",
			Value:   true,
			EnvVars: []string{"POLLER_CONSOLE_ENABLED"},
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:    "file-enabled",
			Usage:   "Write routed messages to a rotating log file",
			EnvVars: []string{"POLLER_FILE_ENABLED"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "log-path",
			Usage:   "Log file path when file-enabled is set",
			EnvVars: []string{"POLLER_LOG_PATH"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "log-max-size-mb",
			Usage:   "Rotate the log file after this many megabytes",
			Value:   100,
			EnvVars: []string{"POLLER_LOG_MAX_SIZE_MB"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "log-max-backups",
			Usage:   "Rotated log files to keep (0 keeps all)",
			EnvVars: []string{"POLLER_LOG_MAX_BACKUPS"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "log-max-age-days",
			Usage:   "Days to keep rotated log files (0 keeps all)",
			EnvVars: []string{"POLLER_LOG_MAX_AGE_DAYS"},
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:    "syslog-enabled",
			Usage:   "Send routed messages to a remote syslog over UDP",
			EnvVars: []string{"POLLER_SYSLOG_ENABLED"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "syslog-host",
			Usage:   "Remote syslog host",
			EnvVars: []string{"POLLER_SYSLOG_HOST"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "syslog-port",
			Usage:   "Remote syslog port",
			Value:   514,
			EnvVars: []string{"POLLER_SYSLOG_PORT"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "db-url",
			Usage:   "Postgres URL; when set routed messages are archived there",
			EnvVars: []string{"DATABASE_URL"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "dedup-type",
			Usage:   "Duplicate delivery suppression (none, memory, postgres)",
			Value:   "none",
			EnvVars: []string{"DEDUP_TYPE"},
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:    "dedup-retention",
			Usage:   "How long emitted message IDs are remembered",
			Value:   DefaultDedupRetention,
			EnvVars: []string{"DEDUP_RETENTION"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "metrics-addr",
			Usage:   "Serve Prometheus metrics on this address, e.g. :9090",
			EnvVars: []string{"METRICS_ADDR"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		}),
	}
}

func configFromContext(c *cli.Context) Config {
	policy := BoundedUptime(c.Duration("max-uptime"))
	if c.Bool("forever") || foreverArg(c.Args().Slice()) {
		policy = RunForever()
	}

	return Config{
		QueueName:       c.String("queue-name"),
		Region:          c.String("region"),
		AccessKeyID:     c.String("aws-access-key-id"),
		SecretAccessKey: c.String("aws-secret-access-key"),
		EndpointURL:     c.String("endpoint-url"),
		Poller: PollerConfig{
			Policy:            policy,
			BatchSize:         int32(c.Int("batch-size")),
			WaitTime:          c.Duration("wait-time"),
			NetworkRetryDelay: c.Duration("network-retry-delay"),
			FailureRetryDelay: c.Duration("failure-retry-delay"),
			Workers:           c.Int("workers"),
			DedupRetention:    c.Duration("dedup-retention"),
		},
		ComplianceMarker: c.String("compliance-marker"),
		SubjectField:     c.String("subject-field"),
		Backends: BackendConfig{
			ConsoleEnabled: c.Bool("console-enabled"),
			FileEnabled:    c.Bool("file-enabled"),
			FilePath:       c.String("log-path"),
			FileMaxSizeMB:  c.Int("log-max-size-mb"),
			FileMaxBackups: c.Int("log-max-backups"),
			FileMaxAgeDays: c.Int("log-max-age-days"),
			SyslogEnabled:  c.Bool("syslog-enabled"),
			SyslogHost:     c.String("syslog-host"),
			SyslogPort:     c.Int("syslog-port"),
		},
		DatabaseURL: c.String("db-url"),
		DedupType:   c.String("dedup-type"),
		MetricsAddr: c.String("metrics-addr"),
		LogLevel:    c.String("log-level"),
	}
}

// older invocations selected forever mode with a bare "forever" argument
func foreverArg(args []string) bool {
	for _, a := range args {
		if strings.Contains(a, "forever") {
			return true
		}
	}
	return false
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.QueueName) == "" {
		add("queue-name is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		add("aws-access-key-id and aws-secret-access-key must be set together")
	}
	if !c.Poller.Policy.Forever && c.Poller.Policy.MaxUptime <= 0 {
		add("max-uptime must be positive when not running forever")
	}
	if c.Poller.BatchSize < 1 || c.Poller.BatchSize > 10 {
		add("batch-size must be between 1 and 10, got %d", c.Poller.BatchSize)
	}
	if c.Poller.WaitTime < 0 || c.Poller.WaitTime > 20*time.Second {
		add("wait-time must be between 0s and 20s, got %s", c.Poller.WaitTime)
	}
	if c.Poller.Workers < 1 {
		add("workers must be at least 1")
	}
	if c.ComplianceMarker == "" {
		add("compliance-marker must not be empty")
	}
	if c.Backends.FileEnabled && c.Backends.FilePath == "" {
		add("log-path is required when file-enabled is set")
	}
	if c.Backends.SyslogEnabled {
		if c.Backends.SyslogHost == "" {
			add("syslog-host is required when syslog-enabled is set")
		}
		if c.Backends.SyslogPort < 1 || c.Backends.SyslogPort > 65535 {
			add("syslog-port must be between 1 and 65535, got %d", c.Backends.SyslogPort)
		}
	}
	switch c.DedupType {
	case "", "none", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			add("dedup-type postgres requires db-url")
		}
	default:
		add("invalid dedup-type: %s", c.DedupType)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		add("invalid log-level: %s", c.LogLevel)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.New("config validation failed: " + strings.Join(errs, "; "))
}
