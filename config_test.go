package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

// runs the start command with args and returns the config it would use
func parseStartArgs(t *testing.T, args ...string) Config {
	t.Helper()

	var got Config
	flags := startFlags()
	app := &cli.App{
		Name: "sqs-poller",
		Commands: []*cli.Command{
			{
				Name:   "start",
				Flags:  flags,
				Before: altsrc.InitInputSourceWithContext(flags, altsrc.NewYamlSourceFromFlagFunc("config")),
				Action: func(c *cli.Context) error {
					got = configFromContext(c)
					return nil
				},
			},
		},
	}

	require.NoError(t, app.Run(append([]string{"sqs-poller", "start"}, args...)))
	return got
}

func TestConfigDefaults(t *testing.T) {
	cfg := parseStartArgs(t, "--queue-name", "dome9-events")

	assert.Equal(t, "dome9-events", cfg.QueueName)
	assert.Equal(t, BoundedUptime(60*time.Second), cfg.Poller.Policy)
	assert.Equal(t, int32(10), cfg.Poller.BatchSize)
	assert.Equal(t, 20*time.Second, cfg.Poller.WaitTime)
	assert.Equal(t, 30*time.Second, cfg.Poller.NetworkRetryDelay)
	assert.Equal(t, 60*time.Second, cfg.Poller.FailureRetryDelay)
	assert.Equal(t, 1, cfg.Poller.Workers)
	assert.Equal(t, DefaultComplianceMarker, cfg.ComplianceMarker)
	assert.Equal(t, DefaultSubjectField, cfg.SubjectField)
	assert.True(t, cfg.Backends.ConsoleEnabled)
	assert.False(t, cfg.Backends.FileEnabled)
	assert.False(t, cfg.Backends.SyslogEnabled)
	assert.Equal(t, "none", cfg.DedupType)
	assert.NoError(t, cfg.Validate())
}

func TestConfigForever(t *testing.T) {
	assert.Equal(t, RunForever(), parseStartArgs(t, "--queue-name", "q", "--forever").Poller.Policy)
	assert.Equal(t, RunForever(), parseStartArgs(t, "--queue-name", "q", "forever").Poller.Policy)
	assert.Equal(t, RunForever(), parseStartArgs(t, "--queue-name", "q", "run-forever").Poller.Policy)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SQS_QUEUE_NAME", "from-env")
	t.Setenv("POLLER_MAX_UPTIME", "5m")

	cfg := parseStartArgs(t)

	assert.Equal(t, "from-env", cfg.QueueName)
	assert.Equal(t, BoundedUptime(5*time.Minute), cfg.Poller.Policy)
}

func TestConfigFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poller.yaml")
	content := strings.Join([]string{
		"queue-name: from-file",
		"max-uptime: 2m",
		"syslog-enabled: true",
		"syslog-host: logs.example.com",
		"syslog-port: 5514",
		"file-enabled: true",
		"log-path: /var/log/poller.log",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := parseStartArgs(t, "--config", path, "--syslog-port", "6514")

	assert.Equal(t, "from-file", cfg.QueueName)
	assert.Equal(t, BoundedUptime(2*time.Minute), cfg.Poller.Policy)
	assert.True(t, cfg.Backends.SyslogEnabled)
	assert.Equal(t, "logs.example.com", cfg.Backends.SyslogHost)
	// flags given on the command line win over the file
	assert.Equal(t, 6514, cfg.Backends.SyslogPort)
	assert.True(t, cfg.Backends.FileEnabled)
	assert.Equal(t, "/var/log/poller.log", cfg.Backends.FilePath)
	assert.NoError(t, cfg.Validate())
}

func validConfig() Config {
	return Config{
		QueueName: "dome9-events",
		Poller: PollerConfig{
			Policy:    BoundedUptime(time.Minute),
			BatchSize: 10,
			WaitTime:  20 * time.Second,
			Workers:   1,
		},
		ComplianceMarker: DefaultComplianceMarker,
		DedupType:        "none",
		LogLevel:         "info",
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		errSubstr string
	}{
		{
			name:   "valid",
			modify: func(c *Config) {},
		},
		{
			name:      "missing queue name",
			modify:    func(c *Config) { c.QueueName = " " },
			errSubstr: "queue-name is required",
		},
		{
			name:      "half of static credentials",
			modify:    func(c *Config) { c.AccessKeyID = "AKIA" },
			errSubstr: "must be set together",
		},
		{
			name:      "bounded without uptime",
			modify:    func(c *Config) { c.Poller.Policy = BoundedUptime(0) },
			errSubstr: "max-uptime must be positive",
		},
		{
			name:   "forever without uptime",
			modify: func(c *Config) { c.Poller.Policy = RunForever() },
		},
		{
			name:      "batch size too large",
			modify:    func(c *Config) { c.Poller.BatchSize = 11 },
			errSubstr: "batch-size must be between 1 and 10",
		},
		{
			name:      "wait time too long",
			modify:    func(c *Config) { c.Poller.WaitTime = 21 * time.Second },
			errSubstr: "wait-time must be between",
		},
		{
			name:      "no workers",
			modify:    func(c *Config) { c.Poller.Workers = 0 },
			errSubstr: "workers must be at least 1",
		},
		{
			name:      "file without path",
			modify:    func(c *Config) { c.Backends.FileEnabled = true },
			errSubstr: "log-path is required",
		},
		{
			name: "syslog without host",
			modify: func(c *Config) {
				c.Backends.SyslogEnabled = true
				c.Backends.SyslogPort = 514
			},
			errSubstr: "syslog-host is required",
		},
		{
			name:      "postgres dedup without database",
			modify:    func(c *Config) { c.DedupType = "postgres" },
			errSubstr: "dedup-type postgres requires db-url",
		},
		{
			name:      "unknown dedup type",
			modify:    func(c *Config) { c.DedupType = "redis" },
			errSubstr: "invalid dedup-type",
		},
		{
			name:      "bad log level",
			modify:    func(c *Config) { c.LogLevel = "loud" },
			errSubstr: "invalid log-level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)

			err := cfg.Validate()
			if tt.errSubstr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.QueueName = ""
	cfg.Poller.BatchSize = 0
	cfg.DedupType = "redis"

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue-name is required")
	assert.Contains(t, err.Error(), "batch-size")
	assert.Contains(t, err.Error(), "dedup-type")
}
