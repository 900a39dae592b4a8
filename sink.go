package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/syslog"
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Sink is a destination for routed messages.
type Sink interface {
	Emit(ctx context.Context, severity Severity, message string) error
}

func zerologLevel(s Severity) zerolog.Level {
	switch s {
	case SeverityDebug:
		return zerolog.DebugLevel
	case SeverityError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// writes records through a zerolog logger to whichever backends are enabled
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(name string, w io.Writer) *LogSink {
	return &LogSink{
		logger: zerolog.New(w).With().Timestamp().Str("sink", name).Logger(),
	}
}

func (s *LogSink) Emit(ctx context.Context, severity Severity, message string) error {
	s.logger.WithLevel(zerologLevel(severity)).Msg(message)
	return nil
}

// MultiSink emits to every member even when some fail.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, severity Severity, message string) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, severity, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type BackendConfig struct {
	ConsoleEnabled bool
	ConsoleOut     io.Writer

	FileEnabled    bool
	FilePath       string
	FileMaxSizeMB  int
	FileMaxBackups int
	FileMaxAgeDays int

	SyslogEnabled bool
	SyslogHost    string
	SyslogPort    int
}

// Backends is the shared set of outputs the log sinks write to. Console
// takes everything, file and syslog take info and above.
type Backends struct {
	writer  zerolog.LevelWriter
	closers []io.Closer
}

func OpenBackends(cfg BackendConfig) (*Backends, error) {
	b := &Backends{}
	var writers []io.Writer

	if cfg.ConsoleEnabled {
		out := cfg.ConsoleOut
		if out == nil {
			out = os.Stdout
		}
		writers = append(writers, &zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: out},
			Level:  zerolog.DebugLevel,
		})
	}

	if cfg.FileEnabled {
		if cfg.FilePath == "" {
			return nil, errors.New("file backend enabled without a log path")
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.FileMaxSizeMB,
			MaxBackups: cfg.FileMaxBackups,
			MaxAge:     cfg.FileMaxAgeDays,
		}
		b.closers = append(b.closers, lj)
		writers = append(writers, &zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: lj},
			Level:  zerolog.InfoLevel,
		})
	}

	if cfg.SyslogEnabled {
		addr := net.JoinHostPort(cfg.SyslogHost, strconv.Itoa(cfg.SyslogPort))
		sw, err := syslog.Dial("udp", addr, syslog.LOG_INFO|syslog.LOG_USER, "sqs-poller")
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to connect to syslog at %s: %w", addr, err)
		}
		b.closers = append(b.closers, sw)
		writers = append(writers, &zerolog.FilteredLevelWriter{
			Writer: zerolog.SyslogLevelWriter(sw),
			Level:  zerolog.InfoLevel,
		})
	}

	b.writer = zerolog.MultiLevelWriter(writers...)
	return b, nil
}

func (b *Backends) Writer() zerolog.LevelWriter {
	return b.writer
}

func (b *Backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
