package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, raw string) []map[string]any {
	t.Helper()

	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		lines = append(lines, record)
	}
	return lines
}

func TestLogSinkEmit(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink("compliance", &buf)

	require.NoError(t, sink.Emit(context.Background(), SeverityInfo, `{"Subject":"x"}`))
	require.NoError(t, sink.Emit(context.Background(), SeverityError, "bad"))

	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 2)
	assert.Equal(t, "compliance", lines[0]["sink"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, `{"Subject":"x"}`, lines[0]["message"])
	assert.Equal(t, "error", lines[1]["level"])
}

func TestMultiSinkEmitsToAllMembers(t *testing.T) {
	failing := &recordingSink{err: errors.New("down")}
	healthy := &recordingSink{}

	err := MultiSink{failing, healthy}.Emit(context.Background(), SeverityInfo, "payload")

	assert.Error(t, err)
	assert.Len(t, failing.Records(), 1)
	assert.Len(t, healthy.Records(), 1)
}

func TestMultiSinkEmpty(t *testing.T) {
	assert.NoError(t, MultiSink{}.Emit(context.Background(), SeverityInfo, "payload"))
}

func TestOpenBackendsLevels(t *testing.T) {
	var console bytes.Buffer
	logPath := filepath.Join(t.TempDir(), "poller.log")

	backends, err := OpenBackends(BackendConfig{
		ConsoleEnabled: true,
		ConsoleOut:     &console,
		FileEnabled:    true,
		FilePath:       logPath,
		FileMaxSizeMB:  1,
	})
	require.NoError(t, err)

	sink := NewLogSink("event", backends.Writer())
	require.NoError(t, sink.Emit(context.Background(), SeverityDebug, "debug record"))
	require.NoError(t, sink.Emit(context.Background(), SeverityInfo, "info record"))
	require.NoError(t, backends.Close())

	// console takes everything, the file only info and above
	consoleLines := decodeLines(t, console.String())
	require.Len(t, consoleLines, 2)
	assert.Equal(t, "debug record", consoleLines[0]["message"])

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	fileLines := decodeLines(t, string(raw))
	require.Len(t, fileLines, 1)
	assert.Equal(t, "info record", fileLines[0]["message"])
}

func TestOpenBackendsNoneEnabled(t *testing.T) {
	backends, err := OpenBackends(BackendConfig{})
	require.NoError(t, err)

	sink := NewLogSink("event", backends.Writer())
	assert.NoError(t, sink.Emit(context.Background(), SeverityInfo, "dropped"))
	assert.NoError(t, backends.Close())
}

func TestOpenBackendsFileWithoutPath(t *testing.T) {
	_, err := OpenBackends(BackendConfig{FileEnabled: true})
	assert.Error(t, err)
}
