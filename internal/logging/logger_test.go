package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONRecordsWithRunFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(context.Background(), WithDir(dir), WithRunID("run-42"), WithTraceID("trace-1"))
	require.NoError(t, err)

	logger.Logger.With("prevision_id", "cp-1").Info("prevision saved")
	logger.WithSpanID("span-9").Logger.Warn("late request")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	assert.True(t, strings.HasPrefix(filepath.Base(logger.Path()), "cpflow-"))
	assert.True(t, strings.HasSuffix(logger.Path(), "-run-42.log"))

	content, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	out := string(content)
	assert.Contains(t, out, `"msg":"logger initialized"`)
	assert.Contains(t, out, `"run_id":"run-42"`)
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"prevision_id":"cp-1"`)
	assert.Contains(t, out, `"span_id":"span-9"`)
}

func TestNewMirrorsRecords(t *testing.T) {
	t.Parallel()

	var mirror bytes.Buffer
	logger, err := New(context.Background(), WithDir(t.TempDir()), WithMirror(&mirror))
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Logger.Info("http request")
	assert.Contains(t, mirror.String(), `"msg":"http request"`)
}

func TestRetentionPrunesOldestFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	old := time.Now().Add(-24 * time.Hour)
	for i, name := range []string{"cpflow-a.log", "cpflow-b.log", "cpflow-c.log", "cpflow-d.log"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))
		stamp := old.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, stamp, stamp))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.log"), []byte("keep"), 0o600))

	logger, err := New(context.Background(), WithDir(dir), WithRetention(0, 3))
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	matches, err := filepath.Glob(filepath.Join(dir, "cpflow-*.log"))
	require.NoError(t, err)
	assert.Len(t, matches, 3)
	assert.Contains(t, matches, logger.Path())
	assert.NotContains(t, matches, filepath.Join(dir, "cpflow-a.log"))
	assert.NotContains(t, matches, filepath.Join(dir, "cpflow-b.log"))
	assert.FileExists(t, filepath.Join(dir, "other.log"))
}

func TestRetentionRotatesBySize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(context.Background(), WithDir(dir), WithRetention(256, 0))
	require.NoError(t, err)

	first := logger.Path()
	for i := 0; i < 10; i++ {
		logger.Logger.With("iteration", i).Info(strings.Repeat("x", 64))
	}
	require.NoError(t, logger.Close())

	assert.NotEqual(t, first, logger.Path())
	assert.True(t, strings.HasSuffix(logger.Path(), ".log"))
	matches, err := filepath.Glob(filepath.Join(dir, "cpflow-*.log"))
	require.NoError(t, err)
	assert.Greater(t, len(matches), 1)
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var logger *RuntimeLogger
	assert.NoError(t, logger.Close())
	assert.Equal(t, "", logger.Path())
	assert.Nil(t, logger.WithRunID("x"))
}
