package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRotatingWriterRotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	w, err := newRotatingWriter(rotateOptions{path: path, maxBytes: 10, maxBackups: 2})
	require.NoError(t, err)
	clock := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for i := 0; i < 5; i++ {
		_, err := w.Write([]byte("0123456789"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	backups, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	require.Len(t, backups, 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))
}

func TestInitWritesAuditFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "tasks.log")
	logPath := filepath.Join(dir, "app.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		Format:      "text",
		OutputPaths: []string{logPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}))
	t.Cleanup(func() { _ = Sync() })

	Named("test").Debug("debug line")
	Audit().Info("task created", "task_id", "t-1")

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	require.Contains(t, string(data), `"task_id":"t-1"`)

	main, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(main), "component=test"))
}

func TestInitRejectsAuditWithoutPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "DEBUG", ParseLevel("Debug").String())
	require.Equal(t, "WARN", ParseLevel("warning").String())
	require.Equal(t, "INFO", ParseLevel("bogus").String())
}

func TestSetLevelAppliesAtRuntime(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, Init(Config{Level: "info", Format: "text", OutputPaths: []string{logPath}}))
	t.Cleanup(func() { _ = Sync() })

	L().Debug("hidden line")
	SetLevel("debug")
	L().Debug("visible line")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NotContains(t, string(data), "hidden line")
	require.Contains(t, string(data), "visible line")
}
