package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "notifier"))

	log.Info("dispatched", Int("attempt", 2), Duration("took", 1500*time.Millisecond), Err(errors.New("boom")), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "dispatched", m["message"])
	assert.Equal(t, "notifier", m["comp"])
	assert.EqualValues(t, 2, m["attempt"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func logFromHelper(log Logger) { log.Info("from helper") }

func TestCallerIsTheLoggingLine(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info")

	_, _, line, _ := runtime.Caller(0)
	log.Warn("direct")
	logFromHelper(log)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var direct, helper map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &direct))
	require.NoError(t, json.Unmarshal(lines[1], &helper))
	assert.Equal(t, fmt.Sprintf("logging_test.go:%d", line+1), direct["caller"])
	// The helper's own line, not the test line that called it.
	assert.Contains(t, helper["caller"], "logging_test.go:")
	assert.NotEqual(t, fmt.Sprintf("logging_test.go:%d", line+2), helper["caller"])
}

func TestWithDoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriter(&buf, "info").With(String("a", "1"))
	_ = parent.With(String("b", "2"))
	parent.Info("x")
	assert.NotContains(t, buf.String(), `"b"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")

	log.Debug("hidden")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Info("nothing happens", String("k", "v"))
	assert.False(t, Nop().IsZero())
	assert.False(t, log.With(String("k", "v")).IsZero())
}

func TestServiceFileSinkFollowsApply(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "logs", "a.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: first}})
	child := log.With(String("comp", "test"))
	child.Debug("to first")

	require.NoError(t, svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: second}}))
	child.Info("filtered")
	child.Warn("to second")
	require.NoError(t, svc.Close())
	child.Warn("after close")

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Contains(t, string(a), "to first")
	assert.NotContains(t, string(a), "to second")

	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to second")
	assert.NotContains(t, string(b), "filtered")
	assert.NotContains(t, string(b), "after close")
	assert.Equal(t, 1, strings.Count(string(b), "\n"))
}

func TestServiceApplyReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	svc, _ := New(Config{})
	err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "x.log")}})
	assert.Error(t, err)
	assert.NoError(t, svc.Close())
}

func TestParseLevel(t *testing.T) {
	for _, in := range []string{"", "info", "DEBUG", "warning", "error", "trace"} {
		_, err := ParseLevel(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
