// Package logging tests for structured JSON logging.
package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldops/internal/errors"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var e map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), "line %q", sc.Text())
		entries = append(entries, e)
	}
	return entries
}

// TestInit verifies the global logger writes JSON to the configured output.
func TestInit(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Out: &buf, Level: LevelInfo})

	Info("store opened", map[string]interface{}{"path": "/tmp/x.db"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "INFO", entries[0]["level"])
	assert.Equal(t, "store opened", entries[0]["message"])
	ctx, ok := entries[0]["context"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "/tmp/x.db", ctx["path"])
}

// TestLevelFiltering verifies messages below the minimum level are dropped.
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Out: &buf, Level: LevelWarn})

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	l.Error("error", errors.New("boom"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.Equal(t, "ERROR", entries[1]["level"])
	assert.Equal(t, "boom", entries[1]["error"])
}

// TestContextMerge verifies multiple context maps are merged.
func TestContextMerge(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Out: &buf, Level: LevelDebug})

	l.Debug("merged", map[string]interface{}{"a": 1}, map[string]interface{}{"b": "two"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	ctx := entries[0]["context"].(map[string]interface{})
	assert.EqualValues(t, 1, ctx["a"])
	assert.Equal(t, "two", ctx["b"])
}

// TestErrorWithCode verifies the application error code is attached.
func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Out: &buf, Level: LevelInfo})

	l.ErrorWithCode("enqueue failed", apperrors.New(apperrors.ErrQueueFailed, "disk full"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "QUEUE_FAILED", entries[0]["code"])
}

// TestNamed verifies the component field.
func TestNamed(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Out: &buf, Level: LevelInfo}).Named("sync")

	l.Info("pass started")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "sync", entries[0]["component"])
}

// TestParseLevel covers config level strings.
func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}
