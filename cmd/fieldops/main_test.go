package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldops/internal/errors"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "--data-dir", t.TempDir()}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestDemo(t *testing.T) {
	out, err := execute(t, "demo")
	require.NoError(t, err)

	assert.Contains(t, out, "ticket saved locally as tmp-")
	assert.Contains(t, out, "tm_tickets   1 row(s)")
	assert.Contains(t, out, "tm_workers   2 row(s)")
	assert.Contains(t, out, "messages     1 row(s)")
	assert.Contains(t, out, "remaining 0")
}

func TestQueueList_NoBackend(t *testing.T) {
	_, err := execute(t, "queue", "list")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestQueueDiscard_BadID(t *testing.T) {
	_, err := execute(t, "queue", "discard", "abc")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestRoot_InvalidLogLevel(t *testing.T) {
	_, err := execute(t, "--log-level", "verbose", "status")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}
