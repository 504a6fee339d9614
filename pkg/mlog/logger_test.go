package mlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "verbose"})
	assert.Error(t, err)

	f := filepath.Join(t.TempDir(), "cache.log")
	lg, err := NewLogger(LogConfig{Level: "debug", File: f, Production: true})
	require.NoError(t, err)
	lg.Debug("entry evicted", zap.String("key", "os-1"))
	_ = lg.Sync()

	b, err := os.ReadFile(f)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"key":"os-1"`)

	lg, err = NewLogger(LogConfig{})
	require.NoError(t, err)
	assert.False(t, lg.Core().Enabled(zap.DebugLevel))
}
