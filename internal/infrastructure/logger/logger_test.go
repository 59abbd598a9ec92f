package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestForEnvironment(t *testing.T) {
	prod := ForEnvironment("production")
	assert.Equal(t, "json", prod.Format)
	assert.True(t, prod.Sample)

	dev := ForEnvironment("development")
	assert.Equal(t, "console", dev.Format)
	assert.Equal(t, "debug", dev.Level)
	assert.False(t, dev.Sample)
}

func TestNew_FileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfdi.log")
	cfg := ForEnvironment("production")
	cfg.Output = path
	cfg.Service = "cfdisync"

	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("authority token refreshed")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"authority token refreshed"`)
	assert.Contains(t, string(data), `"service":"cfdisync"`)
}

func TestNew_SamplingDropsRepeats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poll.log")
	l, err := New(Config{Level: "info", Format: "json", Output: path, Sample: true})
	require.NoError(t, err)
	for i := 0; i < 300; i++ {
		l.Info("request still pending")
	}
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Count(string(data), "\n")
	assert.Less(t, lines, 300)
	assert.GreaterOrEqual(t, lines, 100)
}

func TestNew_UnwritableFile(t *testing.T) {
	_, err := New(Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}

func TestNewForEnvironment(t *testing.T) {
	l, err := NewForEnvironment("production", "debug", "", "stderr", "svc")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = NewForEnvironment("production", "", "", "", "")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}
