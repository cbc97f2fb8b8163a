package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", "error", ""} {
		l, err := New(level, "json")
		require.NoError(t, err, level)
		assert.NotNil(t, l)
	}

	_, err := New("verbose", "json")
	assert.Error(t, err)
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	l := newWithSink(zapcore.InfoLevel, "json", zapcore.AddSync(&buf))

	Component(l, "quota").Info("hello", zap.Int("n", 1))
	Component(l, "quota").Debug("dropped")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "quota", entry["component"])
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "timestamp")
}

func TestComponent_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		Component(nil, "x").Info("noop")
	})
}
