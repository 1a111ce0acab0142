package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}

	return out
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLogger(&buf, "relay", zerolog.DebugLevel)

	log.Info("client connected", Field{Key: "conn_id", Value: 7})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "relay", lines[0]["service"])
	assert.Equal(t, "client connected", lines[0]["message"])
	assert.Equal(t, float64(7), lines[0]["conn_id"])
	assert.Contains(t, lines[0], "time")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLogger(&buf, "relay", zerolog.WarnLevel)

	log.Debug("dropped")
	log.Info("dropped")
	log.Warn("kept")
	log.Error("kept", Field{Key: "error", Value: errors.New("boom")})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "error", lines[1]["level"])
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSONLogger(&buf, "relay", zerolog.InfoLevel)
	scoped := base.With(Field{Key: "component", Value: "heartbeat"})

	scoped.Info("round")
	base.Info("plain")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "heartbeat", lines[0]["component"])
	assert.NotContains(t, lines[1], "component")
}

func TestNewNopLogger(t *testing.T) {
	log := NewNopLogger()
	require.NotNil(t, log)
	assert.NotPanics(t, func() {
		log.Info("nothing")
		log.With(Field{Key: "k", Value: "v"}).Error("still nothing")
	})
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		" warn ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}

	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}
