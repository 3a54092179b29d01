package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWithFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Info("delivered", Int("count", 2), Err(nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dispatch", line["comp"])
	assert.Equal(t, float64(2), line["count"])
	assert.Equal(t, "delivered", line["message"])
	assert.NotContains(t, line, "err")
	assert.True(t, strings.HasPrefix(line["caller"].(string), "logging_test.go:"))
}

func TestNumericAndStackFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug")
	log.Error("boom", Int64("bytes", 1<<40), Uint64("frames", 7), Stack(StackTrace(1, 4)))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, float64(1<<40), line["bytes"])
	assert.Equal(t, float64(7), line["frames"])
	assert.Contains(t, line["stack"], "TestNumericAndStackFields")
	assert.Contains(t, line["stack"], "logging_test.go:")
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "info", "WARNING", " debug "} {
		assert.True(t, ValidLevel(s), s)
	}
	assert.False(t, ValidLevel("loud"))
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(time.Hour, 2)
	assert.True(t, th.Allow("a"))
	assert.True(t, th.Allow("a"))
	assert.False(t, th.Allow("a"))
	assert.True(t, th.Allow("b"))

	var nilT *Throttle
	assert.True(t, nilT.Allow("x"))
}
