package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFlag(t *testing.T) {
	testCases := map[string]struct {
		value     string
		wantLevel Level
		wantErr   bool
	}{
		"debug":      {value: "DEBUG", wantLevel: LevelDebug},
		"lower case": {value: "warn", wantLevel: LevelWarn},
		"error":      {value: "Error", wantLevel: LevelError},
		"invalid":    {value: "TRACE", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			var lvl Level
			err := lvl.Set(tc.value)
			if tc.wantErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.wantLevel, lvl)
			assert.Equal(strings.ToUpper(tc.value), lvl.String())
		})
	}
}

func TestFormatFlag(t *testing.T) {
	assert := assert.New(t)

	var format Format
	assert.NoError(format.Set("json"))
	assert.Equal(FmtJSON, format)
	assert.NoError(format.Set("logfmt"))
	assert.Equal(FmtLogfmt, format)
	assert.Error(format.Set("yaml"))
}

func TestLogger(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var buf bytes.Buffer
	logger, err := New(&buf, FmtJSON, LevelInfo)
	require.NoError(err)

	logger = logger.With("component", "test")
	logger.Debug("hidden")
	logger.Info("verified quote", "status", "UpToDate")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(lines, 1)

	var entry map[string]any
	require.NoError(json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal("verified quote", entry["msg"])
	assert.Equal("UpToDate", entry["status"])
	assert.Equal("test", entry["component"])
	assert.Equal("info", entry["level"])
	assert.Contains(entry, "ts")
}

func TestNop(t *testing.T) {
	assert := assert.New(t)

	logger := NewNop()
	assert.NotPanics(func() {
		logger.Error("discarded", "key", "value")
		logger.With("key", "value").Debug("discarded")
	})
}
