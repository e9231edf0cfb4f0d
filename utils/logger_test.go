package utils

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	logger := GetLogger("aria2")
	logger.Info().Str("gid", "abc").Msg("backend ready")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "aria2", line["component"])
	assert.Equal(t, "abc", line["gid"])
	assert.Equal(t, "backend ready", line["message"])
	assert.Contains(t, line, "time")
}

func TestInitLoggerLevels(t *testing.T) {
	InitLogger(false)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	InitLogger(true)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
