package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceCallRelay/internal/config"
)

// TestInitWithFile 测试日志同时写入文件
func TestInitWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	l, err := Init(config.LoggingConfig{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	t.Cleanup(func() {
		Close()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	l.Info().Str("call_sid", "CA1").Msg("hello")
	cl := Component("relay")
	cl.Info().Msg("component line")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"call_sid":"CA1"`)
	assert.Contains(t, string(data), `"component":"relay"`)
	assert.Contains(t, string(data), `"app":"voice-call-relay"`)
}

// TestParseLevel 测试日志级别解析
func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, l)

	l, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)

	require.NoError(t, SetLevel("error"))
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
