package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"DIFY_API_BASE": "https://dify.example.com/v1/",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://dify.example.com/v1", cfg.DifyAPIBase)
	assert.Equal(t, MemoryHistory, cfg.MemoryMode)
	assert.Equal(t, "127.0.0.1:5000", cfg.Addr())
	assert.Equal(t, 15*time.Second, cfg.StreamKeepAliveInterval)
	assert.Zero(t, cfg.ModelRefreshInterval)
	assert.Equal(t, "default_user", cfg.DefaultUser)
	assert.Empty(t, cfg.DifyAPIKeys)
}

func TestLoadFromTrimsKeyLists(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"DIFY_API_BASE":            "http://localhost/v1",
		"DIFY_API_KEYS":            " app-a, ,app-b ",
		"VALID_API_KEYS":           "sk-1,sk-2,",
		"CONVERSATION_MEMORY_MODE": "2",
		"MODEL_REFRESH_INTERVAL":   "5m",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"app-a", "app-b"}, cfg.DifyAPIKeys)
	assert.Equal(t, []string{"sk-1", "sk-2"}, cfg.ValidAPIKeys)
	assert.Equal(t, MemoryInvisible, cfg.MemoryMode)
	assert.Equal(t, 5*time.Minute, cfg.ModelRefreshInterval)
}

func TestLoadFromRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name    string
		environ map[string]string
	}{
		{"missing base", map[string]string{}},
		{"relative base", map[string]string{"DIFY_API_BASE": "dify/v1"}},
		{"bad memory mode", map[string]string{"DIFY_API_BASE": "http://x/v1", "CONVERSATION_MEMORY_MODE": "3"}},
		{"bad port", map[string]string{"DIFY_API_BASE": "http://x/v1", "SERVER_PORT": "70000"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFrom(tc.environ)
			assert.Error(t, err)
		})
	}
}

func TestMemoryModeString(t *testing.T) {
	assert.Equal(t, "history", MemoryHistory.String())
	assert.Equal(t, "invisible", MemoryInvisible.String())
	assert.Equal(t, "unknown(7)", MemoryMode(7).String())
}

func TestLoadFuncReadsKnownVariables(t *testing.T) {
	vars := map[string]string{
		"DIFY_API_BASE":  "https://dify.example.com/v1",
		"VALID_API_KEYS": "sk-1",
		"UNRELATED":      "x",
	}
	cfg, err := LoadFunc(func(name string) string { return vars[name] })
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-1"}, cfg.ValidAPIKeys)
	assert.Equal(t, "https://dify.example.com/v1", cfg.DifyAPIBase)
}
