package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := "no_rabbit: true\nfluentd_host: 127.0.0.1\ntasklogdir: /var/log/cnagent\ncnapi:\n  url: http://cnapi.local\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.NoRabbit)
	assert.Equal(t, "127.0.0.1", cfg.FluentdHost)
	assert.Equal(t, "http://cnapi.local", cfg.CNAPI.URL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cnapi:\n  url: http://original\n"), 0o644))

	t.Setenv("CNAGENT_CNAPI_URL", "http://overridden")
	t.Setenv("CNAGENT_TASK_TIMEOUT_SECONDS", "120")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://overridden", cfg.CNAPI.URL)
	assert.Equal(t, 120, cfg.TaskTimeoutSeconds)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/agent.yaml")
	assert.Error(t, err)
}

func TestResolveSdcConfig_RequiresEnv(t *testing.T) {
	_, err := ResolveSdcConfig()
	assert.Error(t, err)

	t.Setenv("CNAGENT_DATACENTER", "coal")
	t.Setenv("CNAGENT_DNS_DOMAIN", "example.com")
	sdc, err := ResolveSdcConfig()
	require.NoError(t, err)
	assert.Equal(t, "cnapi.coal.example.com", sdc.ServiceHost("cnapi"))
}
