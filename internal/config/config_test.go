package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Equal(t, 2*time.Minute, cfg.TurnTimeout)
	assert.Equal(t, 0, cfg.ChatContextWindowSize)
	assert.Equal(t, "ollama", cfg.AIProvider)
	assert.Equal(t, "llama3:latest", cfg.DefaultModel())
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
}

func TestLoadEnvFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(file, []byte("AI_PROVIDER=OpenAI\nOPENAI_MODEL=gpt-test\nWORKER_CONCURRENCY=99\n"), 0o600))
	t.Setenv("TURN_TIMEOUT", "45s")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	// godotenv sets these; t.Setenv restores them afterwards
	t.Setenv("AI_PROVIDER", "")
	os.Unsetenv("AI_PROVIDER")
	t.Setenv("OPENAI_MODEL", "")
	os.Unsetenv("OPENAI_MODEL")
	t.Setenv("WORKER_CONCURRENCY", "")
	os.Unsetenv("WORKER_CONCURRENCY")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.AIProvider)
	assert.Equal(t, "gpt-test", cfg.DefaultModel())
	assert.Equal(t, 50, cfg.WorkerConcurrency)
	assert.Equal(t, 45*time.Second, cfg.TurnTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	defer log.SetFormatter(log.StandardLogger().Formatter)

	Config{LogLevel: "debug", LogFormat: "json"}.SetupLogging()
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	Config{LogLevel: "loud"}.SetupLogging()
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}
