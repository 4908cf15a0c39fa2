// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/evidence-engine/internal/secrets"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

func resetConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	setDefaults()
	t.Cleanup(func() {
		viper.Reset()
		loadedSecrets = nil
	})
}

func TestLoadConfigDefaults(t *testing.T) {
	resetConfig(t)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "papers", cfg.PapersDir)
	assert.Equal(t, 3, cfg.Extraction.MaxAttempts)
	assert.Equal(t, 4, cfg.Extraction.Concurrency)
	assert.Equal(t, types.PolicyFlag, cfg.Extraction.Policy)
	assert.Equal(t, types.PolicyDrop, cfg.Aggregation.Policy)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, types.BackendDoclingServe, cfg.Conversion.Backend)
	assert.Equal(t, 60*time.Second, cfg.Literature.Timeout)
	assert.Equal(t, time.Second, cfg.Literature.DownloadDelay)
	assert.Equal(t, 10*time.Minute, cfg.Redis.LeaseTTL)
}

func TestLoadConfigSecretFallbacks(t *testing.T) {
	resetConfig(t)
	loadedSecrets = map[string]string{
		secrets.OpenAIAPIKey:       "sk-secret",
		secrets.AnthropicAPIKey:    "ant-secret",
		secrets.MastermindAPIToken: "mm-secret",
	}
	viper.Set("model.spec", "openai:gpt-4o")
	viper.Set("literature.mastermind_token", "mm-configured")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cfg.Model.APIKey, "key follows the provider")
	assert.Equal(t, "mm-configured", cfg.Literature.MastermindToken, "configured values win")
}

func TestLoadConfigEnvironment(t *testing.T) {
	resetConfig(t)
	t.Setenv("EVIDENCE_ENGINE_EXTRACTION_CONCURRENCY", "9")
	t.Setenv("EVIDENCE_ENGINE_STORE_DRIVER", "postgres")
	viper.SetEnvPrefix("EVIDENCE_ENGINE")
	viper.SetEnvKeyReplacer(envKeys)
	viper.AutomaticEnv()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Extraction.Concurrency)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("EVIDENCE_ENGINE_STORE_PATH", filepath.Join(dir, "data", "evidence.db"))
	t.Cleanup(func() { viper.Reset() })

	run := func(args ...string) string {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.ExecuteContext(context.Background()), args)
		return out.String()
	}

	assert.Equal(t, "evidence-engine dev\n", run("version"))
	assert.Contains(t, run("variant", "list"), "ID  GENE  HGVS  PAPERS")
	assert.FileExists(t, filepath.Join(dir, "data", "evidence.db"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
