// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the evidence-engine CLI. Each
// pipeline stage is a subcommand; serve exposes the stored results and
// worker runs the stages under Temporal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/convert"
	"github.com/pdiddy/evidence-engine/internal/logging"
	"github.com/pdiddy/evidence-engine/internal/secrets"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// loadedSecrets holds API keys loaded from .secrets/ at startup.
var loadedSecrets map[string]string

// secretDefault returns fallback when set, else the secret value for key.
func secretDefault(key, fallback string) string {
	if fallback != "" {
		return fallback
	}
	return loadedSecrets[key]
}

// envKeys maps nested config keys to variable names: store.path is
// EVIDENCE_ENGINE_STORE_PATH.
var envKeys = strings.NewReplacer(".", "_")

// rootCmd is the base command for the evidence-engine CLI.
var rootCmd = &cobra.Command{
	Use:   "evidence-engine",
	Short: "Literature evidence extraction for genetic variants",
	Long: `evidence-engine gathers literature evidence for a genetic variant. It finds
the papers that mention the variant, converts them into documents with
addressable boxes, extracts findings from each paper with an AI model and
folds them into one assessment. Every citation is checked against the boxes
that exist in the source document.

Each stage is a subcommand: query, download, convert, extract and aggregate.
Stages record their progress so any of them can be re-run safely.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := secrets.Load(secrets.DefaultDir)
		if err != nil {
			return err
		}
		loadedSecrets = s

		var logCfg types.LoggingConfig
		if err := viper.UnmarshalKey("logging", &logCfg); err != nil {
			return fmt.Errorf("reading logging config: %w", err)
		}
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logCfg.Level = "debug"
		}
		logger, err := logging.New(logCfg)
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)

		if len(s) > 0 {
			keys := make([]string, 0, len(s))
			for k := range s {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			logger.Debug("loaded secrets", zap.Strings("keys", keys))
		}
		if used := viper.ConfigFileUsed(); used != "" {
			logger.Debug("using config file", zap.String("path", used))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		zap.L().Sync()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./evidence-engine.yaml or ~/.config/evidence-engine/evidence-engine.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log at debug level")
}

func setDefaults() {
	viper.SetDefault("papers_dir", "papers")
	viper.SetDefault("prompt_set", "generic")
	viper.SetDefault("prompt_set_dir", "")

	viper.SetDefault("model.spec", "anthropic:claude-sonnet-4-5")
	viper.SetDefault("model.requests_per_minute", 0)
	viper.SetDefault("model.max_retries", 5)
	viper.SetDefault("model.base_url", "")
	viper.SetDefault("model.api_key", "")

	viper.SetDefault("extraction.max_attempts", 3)
	viper.SetDefault("extraction.concurrency", 4)
	viper.SetDefault("extraction.max_paper_chars", 240000)
	viper.SetDefault("extraction.referential_policy", "flag")

	viper.SetDefault("aggregation.max_attempts", 3)
	viper.SetDefault("aggregation.referential_policy", "drop")

	viper.SetDefault("store.driver", "sqlite")
	viper.SetDefault("store.path", filepath.Join("data", "evidence.db"))
	viper.SetDefault("store.dsn", "")

	viper.SetDefault("conversion.backend", "docling-serve")
	viper.SetDefault("conversion.url", "http://localhost:5001")
	viper.SetDefault("conversion.token", "")
	viper.SetDefault("conversion.image", convert.DefaultDoclingImage)
	viper.SetDefault("conversion.poll_interval", convert.DefaultPollInterval)

	viper.SetDefault("literature.source", "litvar")
	viper.SetDefault("literature.timeout", 60*time.Second)
	viper.SetDefault("literature.user_agent", "evidence-engine/"+version)
	viper.SetDefault("literature.email", "")
	viper.SetDefault("literature.tool", "evidence-engine")
	viper.SetDefault("literature.mastermind_token", "")
	viper.SetDefault("literature.ncbi_api_key", "")
	viper.SetDefault("literature.download_delay", time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output", "stderr")

	viper.SetDefault("temporal.host_port", "localhost:7233")
	viper.SetDefault("temporal.namespace", "default")
	viper.SetDefault("temporal.task_queue", "evidence-engine")

	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.lease_ttl", 10*time.Minute)

	viper.SetDefault("server.addr", ":8080")
}

func initConfig() {
	// A missing .env is fine; variables may come from the environment.
	_ = godotenv.Load()

	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("evidence-engine")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "evidence-engine"))
		}
	}

	setDefaults()
	viper.SetEnvPrefix("EVIDENCE_ENGINE")
	viper.SetEnvKeyReplacer(envKeys)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "Error reading config:", err)
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
