// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/pdiddy/evidence-engine/internal/model"
	"github.com/pdiddy/evidence-engine/internal/secrets"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// loadConfig decodes the merged config and fills API keys that were not
// configured from .secrets/.
func loadConfig() (*types.PipelineConfig, error) {
	var cfg types.PipelineConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if spec, err := model.ParseSpec(cfg.Model.Spec); err == nil {
		if key := secrets.ModelKey(string(spec.Provider)); key != "" {
			cfg.Model.APIKey = secretDefault(key, cfg.Model.APIKey)
		}
	}
	cfg.Literature.MastermindToken = secretDefault(secrets.MastermindAPIToken, cfg.Literature.MastermindToken)
	cfg.Literature.NCBIAPIKey = secretDefault(secrets.NCBIAPIKey, cfg.Literature.NCBIAPIKey)
	cfg.Conversion.Token = secretDefault(secrets.DoclingAPIKey, cfg.Conversion.Token)
	return &cfg, nil
}
