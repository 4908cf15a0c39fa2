// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// HTTPConfig holds shared HTTP settings used by stages that make network requests.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests.
	UserAgent string `json:"user_agent" mapstructure:"user_agent" yaml:"user_agent"`
}

// ModelConfig selects and throttles the AI model.
type ModelConfig struct {
	// Spec is a provider-prefixed model name, e.g.
	// "anthropic:claude-sonnet-4-5" or "bedrock:anthropic.claude-3-7-sonnet".
	Spec string `json:"spec" mapstructure:"spec" yaml:"spec"`

	// RequestsPerMinute caps model calls across the process (0 disables).
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute" yaml:"requests_per_minute"`

	// MaxRetries bounds retries of transient call failures (default 5).
	MaxRetries int `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`

	// BaseURL overrides the provider endpoint (OpenAI-compatible gateways).
	BaseURL string `json:"base_url,omitempty" mapstructure:"base_url" yaml:"base_url,omitempty"`

	APIKey string `json:"-" mapstructure:"api_key" yaml:"-"`
}

// ReferentialPolicy decides what happens to citations naming unknown boxes.
type ReferentialPolicy string

const (
	// PolicyFlag keeps the citation and records a defect.
	PolicyFlag ReferentialPolicy = "flag"
	// PolicyDrop removes the citation and records a defect.
	PolicyDrop ReferentialPolicy = "drop"
	// PolicyRetry treats defects as structural errors for the self-correction loop.
	PolicyRetry ReferentialPolicy = "retry"
)

// ExtractionConfig holds settings for the per-paper extraction stage.
type ExtractionConfig struct {
	// MaxAttempts bounds model invocations in the self-correction loop (default 3).
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`

	// Concurrency bounds parallel papers in a batch (default 4).
	Concurrency int `json:"concurrency" mapstructure:"concurrency" yaml:"concurrency"`

	// MaxPaperChars truncates the rendered document (default 240000).
	MaxPaperChars int `json:"max_paper_chars" mapstructure:"max_paper_chars" yaml:"max_paper_chars"`

	Policy ReferentialPolicy `json:"referential_policy" mapstructure:"referential_policy" yaml:"referential_policy"`
}

// AggregationConfig holds settings for the aggregation stage.
type AggregationConfig struct {
	MaxAttempts int               `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`
	Policy      ReferentialPolicy `json:"referential_policy" mapstructure:"referential_policy" yaml:"referential_policy"`
}

// StoreConfig selects the relational backend.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `json:"driver" mapstructure:"driver" yaml:"driver"`

	// Path is the SQLite database file (default data/evidence.db).
	Path string `json:"path" mapstructure:"path" yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `json:"-" mapstructure:"dsn" yaml:"-"`
}

// ConversionBackend identifies the PDF conversion tool.
type ConversionBackend string

const (
	BackendDoclingServe     ConversionBackend = "docling-serve"
	BackendDoclingContainer ConversionBackend = "docling-container"
	BackendTextLayer        ConversionBackend = "textlayer"
)

// ConversionConfig holds settings for the conversion stage.
type ConversionConfig struct {
	Backend ConversionBackend `json:"backend" mapstructure:"backend" yaml:"backend"`

	// URL is the docling-serve base URL.
	URL string `json:"url" mapstructure:"url" yaml:"url"`

	// Token is the optional docling-serve API key.
	Token string `json:"-" mapstructure:"token" yaml:"-"`

	// Image is the container image for the docling-container backend.
	Image string `json:"image" mapstructure:"image" yaml:"image"`

	// PollInterval is the docling-serve task polling interval (default 2s).
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval" yaml:"poll_interval"`
}

// LiteratureConfig holds settings for literature lookup and acquisition.
type LiteratureConfig struct {
	HTTPConfig `mapstructure:",squash" yaml:",inline"`

	// Source is "litvar" (default) or "mastermind".
	Source string `json:"source" mapstructure:"source" yaml:"source"`

	MastermindToken string `json:"-" mapstructure:"mastermind_token" yaml:"-"`
	NCBIAPIKey      string `json:"-" mapstructure:"ncbi_api_key" yaml:"-"`

	// Email and Tool identify this client to NCBI services.
	Email string `json:"email" mapstructure:"email" yaml:"email"`
	Tool  string `json:"tool" mapstructure:"tool" yaml:"tool"`

	// DownloadDelay is the delay between consecutive PMC downloads (default 1s).
	DownloadDelay time.Duration `json:"download_delay" mapstructure:"download_delay" yaml:"download_delay"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level" yaml:"level"`
	Format string `json:"format" mapstructure:"format" yaml:"format"`
	Output string `json:"output" mapstructure:"output" yaml:"output"`
}

// TemporalConfig configures the workflow client and worker.
type TemporalConfig struct {
	HostPort  string `json:"host_port" mapstructure:"host_port" yaml:"host_port"`
	Namespace string `json:"namespace" mapstructure:"namespace" yaml:"namespace"`
	TaskQueue string `json:"task_queue" mapstructure:"task_queue" yaml:"task_queue"`
}

// RedisConfig configures per-unit leases. An empty Addr disables leasing.
type RedisConfig struct {
	Addr     string        `json:"addr" mapstructure:"addr" yaml:"addr"`
	Password string        `json:"-" mapstructure:"password" yaml:"-"`
	DB       int           `json:"db" mapstructure:"db" yaml:"db"`
	LeaseTTL time.Duration `json:"lease_ttl" mapstructure:"lease_ttl" yaml:"lease_ttl"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Addr string `json:"addr" mapstructure:"addr" yaml:"addr"`
}

// PipelineConfig groups all settings.
type PipelineConfig struct {
	PapersDir    string            `json:"papers_dir" mapstructure:"papers_dir" yaml:"papers_dir"`
	PromptSet    string            `json:"prompt_set" mapstructure:"prompt_set" yaml:"prompt_set"`
	PromptSetDir string            `json:"prompt_set_dir" mapstructure:"prompt_set_dir" yaml:"prompt_set_dir"`
	Model        ModelConfig       `json:"model" mapstructure:"model" yaml:"model"`
	Extraction   ExtractionConfig  `json:"extraction" mapstructure:"extraction" yaml:"extraction"`
	Aggregation  AggregationConfig `json:"aggregation" mapstructure:"aggregation" yaml:"aggregation"`
	Store        StoreConfig       `json:"store" mapstructure:"store" yaml:"store"`
	Conversion   ConversionConfig  `json:"conversion" mapstructure:"conversion" yaml:"conversion"`
	Literature   LiteratureConfig  `json:"literature" mapstructure:"literature" yaml:"literature"`
	Logging      LoggingConfig     `json:"logging" mapstructure:"logging" yaml:"logging"`
	Temporal     TemporalConfig    `json:"temporal" mapstructure:"temporal" yaml:"temporal"`
	Redis        RedisConfig       `json:"redis" mapstructure:"redis" yaml:"redis"`
	Server       ServerConfig      `json:"server" mapstructure:"server" yaml:"server"`
}
