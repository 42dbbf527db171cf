package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/loom/internal/pipeline"
)

// Config represents the loom configuration file (~/.config/loom/config.yaml).
// Fields are pointers where "not set" must be distinguishable from zero.
type Config struct {
	Model string `yaml:"model"`

	MaxNewTokens  *int64   `yaml:"max_new_tokens"`
	StopStrings   []string `yaml:"stop_strings"`
	MaxBatchSize  *int64   `yaml:"max_batch_size"`
	MaxPoolPages  *int64   `yaml:"max_pool_pages"`
	TokensPerPage *int64   `yaml:"tokens_per_page"`

	Temperature *float64 `yaml:"temperature"`
	TopK        *int64   `yaml:"top_k"`
	TopP        *float64 `yaml:"top_p"`
	Seed        *int64   `yaml:"seed"`
	Timeout     string   `yaml:"timeout"`

	ServerAddress string `yaml:"server_address"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "loom", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or fails to parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyPipelineConfig applies config file defaults wherever the
// corresponding CLI flag was not explicitly set.
func applyPipelineConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		model = cfg.Model
	}
	if cfg.MaxNewTokens != nil && !c.IsSet("max-new-tokens") {
		maxNewTokens = *cfg.MaxNewTokens
	}
	if len(cfg.StopStrings) > 0 && !c.IsSet("stop") {
		stopStrings = cfg.StopStrings
	}
	if cfg.MaxBatchSize != nil && !c.IsSet("max-batch-size") {
		maxBatchSize = *cfg.MaxBatchSize
	}
	if cfg.MaxPoolPages != nil && !c.IsSet("max-pool-pages") {
		maxPoolPages = *cfg.MaxPoolPages
	}
	if cfg.TokensPerPage != nil && !c.IsSet("tokens-per-page") {
		tokensPerPage = *cfg.TokensPerPage
	}
	if cfg.Temperature != nil && !c.IsSet("temp") && !c.IsSet("temperature") && !c.IsSet("t") {
		temperature = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		topP = *cfg.TopP
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.Timeout != "" && !c.IsSet("timeout") {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			runTimeout = d
		}
	}
}

// pipelineConfig assembles the pipeline configuration from the resolved
// flag state.
func pipelineConfig() pipeline.Config {
	return pipeline.Config{
		MaxNewTokens:  int(maxNewTokens),
		StopStrings:   stopStrings,
		MaxBatchSize:  int(maxBatchSize),
		MaxPoolPages:  int(maxPoolPages),
		TokensPerPage: int(tokensPerPage),
		Temperature:   temperature,
		TopK:          int(topK),
		TopP:          topP,
		Seed:          seed,
		Timeout:       runTimeout,
	}
}
