package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Store selects and configures the run store.
type Store struct {
	// Driver is one of "file", "sqlite", "postgres", or "memory".
	Driver string `yaml:"driver" toml:"driver"`
	// Dir is the run directory of the file store.
	Dir string `yaml:"dir" toml:"dir"`
	// Path is the database file of the sqlite store.
	Path string `yaml:"path" toml:"path"`
	// DSN is the connection string of the postgres store.
	DSN string `yaml:"dsn" toml:"dsn"`
	// AttemptLog enables the per-attempt log. File stores write it next to
	// the runs, database stores into their own tables.
	AttemptLog bool `yaml:"attempt_log" toml:"attempt_log"`
}

// Logging configures log output.
type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// OpenAI configures the language model, embedding, and speech client.
type OpenAI struct {
	APIKey      string `yaml:"api_key" toml:"api_key"`
	BaseURL     string `yaml:"base_url" toml:"base_url"`
	ChatModel   string `yaml:"chat_model" toml:"chat_model"`
	EmbedModel  string `yaml:"embed_model" toml:"embed_model"`
	SpeechModel string `yaml:"speech_model" toml:"speech_model"`
	Voice       string `yaml:"voice" toml:"voice"`
}

// Search configures the web search client.
type Search struct {
	Endpoint         string `yaml:"endpoint" toml:"endpoint"`
	APIKey           string `yaml:"api_key" toml:"api_key"`
	APIKeyHeader     string `yaml:"api_key_header" toml:"api_key_header"`
	UserAgent        string `yaml:"user_agent" toml:"user_agent"`
	FetchConcurrency int    `yaml:"fetch_concurrency" toml:"fetch_concurrency"`
}

// Source configures one personal data source. A source without an
// endpoint is disabled.
type Source struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Token    string `yaml:"token" toml:"token"`
	Limit    int    `yaml:"limit" toml:"limit"`
}

// Sources groups the personal data sources used by personalization.
type Sources struct {
	ChatHistory Source `yaml:"chat_history" toml:"chat_history"`
	Documents   Source `yaml:"documents" toml:"documents"`
	Mailbox     Source `yaml:"mailbox" toml:"mailbox"`
}

// StageOverride changes the declaration of one pipeline stage. Unset fields
// keep the default declaration.
type StageOverride struct {
	MaxAttempts   *int      `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay     *Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay      *Duration `yaml:"max_delay" toml:"max_delay"`
	MaxTotalWait  *Duration `yaml:"max_total_wait" toml:"max_total_wait"`
	Jitter        string    `yaml:"jitter" toml:"jitter"`
	RetryOn       []string  `yaml:"retry_on" toml:"retry_on"`
	Timeout       *Duration `yaml:"timeout" toml:"timeout"`
	NonDegradable *bool     `yaml:"non_degradable" toml:"non_degradable"`
}

// Pipeline configures the podcast stages.
type Pipeline struct {
	QualityGate    string `yaml:"quality_gate" toml:"quality_gate"`
	FallbackScript string `yaml:"fallback_script" toml:"fallback_script"`
	SearchLimit    int    `yaml:"search_limit" toml:"search_limit"`
	TopK           int    `yaml:"top_k" toml:"top_k"`
	ChunkSize      int    `yaml:"chunk_size" toml:"chunk_size"`
	AudioFormat    string `yaml:"audio_format" toml:"audio_format"`
	AudioDir       string `yaml:"audio_dir" toml:"audio_dir"`

	Stages map[string]StageOverride `yaml:"stages" toml:"stages"`
}

// Limits bounds external calls across all runs of a process.
type Limits struct {
	// MaxConcurrentCalls caps in-flight collaborator calls. Zero means
	// unlimited.
	MaxConcurrentCalls int      `yaml:"max_concurrent_calls" toml:"max_concurrent_calls"`
	CallTimeout        Duration `yaml:"call_timeout" toml:"call_timeout"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Addr is the listen address of the /metrics endpoint. Empty disables
	// it.
	Addr string `yaml:"addr" toml:"addr"`
}

// NATS configures run event publishing.
type NATS struct {
	// URL of the NATS server. Empty disables publishing.
	URL      string `yaml:"url" toml:"url"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
	Attempts bool   `yaml:"attempts" toml:"attempts"`
}

// Config is the complete podflow configuration.
type Config struct {
	DataDir  string   `yaml:"data_dir" toml:"data_dir"`
	Store    Store    `yaml:"store" toml:"store"`
	Logging  Logging  `yaml:"logging" toml:"logging"`
	OpenAI   OpenAI   `yaml:"openai" toml:"openai"`
	Search   Search   `yaml:"search" toml:"search"`
	Sources  Sources  `yaml:"sources" toml:"sources"`
	Pipeline Pipeline `yaml:"pipeline" toml:"pipeline"`
	Limits   Limits   `yaml:"limits" toml:"limits"`
	Metrics  Metrics  `yaml:"metrics" toml:"metrics"`
	NATS     NATS     `yaml:"nats" toml:"nats"`
}

// Load reads, normalizes, and validates the configuration at path. The
// format is chosen by extension: .yaml and .yml are YAML, .toml is TOML.
// When path is empty the default locations are searched, and defaults are
// used if no file exists there.
func Load(path string) (*Config, error) {
	resolved, exists, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		if path != "" {
			return nil, fmt.Errorf("config file %s: %w", resolved, fs.ErrNotExist)
		}
		cfg := Default()
		if err := cfg.finish(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, filepath.Ext(resolved))
}

// Parse decodes configuration data in the format named by ext (".yaml",
// ".yml", or ".toml"), then normalizes and validates it.
func Parse(data []byte, ext string) (*Config, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}
	cfg := Default()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(strings.NewReader(expanded))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case ".toml":
		decoder := toml.NewDecoder(bytes.NewReader([]byte(expanded)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, fmt.Errorf("parse config: unknown fields:\n%s", strict.String())
			}
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .yaml, .yml, or .toml)", ext)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	if err := c.normalize(); err != nil {
		return err
	}
	return c.Validate()
}

func resolvePath(path string) (string, bool, error) {
	candidates := []string{path}
	if path == "" {
		candidates = defaultPaths()
	}
	for _, candidate := range candidates {
		expanded, err := expandPath(candidate)
		if err != nil {
			return "", false, err
		}
		info, err := os.Stat(expanded)
		if err == nil && !info.IsDir() {
			return expanded, true, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", false, fmt.Errorf("stat config: %w", err)
		}
	}
	if path != "" {
		expanded, err := expandPath(path)
		return expanded, false, err
	}
	return "", false, nil
}

func defaultPaths() []string {
	return []string{
		"podflow.yaml",
		"podflow.toml",
		"~/.config/podflow/config.yaml",
		"~/.config/podflow/config.toml",
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}
