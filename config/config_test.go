package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/podcast"
)

const yamlConfig = `
data_dir: /var/lib/podflow
store:
  driver: SQLite
logging:
  level: debug
  format: json
openai:
  api_key: ${PODFLOW_TEST_OPENAI_KEY}
  base_url: https://llm.internal/v1/
search:
  endpoint: ${PODFLOW_TEST_SEARCH_URL:-https://search.example.com}
sources:
  mailbox:
    endpoint: https://mail.internal/items
    token: secret
pipeline:
  fallback_script: "Today on ${request}: ${summary}"
  stages:
    search:
      max_attempts: 5
      base_delay: 250ms
      retry_on: [Unavailable]
    reporter:
      timeout: 45s
      non_degradable: true
limits:
  max_concurrent_calls: 3
  call_timeout: 30s
`

const tomlConfig = `
data_dir = "/srv/podflow"

[store]
driver = "postgres"
dsn = "postgres://podflow@db/podflow?sslmode=disable"

[nats]
url = "nats://localhost:4222"
prefix = "acme."

[pipeline.stages.tts]
max_attempts = 4
timeout = "5m"
`

func TestParseYAML(t *testing.T) {
	t.Setenv("PODFLOW_TEST_OPENAI_KEY", "sk-test")

	cfg, err := Parse([]byte(yamlConfig), ".yaml")
	require.NoError(t, err)

	require.Equal(t, DriverSQLite, cfg.Store.Driver)
	require.Equal(t, "/var/lib/podflow/podflow.db", cfg.Store.Path)
	require.Equal(t, "/var/lib/podflow/audio", cfg.Pipeline.AudioDir)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	require.Equal(t, "https://llm.internal/v1", cfg.OpenAI.BaseURL)
	require.Equal(t, "https://search.example.com", cfg.Search.Endpoint)
	require.Equal(t, "Today on ${request}: ${summary}", cfg.Pipeline.FallbackScript)
	require.Equal(t, 30*time.Second, cfg.Limits.CallTimeout.Duration)

	sourceConfigs := cfg.SourceConfigs()
	require.Len(t, sourceConfigs, 1)
	require.Equal(t, "mailbox", sourceConfigs[0].Name)
	require.Equal(t, "secret", sourceConfigs[0].Token)

	require.Equal(t, "sk-test", cfg.OpenAIConfig().APIKey)
	require.Equal(t, "/var/lib/podflow/audio", cfg.OpenAIConfig().AudioDir)
}

func TestParseTOML(t *testing.T) {
	cfg, err := Parse([]byte(tomlConfig), ".toml")
	require.NoError(t, err)
	require.Equal(t, DriverPostgres, cfg.Store.Driver)
	require.Equal(t, "/srv/podflow/runs", cfg.Store.Dir)
	require.Equal(t, "acme", cfg.NATS.Prefix)

	stages, err := cfg.Stages()
	require.NoError(t, err)
	tts := stages[len(stages)-1]
	require.Equal(t, podcast.StageTTS, tts.Name)
	require.Equal(t, 4, tts.Retry.MaxAttempts)
	require.Equal(t, 5*time.Minute, tts.Timeout)
	require.True(t, tts.NonDegradable)
}

func TestStageOverrides(t *testing.T) {
	t.Setenv("PODFLOW_TEST_OPENAI_KEY", "sk-test")
	cfg, err := Parse([]byte(yamlConfig), ".yml")
	require.NoError(t, err)

	opts, err := cfg.PipelineOptions()
	require.NoError(t, err)
	byName := map[string]*podflow.Stage{}
	for _, stage := range opts.Stages {
		byName[stage.Name] = stage
	}

	search := byName[podcast.StageSearch]
	require.Equal(t, 5, search.Retry.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, search.Retry.BaseDelay)
	require.Equal(t, []podflow.ErrorKind{podflow.ErrorKindUnavailable}, search.Retry.RetryOn)

	reporter := byName[podcast.StageReporter]
	require.Equal(t, 45*time.Second, reporter.Timeout)
	require.True(t, reporter.NonDegradable)
	require.Equal(t, 3, reporter.Retry.MaxAttempts)

	// Stages without overrides keep their defaults.
	critic := byName[podcast.StageCritic]
	require.Equal(t, 1, critic.Retry.MaxAttempts)
	require.Equal(t, 60*time.Second, critic.Timeout)

	// Overrides do not leak into fresh default declarations.
	require.Equal(t, 3, podcast.DefaultStages()[1].Retry.MaxAttempts)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		ext  string
		want string
	}{
		{"unknown format", "x: 1", ".json", "unsupported config format"},
		{"unknown field", "stroe:\n  driver: file\n", ".yaml", "stroe"},
		{"unknown toml field", "[stroe]\ndriver = \"file\"\n", ".toml", "unknown fields"},
		{"missing env", "openai:\n  api_key: ${PODFLOW_TEST_UNSET_VAR}\n", ".yaml", "PODFLOW_TEST_UNSET_VAR"},
		{"bad driver", "store:\n  driver: redis\n", ".yaml", "store.driver"},
		{"postgres without dsn", "store:\n  driver: postgres\n", ".yaml", "store.dsn"},
		{"bad level", "logging:\n  level: loud\n", ".yaml", "logging.level"},
		{"bad format", "logging:\n  format: xml\n", ".yaml", "logging.format"},
		{"bad duration", "limits:\n  call_timeout: soon\n", ".yaml", "invalid duration"},
		{"unknown stage", "pipeline:\n  stages:\n    editor:\n      max_attempts: 2\n", ".yaml", `unknown stage "editor"`},
		{"zero attempts", "pipeline:\n  stages:\n    search:\n      max_attempts: 0\n", ".yaml", "max_attempts"},
		{"unknown kind", "pipeline:\n  stages:\n    search:\n      retry_on: [flaky]\n", ".yaml", "unknown error kind"},
		{"fatal kind", "pipeline:\n  stages:\n    search:\n      retry_on: [invalid_input]\n", ".yaml", "transient"},
		{"bad jitter", "pipeline:\n  stages:\n    search:\n      jitter: wild\n", ".yaml", "jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.ext)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil, ".yaml")
	require.NoError(t, err)
	require.Equal(t, DriverFile, cfg.Store.Driver)
	require.Equal(t, 8, cfg.Limits.MaxConcurrentCalls)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "podflow.toml")
	require.NoError(t, os.WriteFile(path, []byte("[store]\ndriver = \"memory\"\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DriverMemory, cfg.Store.Driver)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DriverFile, cfg.Store.Driver)
	require.Equal(t, filepath.Join(cfg.DataDir, "runs"), cfg.Store.Dir)
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	require.Equal(t, 90*time.Second, d.Duration)
	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(text))
	require.Error(t, d.UnmarshalText([]byte("ninety")))
}
