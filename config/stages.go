package config

import (
	"fmt"
	"sort"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators/openai"
	"github.com/deepnoodle-ai/podflow/collaborators/sources"
	"github.com/deepnoodle-ai/podflow/collaborators/websearch"
	"github.com/deepnoodle-ai/podflow/podcast"
)

// Stages returns the podcast stage declarations with the configured
// overrides applied. Overrides naming an unknown stage are an error.
func (c *Config) Stages() ([]*podflow.Stage, error) {
	stages := podcast.DefaultStages()
	byName := make(map[string]*podflow.Stage, len(stages))
	for _, stage := range stages {
		byName[stage.Name] = stage
	}

	names := make([]string, 0, len(c.Pipeline.Stages))
	for name := range c.Pipeline.Stages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stage, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("pipeline.stages: unknown stage %q", name)
		}
		if err := c.Pipeline.Stages[name].apply(stage); err != nil {
			return nil, fmt.Errorf("pipeline.stages.%s: %w", name, err)
		}
	}
	return stages, nil
}

func (o StageOverride) apply(stage *podflow.Stage) error {
	policy := podflow.DefaultRetryPolicy()
	if stage.Retry != nil {
		copied := *stage.Retry
		policy = &copied
	}
	if o.MaxAttempts != nil {
		if *o.MaxAttempts < 1 {
			return fmt.Errorf("max_attempts must be at least 1")
		}
		policy.MaxAttempts = *o.MaxAttempts
	}
	if o.BaseDelay != nil {
		policy.BaseDelay = o.BaseDelay.Duration
	}
	if o.MaxDelay != nil {
		policy.MaxDelay = o.MaxDelay.Duration
	}
	if o.MaxTotalWait != nil {
		policy.MaxTotalWait = o.MaxTotalWait.Duration
	}
	if o.Jitter != "" {
		policy.Jitter = podflow.JitterStrategy(o.Jitter)
	}
	if o.RetryOn != nil {
		kinds := make([]podflow.ErrorKind, 0, len(o.RetryOn))
		for _, name := range o.RetryOn {
			kind := podflow.ErrorKind(name)
			if !kind.Valid() {
				return fmt.Errorf("retry_on: unknown error kind %q", name)
			}
			kinds = append(kinds, kind)
		}
		policy.RetryOn = kinds
	}
	stage.Retry = policy

	if o.Timeout != nil {
		if o.Timeout.Duration < 0 {
			return fmt.Errorf("timeout must not be negative")
		}
		stage.Timeout = o.Timeout.Duration
	}
	if o.NonDegradable != nil {
		stage.NonDegradable = *o.NonDegradable
	}
	return nil
}

// PipelineOptions returns the podcast options described by the pipeline
// section, including the stage overrides.
func (c *Config) PipelineOptions() (podcast.Options, error) {
	stages, err := c.Stages()
	if err != nil {
		return podcast.Options{}, err
	}
	return podcast.Options{
		Stages:         stages,
		QualityGate:    c.Pipeline.QualityGate,
		FallbackScript: c.Pipeline.FallbackScript,
		SearchLimit:    c.Pipeline.SearchLimit,
		TopK:           c.Pipeline.TopK,
		ChunkSize:      c.Pipeline.ChunkSize,
		Voice:          c.OpenAI.Voice,
		AudioFormat:    c.Pipeline.AudioFormat,
		AudioDir:       c.Pipeline.AudioDir,
	}, nil
}

// OpenAIConfig returns the settings of the OpenAI client.
func (c *Config) OpenAIConfig() openai.Config {
	return openai.Config{
		APIKey:      c.OpenAI.APIKey,
		BaseURL:     c.OpenAI.BaseURL,
		ChatModel:   c.OpenAI.ChatModel,
		EmbedModel:  c.OpenAI.EmbedModel,
		SpeechModel: c.OpenAI.SpeechModel,
		Voice:       c.OpenAI.Voice,
		AudioDir:    c.Pipeline.AudioDir,
	}
}

// SearchConfig returns the settings of the web search client.
func (c *Config) SearchConfig() websearch.Config {
	return websearch.Config{
		Endpoint:         c.Search.Endpoint,
		APIKey:           c.Search.APIKey,
		APIKeyHeader:     c.Search.APIKeyHeader,
		UserAgent:        c.Search.UserAgent,
		FetchConcurrency: c.Search.FetchConcurrency,
	}
}

// SourceConfigs returns the settings of every enabled personal data source.
func (c *Config) SourceConfigs() []sources.Config {
	var configs []sources.Config
	for _, entry := range []struct {
		name   string
		source Source
	}{
		{sources.ChatHistory, c.Sources.ChatHistory},
		{sources.Documents, c.Sources.Documents},
		{sources.Mailbox, c.Sources.Mailbox},
	} {
		if entry.source.Endpoint == "" {
			continue
		}
		configs = append(configs, sources.Config{
			Name:     entry.name,
			Endpoint: entry.source.Endpoint,
			Token:    entry.source.Token,
			Limit:    entry.source.Limit,
		})
	}
	return configs
}
