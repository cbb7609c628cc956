package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	var err error
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaultDataDir
	}
	if c.DataDir, err = expandPath(c.DataDir); err != nil {
		return fmt.Errorf("data_dir: %w", err)
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	if err := c.normalizePipeline(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.OpenAI.APIKey = strings.TrimSpace(c.OpenAI.APIKey)
	c.OpenAI.BaseURL = strings.TrimRight(strings.TrimSpace(c.OpenAI.BaseURL), "/")
	c.Search.Endpoint = strings.TrimSpace(c.Search.Endpoint)
	c.Metrics.Addr = strings.TrimSpace(c.Metrics.Addr)
	c.NATS.URL = strings.TrimSpace(c.NATS.URL)
	c.NATS.Prefix = strings.Trim(strings.TrimSpace(c.NATS.Prefix), ".")
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = defaultNATSPrefix
	}
	return nil
}

func (c *Config) normalizeStore() error {
	var err error
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	if strings.TrimSpace(c.Store.Dir) == "" {
		c.Store.Dir = filepath.Join(c.DataDir, "runs")
	}
	if c.Store.Dir, err = expandPath(c.Store.Dir); err != nil {
		return fmt.Errorf("store.dir: %w", err)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = filepath.Join(c.DataDir, "podflow.db")
	}
	if c.Store.Path, err = expandPath(c.Store.Path); err != nil {
		return fmt.Errorf("store.path: %w", err)
	}
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	return nil
}

func (c *Config) normalizePipeline() error {
	var err error
	if strings.TrimSpace(c.Pipeline.AudioDir) == "" {
		c.Pipeline.AudioDir = filepath.Join(c.DataDir, "audio")
	}
	if c.Pipeline.AudioDir, err = expandPath(c.Pipeline.AudioDir); err != nil {
		return fmt.Errorf("pipeline.audio_dir: %w", err)
	}
	c.Pipeline.QualityGate = strings.TrimSpace(c.Pipeline.QualityGate)
	c.Pipeline.AudioFormat = strings.ToLower(strings.TrimSpace(c.Pipeline.AudioFormat))
	for name, override := range c.Pipeline.Stages {
		override.Jitter = strings.ToLower(strings.TrimSpace(override.Jitter))
		for i, kind := range override.RetryOn {
			override.RetryOn[i] = strings.ToLower(strings.TrimSpace(kind))
		}
		c.Pipeline.Stages[name] = override
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}
