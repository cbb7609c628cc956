package config

import (
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/podflow"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateLimits(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case DriverFile, DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of file, sqlite, postgres, memory", c.Store.Driver)
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := podflow.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateLimits() error {
	if c.Limits.MaxConcurrentCalls < 0 {
		return errors.New("limits.max_concurrent_calls must not be negative")
	}
	if c.Limits.CallTimeout.Duration < 0 {
		return errors.New("limits.call_timeout must not be negative")
	}
	if c.Search.FetchConcurrency < 0 {
		return errors.New("search.fetch_concurrency must not be negative")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.SearchLimit < 0 || c.Pipeline.TopK < 0 || c.Pipeline.ChunkSize < 0 {
		return errors.New("pipeline.search_limit, top_k and chunk_size must not be negative")
	}
	stages, err := c.Stages()
	if err != nil {
		return err
	}
	for _, stage := range stages {
		if stage.Retry == nil {
			continue
		}
		if err := stage.Retry.Validate(); err != nil {
			return fmt.Errorf("pipeline.stages.%s: %w", stage.Name, err)
		}
	}
	return nil
}
