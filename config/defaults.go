package config

import (
	"time"

	"github.com/deepnoodle-ai/podflow/podcast"
)

const (
	defaultDataDir     = "~/.local/share/podflow"
	defaultStoreDriver = DriverFile
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultNATSPrefix  = "podflow"
	defaultCallTimeout = 2 * time.Minute
)

// Store drivers.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		DataDir: defaultDataDir,
		Store: Store{
			Driver:     defaultStoreDriver,
			AttemptLog: true,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Search: Search{
			FetchConcurrency: 4,
		},
		Pipeline: Pipeline{
			QualityGate:    podcast.DefaultQualityGate,
			FallbackScript: podcast.DefaultFallbackScript,
			SearchLimit:    5,
			TopK:           4,
			ChunkSize:      800,
			AudioFormat:    "mp3",
		},
		Limits: Limits{
			MaxConcurrentCalls: 8,
			CallTimeout:        NewDuration(defaultCallTimeout),
		},
		NATS: NATS{
			Prefix: defaultNATSPrefix,
		},
	}
}
