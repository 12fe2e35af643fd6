package config

import (
	"time"

	"github.com/docsyncd/docsyncd/internal/infra/embed"
	redisclient "github.com/docsyncd/docsyncd/internal/infra/redis"
	"github.com/docsyncd/docsyncd/internal/infra/storage/postgres"
	"github.com/docsyncd/docsyncd/internal/infra/vector"
	"github.com/docsyncd/docsyncd/internal/pipeline"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Database  postgres.Config    `yaml:"database"`
	Redis     redisclient.Config `yaml:"redis"`
	Vector    vector.Config      `yaml:"vector"`
	Embedding embed.Config       `yaml:"embedding"`
	Pipeline  pipeline.Config    `yaml:"pipeline"`
	Sync      SyncConfig         `yaml:"sync"`
	Logging   LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SyncConfig holds retention and housekeeping settings.
type SyncConfig struct {
	TxnRetention  time.Duration `yaml:"txn_retention"`  // terminal transaction contexts
	JobRetention  time.Duration `yaml:"job_retention"`  // terminal sync jobs, 0 = keep forever
	SweepInterval time.Duration `yaml:"sweep_interval"` // housekeeping cadence
}
