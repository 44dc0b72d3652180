package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	configName      = ".tonexporter"
	configType      = "yaml"
	envPrefix       = "TONEXPORTER"
	envKeySeparator = "_"
)

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty it is read as the config file; otherwise
// .tonexporter.yaml is searched in CWD and $HOME. A missing file is not
// an error.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := New()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	return Decode(viperCfg)
}

// New returns a viper instance with defaults and env binding applied.
// Callers may bind flags onto it before calling Decode.
func New() *viper.Viper {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	return viperCfg
}

// Decode unmarshals and validates the settings held by viperCfg.
func Decode(viperCfg *viper.Viper) (*Config, error) {
	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("archive.root", "")

	viperCfg.SetDefault("export.parallelism", DefaultParallelism)
	viperCfg.SetDefault("export.deserialize", DefaultDeserialize)
	viperCfg.SetDefault("export.status_dir", DefaultStatusDir)
	viperCfg.SetDefault("export.package_queue", DefaultPackageQueue)
	viperCfg.SetDefault("export.progress_interval", DefaultProgressInterval)

	viperCfg.SetDefault("decoder.queue_capacity", DefaultDecoderQueueCapacity())
	viperCfg.SetDefault("decoder.workers", DefaultDecoderWorkers)

	viperCfg.SetDefault("writer.kind", DefaultWriterKind)
	viperCfg.SetDefault("writer.queue_capacity", DefaultWriterQueueCapacity)
	viperCfg.SetDefault("writer.buffer_size", DefaultWriterBufferSize)
	viperCfg.SetDefault("writer.flush_lines", DefaultWriterFlushLines)
	viperCfg.SetDefault("writer.flush_interval", DefaultWriterFlushInterval)
	viperCfg.SetDefault("writer.shards", DefaultWriterShards)
	viperCfg.SetDefault("writer.batch_size", DefaultWriterBatchSize)
	viperCfg.SetDefault("writer.compress", DefaultWriterCompress)

	viperCfg.SetDefault("log.level", DefaultLogLevel)
	viperCfg.SetDefault("log.json", DefaultLogJSON)

	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.metrics_addr", "")
}
