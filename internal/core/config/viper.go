package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ledgerline/fieldkeeper/internal/rules"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence; flags are
// applied by the caller on the returned struct.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	// FK_EVALUATION_API_PORT -> evaluation_api.port
	v.SetEnvPrefix("FK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are environment-only
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("evaluation_api.host", d.EvaluationAPI.Host)
	v.SetDefault("evaluation_api.port", d.EvaluationAPI.Port)
	v.SetDefault("evaluation_api.max_connections", d.EvaluationAPI.MaxConnections)
	v.SetDefault("evaluation_api.request_timeout", d.EvaluationAPI.RequestTimeout.String())
	v.SetDefault("evaluation_api.max_batch_size", d.EvaluationAPI.MaxBatchSize)
	v.SetDefault("evaluation_api.data_dir", d.EvaluationAPI.DataDir)

	v.SetDefault("engine.lookup_timeout", d.Engine.LookupTimeout.String())
	v.SetDefault("engine.max_parallel_records", d.Engine.MaxParallelRecords)

	v.SetDefault("lookup.parameters_table", d.Lookup.ParametersTable)
	v.SetDefault("lookup.type_column", d.Lookup.TypeColumn)
	v.SetDefault("lookup.tables", []string{})

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)

	v.SetDefault("audit.file", d.Audit.File)
	v.SetDefault("audit.max_size_mb", d.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", d.Audit.MaxBackups)
}

// validateConfig checks ranges and identifiers.
func validateConfig(cfg *Config) error {
	api := cfg.EvaluationAPI
	if api.Port <= 0 || api.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", api.Port)
	}
	if api.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", api.MaxConnections)
	}
	if api.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", api.RequestTimeout)
	}
	if api.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive, got %d", api.MaxBatchSize)
	}
	if cfg.Engine.LookupTimeout <= 0 {
		return fmt.Errorf("lookup_timeout must be positive, got %v", cfg.Engine.LookupTimeout)
	}
	if cfg.Engine.MaxParallelRecords <= 0 {
		return fmt.Errorf("max_parallel_records must be positive, got %d", cfg.Engine.MaxParallelRecords)
	}

	for _, name := range append([]string{cfg.Lookup.ParametersTable, cfg.Lookup.TypeColumn}, cfg.Lookup.Tables...) {
		if !rules.ValidIdentifier(name) {
			return fmt.Errorf("invalid lookup table or column name %q", name)
		}
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", cfg.Log.Format)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor).
// InConfig looks at the file only; IsSet would also see FK_HMAC_SECRET.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("hmac_secret") || v.InConfig("evaluation_api.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use FK_HMAC_SECRET environment variable)")
	}
	return nil
}
