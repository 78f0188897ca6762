// Package config provides configuration management for fieldkeeper services.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the full service configuration. Keys mirror the YAML/env layout:
// evaluation_api.port <-> FK_EVALUATION_API_PORT.
type Config struct {
	EvaluationAPI EvaluationAPIConfig `mapstructure:"evaluation_api"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Lookup        LookupConfig        `mapstructure:"lookup"`
	Log           LogConfig           `mapstructure:"log"`
	Audit         AuditConfig         `mapstructure:"audit"`
}

// EvaluationAPIConfig holds configuration for the gRPC evaluation service.
type EvaluationAPIConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	MaxConnections int           `mapstructure:"max_connections"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
	DataDir        string        `mapstructure:"data_dir"`
}

// EngineConfig tunes rule evaluation.
type EngineConfig struct {
	LookupTimeout      time.Duration `mapstructure:"lookup_timeout"`
	MaxParallelRecords int           `mapstructure:"max_parallel_records"`
}

// LookupConfig names the master data the engine may read.
type LookupConfig struct {
	ParametersTable string   `mapstructure:"parameters_table"`
	TypeColumn      string   `mapstructure:"type_column"`
	Tables          []string `mapstructure:"tables"`
}

// LogConfig selects the slog handler and optional rotating file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditConfig enables the JSONL audit sink when File is set.
type AuditConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		EvaluationAPI: EvaluationAPIConfig{
			Host:           "0.0.0.0",
			Port:           50061,
			MaxConnections: 1000,
			RequestTimeout: 30 * time.Second,
			MaxBatchSize:   500,
			DataDir:        "./data",
		},
		Engine: EngineConfig{
			LookupTimeout:      5 * time.Second,
			MaxParallelRecords: 8,
		},
		Lookup: LookupConfig{
			ParametersTable: "parametros_maestros",
			TypeColumn:      "tipo_campo",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Audit: AuditConfig{
			MaxSizeMB:  100,
			MaxBackups: 10,
		},
	}
}

// AllowedTables is the lookup allowlist: the configured tables plus the
// parameters table. Empty means any valid non-reserved table.
func (c *Config) AllowedTables() []string {
	if len(c.Lookup.Tables) == 0 {
		return nil
	}
	return append([]string{c.Lookup.ParametersTable}, c.Lookup.Tables...)
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports FK_HMAC_SECRET (single) and FK_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	add := func(key, val string) error {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[secretID]; exists {
			return fmt.Errorf("duplicate secret_id '%s' found in environment variables (check FK_HMAC_SECRET and FK_HMAC_SECRET_* for conflicts)", secretID)
		}
		secrets[secretID] = decoded
		return nil
	}

	// Format: <secret_id>:<base64_secret>
	if val := os.Getenv("FK_HMAC_SECRET"); val != "" {
		if err := add("FK_HMAC_SECRET", val); err != nil {
			return nil, err
		}
	}

	// Numbered secrets keep old and new keys valid during rotation
	for i := 1; ; i++ {
		key := fmt.Sprintf("FK_HMAC_SECRET_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		if err := add(key, val); err != nil {
			return nil, err
		}
	}

	return secrets, nil
}

// ParseHMACSecret decodes a base64-encoded HMAC secret.
func ParseHMACSecret(envValue string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envValue))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// ParseHMACSecretWithID parses secret_id:base64_secret format.
// Secret ID must be 32 hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (secretID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	secretID = parts[0]
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}
	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = ParseHMACSecret(parts[1])
	if err != nil {
		return "", nil, err
	}
	return secretID, secret, nil
}
