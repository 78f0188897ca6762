package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

const (
	secretA = "0123456789abcdef0123456789abcdef:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
	secretB = "fedcba9876543210fedcba9876543210:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
	secretC = "0123456789abcdef0123456789abcdef:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
)

func clearSecrets(t *testing.T) {
	t.Helper()
	for _, k := range []string{"FK_HMAC_SECRET", "FK_HMAC_SECRET_1", "FK_HMAC_SECRET_2"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldkeeper.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHMACSecrets(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    int
		wantErr bool
	}{
		{name: "none", env: nil, want: 0},
		{name: "single secret", env: map[string]string{"FK_HMAC_SECRET": secretA}, want: 1},
		{name: "multiple numbered secrets", env: map[string]string{"FK_HMAC_SECRET_1": secretA, "FK_HMAC_SECRET_2": secretB}, want: 2},
		{name: "numbering stops at first gap", env: map[string]string{"FK_HMAC_SECRET_2": secretB}, want: 0},
		{name: "invalid format", env: map[string]string{"FK_HMAC_SECRET": "invalid_format"}, wantErr: true},
		{name: "invalid secret_id length", env: map[string]string{"FK_HMAC_SECRET": "short:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"}, wantErr: true},
		{name: "non-hex secret_id", env: map[string]string{"FK_HMAC_SECRET": "0123456789abcdefGHIJKLMNOPQRSTUV:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"}, wantErr: true},
		{name: "duplicate secret_id in numbered secrets", env: map[string]string{"FK_HMAC_SECRET_1": secretA, "FK_HMAC_SECRET_2": secretC}, wantErr: true},
		{name: "duplicate secret_id between single and numbered", env: map[string]string{"FK_HMAC_SECRET": secretA, "FK_HMAC_SECRET_1": secretC}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearSecrets(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			secrets, err := HMACSecrets()
			if (err != nil) != tt.wantErr {
				t.Fatalf("HMACSecrets() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(secrets) != tt.want {
				t.Errorf("HMACSecrets() = %d secrets, want %d", len(secrets), tt.want)
			}
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !reflect.DeepEqual(cfg.EvaluationAPI, Default().EvaluationAPI) {
		t.Errorf("EvaluationAPI = %+v, want %+v", cfg.EvaluationAPI, Default().EvaluationAPI)
	}
	if cfg.Engine.LookupTimeout != 5*time.Second {
		t.Errorf("LookupTimeout = %v, want 5s", cfg.Engine.LookupTimeout)
	}
	if cfg.Lookup.ParametersTable != "parametros_maestros" || cfg.Lookup.TypeColumn != "tipo_campo" {
		t.Errorf("Lookup = %+v, want parametros_maestros/tipo_campo", cfg.Lookup)
	}
	if len(cfg.Lookup.Tables) != 0 || cfg.AllowedTables() != nil {
		t.Errorf("Tables = %v, want none", cfg.Lookup.Tables)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
evaluation_api:
  port: 7000
  request_timeout: 2s
engine:
  lookup_timeout: 250ms
  max_parallel_records: 4
lookup:
  tables: [productos, cuentas_contables]
audit:
  file: /var/log/fieldkeeper/audit.jsonl
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.EvaluationAPI.Port != 7000 {
		t.Errorf("Port = %d, want 7000", cfg.EvaluationAPI.Port)
	}
	if cfg.EvaluationAPI.RequestTimeout != 2*time.Second {
		t.Errorf("RequestTimeout = %v, want 2s", cfg.EvaluationAPI.RequestTimeout)
	}
	if cfg.Engine.LookupTimeout != 250*time.Millisecond || cfg.Engine.MaxParallelRecords != 4 {
		t.Errorf("Engine = %+v, want 250ms/4", cfg.Engine)
	}
	want := []string{"parametros_maestros", "productos", "cuentas_contables"}
	if got := cfg.AllowedTables(); !reflect.DeepEqual(got, want) {
		t.Errorf("AllowedTables() = %v, want %v", got, want)
	}
	if cfg.Audit.File != "/var/log/fieldkeeper/audit.jsonl" {
		t.Errorf("Audit.File = %q", cfg.Audit.File)
	}
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("FK_EVALUATION_API_PORT", "9999")
	t.Setenv("FK_EVALUATION_API_HOST", "127.0.0.1")
	t.Setenv("FK_ENGINE_LOOKUP_TIMEOUT", "1s")
	t.Setenv("FK_LOOKUP_TABLES", "productos,clientes")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.EvaluationAPI.Port != 9999 || cfg.EvaluationAPI.Host != "127.0.0.1" {
		t.Errorf("EvaluationAPI = %s:%d, want 127.0.0.1:9999", cfg.EvaluationAPI.Host, cfg.EvaluationAPI.Port)
	}
	if cfg.Engine.LookupTimeout != time.Second {
		t.Errorf("LookupTimeout = %v, want 1s", cfg.Engine.LookupTimeout)
	}
	if !reflect.DeepEqual(cfg.Lookup.Tables, []string{"productos", "clientes"}) {
		t.Errorf("Tables = %v, want [productos clientes]", cfg.Lookup.Tables)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"port above range", "FK_EVALUATION_API_PORT", "70000"},
		{"negative max_connections", "FK_EVALUATION_API_MAX_CONNECTIONS", "-1"},
		{"zero batch size", "FK_EVALUATION_API_MAX_BATCH_SIZE", "0"},
		{"zero lookup timeout", "FK_ENGINE_LOOKUP_TIMEOUT", "0s"},
		{"zero parallelism", "FK_ENGINE_MAX_PARALLEL_RECORDS", "0"},
		{"unsafe table name", "FK_LOOKUP_TABLES", "productos;drop"},
		{"unsafe parameters table", "FK_LOOKUP_PARAMETERS_TABLE", "a b"},
		{"unknown log level", "FK_LOG_LEVEL", "verbose"},
		{"unknown log format", "FK_LOG_FORMAT", "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			if _, err := LoadConfig(""); err == nil {
				t.Errorf("LoadConfig() with %s=%s error = nil, want error", tt.env, tt.val)
			}
		})
	}
}

func TestParseHMACSecret(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid base64", "dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w", false},
		{"invalid base64", "not-valid-base64!!!", true},
		{"secret too short", "c2hvcnQ=", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret, err := ParseHMACSecret(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHMACSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(secret) < 32 {
				t.Errorf("ParseHMACSecret() = %d bytes, want >= 32", len(secret))
			}
		})
	}
}

func TestParseHMACSecretWithID(t *testing.T) {
	secretID, secret, err := ParseHMACSecretWithID(secretA)
	if err != nil {
		t.Fatalf("ParseHMACSecretWithID() error = %v", err)
	}
	if secretID != "0123456789abcdef0123456789abcdef" {
		t.Errorf("secretID = %s, want 0123456789abcdef0123456789abcdef", secretID)
	}
	if len(secret) == 0 {
		t.Error("secret should not be empty")
	}

	for _, bad := range []string{
		"0123456789abcdef0123456789abcdef",
		"tooshort:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w",
		"0123456789abcdefGHIJKLMNOPQRSTUV:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w",
	} {
		if _, _, err := ParseHMACSecretWithID(bad); err == nil {
			t.Errorf("ParseHMACSecretWithID(%q) error = nil, want error", bad)
		}
	}
}
