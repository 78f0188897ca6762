package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bandejas = "../../../internal/store/memstore/testdata/bandejas.yaml"

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append(args, "--log-level", "error"))
	require.NoError(t, rootCmd.Execute(), "fieldkeeper %v", args)
	return out.String()
}

func TestCommands_MigrateSeedEvaluate(t *testing.T) {
	url := "sqlite://" + filepath.Join(t.TempDir(), "fk.db")

	out := run(t, "migrate", "--db-url", url)
	assert.Contains(t, out, "applied 001_initial_schema.sql")
	assert.Contains(t, run(t, "migrate", "--db-url", url), "up to date")
	assert.Contains(t, run(t, "migrate", "--db-url", url, "--status"), "002_master_tables.sql")

	out = run(t, "seed", "--db-url", url, "--file", bandejas)
	assert.Contains(t, out, "seeded 3 tenant rules, 2 global rules, 1 activations, 3 rows")

	out = run(t, "evaluate", "--db-url", url, "--fixtures=",
		"--tenant", "acme", "--scope", "LINE", "--record", `{"descripcion":"BANDEJAS Celusal"}`)

	var res struct {
		Tenant string         `json:"tenant"`
		Record map[string]any `json:"record"`
		Audit  []struct {
			RuleCode string `json:"ruleCode"`
		} `json:"audit"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "acme", res.Tenant)
	assert.Equal(t, "BANDE", res.Record["codigoProducto"])
	assert.Equal(t, "CC001", res.Record["centroCosto"])
	require.Len(t, res.Audit, 2)
	assert.Equal(t, "PROD_BANDEJAS", res.Audit[0].RuleCode)
	assert.Equal(t, "CTA_PRODUCTO", res.Audit[1].RuleCode)
}

func TestCommands_EvaluateDocumentFromFixtures(t *testing.T) {
	out := run(t, "evaluate", "--fixtures", bandejas, "--document",
		"--tenant", "acme", "--record", `{"header":{"numero":"000042"},"lines":[{"descripcion":"bandeja"},{"descripcion":"otro"}]}`)
	t.Cleanup(func() { _ = evaluateCmd.Flags().Set("document", "false") })

	var res struct {
		Header struct {
			Record map[string]any `json:"record"`
		} `json:"header"`
		Lines []struct {
			Record map[string]any `json:"record"`
		} `json:"lines"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "42", res.Header.Record["numero"])
	require.Len(t, res.Lines, 2)
	assert.Equal(t, "CC001", res.Lines[0].Record["centroCosto"])
	assert.NotContains(t, res.Lines[1].Record, "codigoProducto")
}
