package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ledgerline/fieldkeeper/internal/core/auth"
	"github.com/ledgerline/fieldkeeper/internal/core/config"
	"github.com/ledgerline/fieldkeeper/internal/core/db"
	"github.com/ledgerline/fieldkeeper/internal/types"
)

var apiKeyCmd = &cobra.Command{
	Use:   "api-key",
	Short: "Issue an API key for a tenant",
	Long: `Issue a new API key signed with a configured HMAC secret. The key is
printed once; only its hash is stored.`,
	RunE: runAPIKey,
}

func init() {
	rootCmd.AddCommand(apiKeyCmd)
	apiKeyCmd.Flags().String("tenant", "", "tenant the key authenticates as")
	apiKeyCmd.Flags().String("name", "", "human readable key name")
	apiKeyCmd.Flags().String("secret-id", "", "HMAC secret id to sign with (default: newest)")
	_ = apiKeyCmd.MarkFlagRequired("tenant")
}

func runAPIKey(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	secretID, _ := cmd.Flags().GetString("secret-id")
	if secretID == "" {
		secretID = newestSecretID(secrets)
	}
	secret, ok := secrets[secretID]
	if !ok {
		return fmt.Errorf("no HMAC secret %q configured (set FK_HMAC_SECRET environment variable)", secretID)
	}

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()
	queries, err := db.LoadQueries(database)
	if err != nil {
		return fmt.Errorf("failed to load queries: %w", err)
	}

	tenant, _ := cmd.Flags().GetString("tenant")
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = tenant
	}
	key, id, err := auth.Issue(ctx, queries, types.TenantID(tenant), name, secretID, secret)
	if err != nil {
		return err
	}

	e.logger.Info("api key issued", "tenant", tenant, "api_key_id", id, "secret_id", secretID)
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

// newestSecretID picks the highest id. Secret ids are UUIDv7, so that is the
// most recently generated secret.
func newestSecretID(secrets map[string][]byte) string {
	ids := make([]string, 0, len(secrets))
	for id := range secrets {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}
	slices.Sort(ids)
	return ids[len(ids)-1]
}
