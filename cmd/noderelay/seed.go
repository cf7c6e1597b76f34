package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/noderelay/internal/apikey"
	"github.com/alecgard/noderelay/internal/auth"
	"github.com/alecgard/noderelay/internal/config"
)

var (
	seedEmail   string
	seedTier    string
	seedKeyName string
	seedTTL     time.Duration
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a user and an API key for local use",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedEmail, "email", "dev@localhost", "user email")
	seedCmd.Flags().StringVar(&seedTier, "tier", "free", "rate-limit tier")
	seedCmd.Flags().StringVar(&seedKeyName, "name", "local", "key name")
	seedCmd.Flags().DurationVar(&seedTTL, "expires-in", 0, "key lifetime (0 = never expires)")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if _, ok := cfg.RateLimit.Tiers[seedTier]; !ok {
		slog.Warn("tier has no configured limit, the default limit applies", "tier", seedTier)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := apikey.NewStore(pool)

	user, err := store.CreateUser(ctx, apikey.CreateUserInput{Email: seedEmail, Tier: seedTier})
	if err != nil {
		return fmt.Errorf("creating user %q: %w", seedEmail, err)
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	in := apikey.CreateKeyInput{
		UserID:    user.ID,
		Name:      seedKeyName,
		KeyHash:   key.Hash,
		KeyPrefix: key.Prefix,
	}
	if seedTTL > 0 {
		exp := time.Now().Add(seedTTL).UTC()
		in.ExpiresAt = &exp
	}
	k, err := store.Create(ctx, in)
	if err != nil {
		return fmt.Errorf("creating api key: %w", err)
	}

	slog.Info("seeded caller", "user_id", user.ID, "tier", user.Tier, "key_id", k.ID, "key_prefix", k.KeyPrefix)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n=== Caller Seeded ===\n")
	fmt.Fprintf(out, "User:     %s (%s, tier %s)\n", user.Email, user.ID, user.Tier)
	fmt.Fprintf(out, "API Key:  %s\n", plaintext)
	fmt.Fprintf(out, "\nTry it:\n")
	fmt.Fprintf(out, "  curl -X POST -H 'X-API-Key: %s' -H 'Content-Type: application/json' \\\n", plaintext)
	fmt.Fprintf(out, "    -d '{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"getSlot\"}' http://%s/\n", cfg.Addr())
	return nil
}
