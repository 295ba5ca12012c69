package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/3xpluto/go-ratelimiter/internal/api"
	"github.com/3xpluto/go-ratelimiter/internal/config"
	"github.com/3xpluto/go-ratelimiter/internal/ratelimit"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a config file and its policies without serving",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		// Policies are checked against the real limiter rules; no store is touched.
		store := ratelimit.NewMemoryStore(0)
		defer store.Close()
		limiter, err := newLimiter(cfg, store, zerolog.Nop(), nil)
		if err != nil {
			return err
		}
		policies, err := api.NewPolicySet(limiter, cfg.Policies)
		if err != nil {
			return errors.WithMessage(err, "policies")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok: %s\n", cfgFile)
		fmt.Fprintf(out, "  store:    %s\n", cfg.Store.Backend)
		fmt.Fprintf(out, "  policies: %d\n", policies.Len())
		for _, p := range policies.List() {
			fmt.Fprintf(out, "    - %s\n", describePolicy(p))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func describePolicy(p config.PolicyConfig) string {
	if len(p.Tiers) > 0 {
		return fmt.Sprintf("%s: tiers %v", p.Name, p.Tiers)
	}
	algo := p.Algorithm
	if algo == "" {
		algo = "default"
	}
	return fmt.Sprintf("%s: %s", p.Name, algo)
}
