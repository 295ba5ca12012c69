package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/3xpluto/go-ratelimiter/internal/api"
	"github.com/3xpluto/go-ratelimiter/internal/config"
	"github.com/3xpluto/go-ratelimiter/internal/logging"
	"github.com/3xpluto/go-ratelimiter/internal/ratelimit"
)

var checkFlags struct {
	key    string
	policy string
	inline config.PolicyConfig
	deny   bool
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one decision against the configured store",
	Example: `  ratelimitd check --key user_1 --policy login
  ratelimitd check --key user_1 --algorithm token_bucket --capacity 10 --refill-rate 2
  ratelimitd check --key user_1 --tier per_second=5 --tier per_minute=100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkFlags.key, "key", "", "identity to check (required)")
	f.StringVar(&checkFlags.policy, "policy", "", "named policy from the config")
	f.StringVar(&checkFlags.inline.Algorithm, "algorithm", "", "token_bucket | fixed_window (inline limit)")
	f.Int64Var(&checkFlags.inline.Limit, "limit", 0, "fixed window limit")
	f.Int64Var(&checkFlags.inline.WindowSeconds, "window", 0, "fixed window length in seconds")
	f.Int64Var(&checkFlags.inline.Capacity, "capacity", 0, "token bucket capacity")
	f.Float64Var(&checkFlags.inline.RefillRate, "refill-rate", 0, "token bucket refill rate per second")
	f.Int64Var(&checkFlags.inline.Cost, "cost", 0, "tokens consumed by this call")
	f.StringToInt64Var(&checkFlags.inline.Tiers, "tier", nil, "tier limit as name=limit, repeatable")
	f.BoolVar(&checkFlags.deny, "exit-on-deny", false, "exit with status 2 when the call is denied")
	_ = checkCmd.MarkFlagRequired("key")
	checkCmd.MarkFlagsMutuallyExclusive("policy", "algorithm")
	checkCmd.MarkFlagsMutuallyExclusive("policy", "tier")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	log := logging.NewWithWriter(os.Stderr, cfg.Log.Level, "console")

	store, _, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	limiter, err := newLimiter(cfg, store, log, nil)
	if err != nil {
		return err
	}

	req, err := checkRequest(limiter, cfg)
	if err != nil {
		return err
	}
	res, err := limiter.Check(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(api.NewCheckResponse(checkFlags.key, checkFlags.policy, res)); err != nil {
		return errors.Wrap(err, "write result")
	}
	if checkFlags.deny && !res.Allowed {
		os.Exit(2)
	}
	return nil
}

func checkRequest(limiter *ratelimit.Limiter, cfg *config.Config) (ratelimit.Request, error) {
	if checkFlags.policy != "" {
		policies, err := api.NewPolicySet(limiter, cfg.Policies)
		if err != nil {
			return ratelimit.Request{}, err
		}
		return policies.Request(checkFlags.policy, checkFlags.key)
	}

	inline := checkFlags.inline
	inline.Name = "cli"
	if len(inline.Tiers) == 0 {
		inline.Tiers = nil
	}
	if err := config.ValidatePolicies([]config.PolicyConfig{inline}); err != nil {
		return ratelimit.Request{}, errors.WithMessage(err, "inline limit")
	}
	return inline.Request(checkFlags.key)
}
