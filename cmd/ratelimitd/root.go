package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ratelimitd",
	Short: "Distributed rate-limit decision service",
	Long: `ratelimitd answers "may this key do one more unit of work?" for many
processes at once. Counters and buckets live in Redis (or in memory for a
single node) and every update is atomic.

  ratelimitd serve      # run the HTTP decision API
  ratelimitd check      # one decision from the command line
  ratelimitd validate   # check a config file`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "./config/ratelimitd.example.yaml", "path to yaml config")
}
