package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "zerohr",
		Short: "ZeroHR - judged, section-by-section document generation",
		Long: `ZeroHR generates a structured document one section at a time.
Every section is drafted by a language model, scored by a judge prompt and
retried with the judge's feedback until it passes or its retries run out.
Accepted sections are combined into a weighted final document.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: nearest .zerohr.toml, then ~/.config/zerohr/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
