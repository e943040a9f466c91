package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cyclenlu",
	Short: "Natural-language front end for menstrual-health tracking",
	Long: `cyclenlu classifies free-text health messages, extracts symptoms and
dates, and keeps a short per-user conversational context.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CYCLENLU_CONFIG"), "optional YAML config file (env vars override it)")
	rootCmd.AddCommand(serveCmd, processCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
