package main

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antoniostano/cyclenlu/internal/app"
	"github.com/antoniostano/cyclenlu/internal/config"
	"github.com/antoniostano/cyclenlu/internal/observability"
)

var processUserID string

var processCmd = &cobra.Command{
	Use:   "process [message...]",
	Short: "Process one message through the pipeline and print the JSON result",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runProcess,
}

func init() {
	processCmd.Flags().StringVar(&processUserID, "user", "cli-user", "user id whose context is read and updated")
}

func runProcess(cmd *cobra.Command, args []string) error {
	message := strings.TrimSpace(strings.Join(args, " "))
	if message == "" || strings.TrimSpace(processUserID) == "" {
		return errors.New("a user id and a non-empty message are required")
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout stays machine-readable.
	logger := observability.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	built, err := app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = built.Cleanup() }()

	resp, err := built.Pipeline.ProcessInput(cmd.Context(), processUserID, message)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
