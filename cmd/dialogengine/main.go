// Command dialogengine is the operator-facing entry point for the dialog
// execution engine: it runs the webhook intake server and webhook health
// scheduler (`serve`), and provides scenario/dialog management
// subcommands used to drive the engine without a separate management
// HTTP surface (spec.md §6 treats that surface as an external
// collaborator; this CLI is the ambient substitute for local operation).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dialogengine/dialogengine/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dialogengine",
	Short: "dialogengine — multi-tenant conversational bot orchestration engine",
	Long:  "dialogengine runs the dialog execution engine: webhook intake, scenario interpretation, media resolution, and per-conversation state, for Telegram (and planned WhatsApp/Viber) bots.",
}

func init() {
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scenarioCmd())
	rootCmd.AddCommand(dialogCmd())
	rootCmd.AddCommand(botCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("dialogengine %s\n", Version)
			return nil
		},
	}
}

// newLogger builds the process-wide slog.Logger from cfg.LogLevel,
// writing structured JSON to stderr. Command subtrees that need a
// logger load config first and call this rather than each inventing
// their own handler.
func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
