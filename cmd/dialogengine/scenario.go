package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dialogengine/dialogengine/internal/config"
	"github.com/dialogengine/dialogengine/internal/persistence"
	"github.com/dialogengine/dialogengine/internal/scenario"
)

func scenarioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Validate and activate scenario graphs",
	}
	cmd.AddCommand(scenarioValidateCmd())
	cmd.AddCommand(scenarioActivateCmd())
	return cmd
}

func scenarioValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse a scenario JSON file and run load-time graph validation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadScenarioFile(args[0])
			if err != nil {
				return err
			}
			actions := scenario.NewActionRegistry()
			scenario.RegisterDefaults(actions)
			if err := scenario.ValidateGraph(g, actions); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Printf("%s: valid (start_step=%s, %d steps)\n", args[0], g.StartStepID, len(g.Steps))
			return nil
		},
	}
}

func scenarioActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <bot-id> <file>",
		Short: "Save a scenario JSON file as a new version and atomically activate it for a bot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			botID, path := args[0], args[1]

			g, err := loadScenarioFile(path)
			if err != nil {
				return err
			}
			actions := scenario.NewActionRegistry()
			scenario.RegisterDefaults(actions)
			if err := scenario.ValidateGraph(g, actions); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			encoded, err := scenario.Encode(g)
			if err != nil {
				return fmt.Errorf("encode scenario: %w", err)
			}

			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.GetBot(cmd.Context(), botID); err != nil {
				if err == persistence.ErrNotFound {
					return fmt.Errorf("bot %q not found; register it first with 'dialogengine bot add-telegram'", botID)
				}
				return err
			}

			latest, err := store.LatestScenarioVersion(cmd.Context(), botID)
			if err != nil {
				return fmt.Errorf("determine latest scenario version: %w", err)
			}
			version := latest + 1

			if err := store.SaveScenario(cmd.Context(), botID, scenarioIDFromPath(path), version, encoded); err != nil {
				return fmt.Errorf("save scenario: %w", err)
			}
			if err := store.ActivateScenario(cmd.Context(), botID, version); err != nil {
				return fmt.Errorf("activate scenario: %w", err)
			}

			fmt.Printf("activated %s v%d for bot %s\n", path, version, botID)
			return nil
		},
	}
}

func loadScenarioFile(path string) (*scenario.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	g, err := scenario.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	return g, nil
}

func scenarioIDFromPath(path string) string {
	base := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			base = path[i+1:]
			break
		}
	}
	return base
}

// openStore opens the State Repository against the configured database
// path for a one-shot CLI command (no cache warming, no history buffer
// tuning beyond the defaults — those only matter under serve's sustained
// load).
func openStore(ctx context.Context) (*persistence.Store, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, fmt.Errorf("load config: %w", err)
	}
	store, err := persistence.Open(ctx, cfg.DatabasePath, persistence.Config{})
	if err != nil {
		return nil, cfg, fmt.Errorf("open store: %w", err)
	}
	return store, cfg, nil
}
