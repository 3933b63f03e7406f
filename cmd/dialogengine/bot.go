package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dialogengine/dialogengine/internal/channels"
	"github.com/dialogengine/dialogengine/internal/persistence"
)

// botCmd registers bots and their platform credentials. Account/restaurant
// ownership of a bot is managed by an external collaborator (spec.md §3);
// this is the minimum needed for serve's adapter Registry to find a bot's
// token and webhook URL at startup.
func botCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Register bots and platform credentials",
	}
	cmd.AddCommand(botAddTelegramCmd())
	cmd.AddCommand(botListCmd())
	return cmd
}

func botAddTelegramCmd() *cobra.Command {
	var webhookURL string
	var autoRefresh bool

	cmd := &cobra.Command{
		Use:   "add-telegram <bot-id> <token>",
		Short: "Register (or update) a bot's Telegram credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			botID, token := args[0], args[1]

			if webhookURL == "" {
				if domain := os.Getenv("DIALOGENGINE_WEBHOOK_DOMAIN"); domain != "" {
					webhookURL = fmt.Sprintf("https://%s/webhook/%s/%s", domain, channels.PlatformTelegram, botID)
				}
			}

			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.GetBot(cmd.Context(), botID); err == persistence.ErrNotFound {
				if err := store.UpsertBot(cmd.Context(), persistence.Bot{ID: botID, Name: botID, Active: true}); err != nil {
					return fmt.Errorf("create bot: %w", err)
				}
			} else if err != nil {
				return fmt.Errorf("lookup bot: %w", err)
			}

			cred := persistence.PlatformCredential{
				BotID:       botID,
				Platform:    string(channels.PlatformTelegram),
				Secrets:     token,
				WebhookURL:  webhookURL,
				AutoRefresh: autoRefresh,
				Healthy:     true,
			}
			if err := store.UpsertCredential(cmd.Context(), cred); err != nil {
				return fmt.Errorf("save credential: %w", err)
			}
			fmt.Printf("registered telegram credential for bot %s\n", botID)
			return nil
		},
	}
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "", "webhook URL the health-check scheduler keeps registered with Telegram (defaults to https://$DIALOGENGINE_WEBHOOK_DOMAIN/webhook/telegram/<bot-id>)")
	cmd.Flags().BoolVar(&autoRefresh, "auto-refresh", true, "let the webhook health-check scheduler re-register this credential's webhook on drift")
	return cmd
}

func botListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered platform credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			creds, err := store.ListCredentials(cmd.Context())
			if err != nil {
				return fmt.Errorf("list credentials: %w", err)
			}
			for _, c := range creds {
				fmt.Printf("%s\t%s\thealthy=%t\tauto_refresh=%t\twebhook=%s\n", c.BotID, c.Platform, c.Healthy, c.AutoRefresh, c.WebhookURL)
			}
			return nil
		},
	}
}
