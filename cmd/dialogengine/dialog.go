package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func dialogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dialog",
		Short: "Inspect and reset per-conversation dialog state",
	}
	cmd.AddCommand(dialogInspectCmd())
	cmd.AddCommand(dialogResetCmd())
	return cmd
}

func dialogInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <bot-id> <platform> <chat-id>",
		Short: "Print the current DialogState for a conversation as JSON",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			botID, platform, chatID := args[0], args[1], args[2]

			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Get(cmd.Context(), botID, platform, chatID)
			if err != nil {
				return fmt.Errorf("load dialog state: %w", err)
			}
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal dialog state: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func dialogResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <bot-id> <platform> <chat-id>",
		Short: "Delete a conversation's DialogState so its next message starts the active scenario fresh",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			botID, platform, chatID := args[0], args[1], args[2]

			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), botID, platform, chatID); err != nil {
				return fmt.Errorf("delete dialog state: %w", err)
			}
			fmt.Printf("reset dialog state for bot=%s platform=%s chat=%s\n", botID, platform, chatID)
			return nil
		},
	}
}
