package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	whisperbox "github.com/whisperbox/whisperbox/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration and, when an account is configured, fetch its conversation summary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:      %s\n", valueOrDefault(cfg.Default.BaseURL, whisperbox.DefaultBaseURL+" (default)"))
		fmt.Printf("  Notifications: %t\n", cfg.Default.Notifications)
		fmt.Printf("  Log level:     %s\n", valueOrDefault(cfg.Default.LogLevel, "warn (default)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Username:      %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:         %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:         (not set)")
		}

		session, err := accountSession(cfg)
		if err != nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := newClient(cfg).Conversations(ctx, session)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}
