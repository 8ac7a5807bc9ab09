package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionResetCmd)
	sessionCmd.AddCommand(sessionNameCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the anonymous session",
	Long:  "Inspect or reset the anonymous session id and the display names it presents to recipients.",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the anonymous session id, creating one if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore()
		if err != nil {
			return err
		}
		id, err := store.AnonymousID()
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}
		fmt.Println(id)
		return nil
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard the anonymous session id",
	Long:  "Discard the anonymous session id. The next anonymous chat starts a new identity that recipients cannot link to the old one.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore()
		if err != nil {
			return err
		}
		if err := store.ResetAnonymousID(); err != nil {
			return fmt.Errorf("failed to reset session: %w", err)
		}
		fmt.Println("Anonymous session reset.")
		return nil
	},
}

var sessionNameCmd = &cobra.Command{
	Use:   "name <recipient> <display-name>",
	Short: "Set the display name shown to a recipient",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipient, name := args[0], args[1]

		store, err := openSessionStore()
		if err != nil {
			return err
		}
		id, err := store.AnonymousID()
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}
		if err := store.SetDisplayName(id, recipient, name); err != nil {
			return fmt.Errorf("failed to save display name: %w", err)
		}
		fmt.Printf("Messages to %s will be signed %q for the next 24 hours.\n", recipient, name)
		return nil
	},
}
