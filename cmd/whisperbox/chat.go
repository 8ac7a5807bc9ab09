package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	whisperbox "github.com/whisperbox/whisperbox/sdk/golang"
)

var (
	chatAnonymous bool
	chatName      string
)

func init() {
	chatCmd.Flags().BoolVar(&chatAnonymous, "anonymous", false, "Chat with the anonymous session instead of the configured account")
	chatCmd.Flags().StringVar(&chatName, "name", "", "Display name shown to the recipient (anonymous only)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <counterpart>",
	Short: "Open an interactive conversation",
	Long: "Open an interactive conversation with counterpart. As an account holder the counterpart\n" +
		"is an anonymous session id; with --anonymous it is the recipient's username.\n\n" +
		"Type a line to send it. /search <text> searches the conversation, /quit leaves.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		counterpart := args[0]

		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, err := openSessionStore()
		if err != nil {
			return err
		}

		var session whisperbox.Session
		if chatAnonymous {
			id, err := store.AnonymousID()
			if err != nil {
				return fmt.Errorf("failed to read session: %w", err)
			}
			session = whisperbox.AnonymousSession(id)
			if chatName != "" {
				if err := store.SetDisplayName(id, counterpart, chatName); err != nil {
					return fmt.Errorf("failed to save display name: %w", err)
				}
			}
		} else {
			if session, err = accountSession(cfg); err != nil {
				return err
			}
		}

		engine, err := newEngine(cfg, session, store, nil, nil)
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, cancel := signalContext()
		defer cancel()

		engine.OnStateChange(printStateChange)
		engine.OnServerEvent(func(env whisperbox.Envelope) {
			switch env.Type {
			case whisperbox.EnvelopeError:
				errColor.Printf("server: %s\n", env.Content)
			case whisperbox.EnvelopeInfo:
				dimColor.Printf("server: %s\n", env.Content)
			}
		})
		engine.OnInbound(func(key string, msg whisperbox.Message) {
			if key == counterpart {
				printMessage(key, msg)
			}
		})

		if err := engine.Start(ctx); err != nil {
			warnColor.Printf("cannot connect yet: %v\n", err)
		}
		if err := engine.LoadHistory(ctx, counterpart, false); err != nil {
			warnColor.Printf("cannot load history: %v\n", err)
		}
		if conv, ok := engine.Conversation(counterpart); ok {
			for _, msg := range conv.Messages {
				printMessage(counterpart, msg)
			}
		}
		engine.MarkActive(counterpart)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				switch {
				case line == "":
					continue
				case line == "/quit":
					return nil
				case strings.HasPrefix(line, "/search "):
					for _, msg := range engine.Search(strings.TrimPrefix(line, "/search "), counterpart, 0) {
						printMessage(counterpart, msg)
					}
					continue
				}

				msg, err := engine.Send(ctx, counterpart, whisperbox.NewDraft(line))
				if err != nil {
					var failure *whisperbox.SendFailure
					if errors.As(err, &failure) {
						errColor.Printf("not sent: %v\n", failure.Err)
						dimColor.Printf("draft kept: %s\n", failure.Text)
						continue
					}
					errColor.Printf("not sent: %v\n", err)
					continue
				}
				printMessage(counterpart, msg)
			}
		}
	},
}
