package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	whisperbox "github.com/whisperbox/whisperbox/sdk/golang"
)

var watchMetricsAddr string

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch all conversations of the account",
	Long:  "List the account's conversations with unread counts, then stream incoming messages until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		session, err := accountSession(cfg)
		if err != nil {
			return err
		}
		store, err := openSessionStore()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		var metrics *whisperbox.Metrics
		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			metrics = whisperbox.NewMetrics(reg)
			srv := serveMetrics(watchMetricsAddr, reg)
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		engine, err := newEngine(cfg, session, store, metrics, nil)
		if err != nil {
			return err
		}
		defer engine.Close()

		engine.OnStateChange(printStateChange)
		engine.OnInbound(func(key string, msg whisperbox.Message) {
			unread := 0
			if conv, ok := engine.Conversation(key); ok {
				unread = conv.UnreadCount
			}
			dimColor.Printf("%-24s ", key)
			printMessage(key, msg)
			if unread > 0 {
				warnColor.Printf("%-24s %d unread\n", "", unread)
			}
		})

		if err := engine.Start(ctx); err != nil {
			warnColor.Printf("cannot connect yet: %v\n", err)
		}

		summaries, err := engine.LoadConversations(ctx)
		if err != nil {
			warnColor.Printf("cannot load conversations: %v\n", err)
		}
		printSummaries(summaries)

		<-ctx.Done()
		return nil
	},
}

func printSummaries(summaries []whisperbox.ConversationSummary) {
	if len(summaries) == 0 {
		dimColor.Println("No conversations yet.")
		return
	}
	fmt.Printf("%-24s %-20s %6s  %s\n", "CONVERSATION", "LAST MESSAGE", "UNREAD", "PREVIEW")
	for _, s := range summaries {
		label := s.ID
		if s.Label != "" && s.Label != s.ID {
			label = s.Label
		}
		last := s.LastMessageAt
		if t, err := time.Parse(time.RFC3339Nano, s.LastMessageAt); err == nil {
			last = t.Local().Format(whisperbox.DefaultDisplayLayout)
		}
		line := fmt.Sprintf("%-24s %-20s %6d  %s", label, last, s.UnreadCount, s.LastMessage)
		if s.UnreadCount > 0 {
			inColor.Println(line)
		} else {
			fmt.Println(line)
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errColor.Printf("metrics server: %v\n", err)
		}
	}()
	return srv
}
