package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	loqui "github.com/loqui-im/loqui-go"
	"github.com/spf13/cobra"
)

var (
	sendGroup bool

	watchGroup   bool
	watchVerbose bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendGroup, "group", false, "treat target as a group id")

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchGroup, "group", false, "treat target as a group id")
	watchCmd.Flags().BoolVar(&watchVerbose, "verbose", false, "log connection events")
}

// realtimeURL picks the push endpoint, falling back to the backend base URL.
func realtimeURL(cfg *Config) string {
	if cfg.Default.RealtimeURL != "" {
		return cfg.Default.RealtimeURL
	}
	return cfg.Default.BaseURL
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <peer-or-group-id> <text>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cfg := getEngine(false)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		rt := loqui.NewRealtimeClient(realtimeURL(cfg), loqui.RealtimeConfig{
			Token: cfg.Auth.Token,
		})
		engine.Bind(rt)
		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer rt.Disconnect()

		kind := conversationKind(sendGroup)
		if err := engine.OpenConversation(ctx, kind, args[0]); err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}

		msg, err := engine.SendMessage(ctx, args[1])
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <peer-or-group-id>",
	Short: "Follow a conversation live",
	Long:  "Open a conversation, print its recent history, then stream incoming messages until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cfg := getEngine(watchVerbose)
		key := args[0]

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rt := loqui.NewRealtimeClient(realtimeURL(cfg), loqui.RealtimeConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
		})
		if watchVerbose {
			rt.OnDisconnected(func(code int, reason string) {
				fmt.Fprintf(os.Stderr, "-- disconnected (%d): %s\n", code, reason)
			})
			rt.OnReconnecting(func(attempt int, delay time.Duration) {
				fmt.Fprintf(os.Stderr, "-- reconnecting (attempt %d, in %s)\n", attempt, delay)
			})
		}

		seen := make(map[string]bool)
		engine.Bind(rt)
		rt.OnEvent(func(event string, _ json.RawMessage) {
			if event != "message.new" {
				return
			}
			// The engine handler ran first, so the store already has it.
			for _, msg := range engine.View(key).Messages {
				if !seen[msg.ID] {
					seen[msg.ID] = true
					printMessage(msg)
				}
			}
		})

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer rt.Disconnect()

		kind := conversationKind(watchGroup)
		if err := engine.OpenConversation(ctx, kind, key); err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		for _, msg := range engine.View(key).Messages {
			seen[msg.ID] = true
			printMessage(msg)
		}
		fmt.Println("-- watching, Ctrl-C to stop --")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}
