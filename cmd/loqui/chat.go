package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	loqui "github.com/loqui-im/loqui-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// history
	historyGroup bool
	historyPages int
	historyJSON  bool

	// search
	searchGroup bool
	searchJSON  bool

	// contacts
	contactsJSON bool

	// unread
	unreadJSON bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().BoolVar(&historyGroup, "group", false, "treat target as a group id")
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "number of history pages to load")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().BoolVar(&searchGroup, "group", false, "treat target as a group id")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(contactsCmd)
	contactsCmd.Flags().BoolVar(&contactsJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(unreadCmd)
	unreadCmd.Flags().BoolVar(&unreadJSON, "json", false, "output raw JSON")
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <peer-or-group-id>",
	Short: "Show conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _ := getEngine(false)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		kind := conversationKind(historyGroup)
		if err := engine.OpenConversation(ctx, kind, args[0]); err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		for p := 1; p < historyPages; p++ {
			added, err := engine.LoadMoreHistory(ctx)
			if err != nil {
				return fmt.Errorf("load page %d: %w", p+1, err)
			}
			if added == 0 {
				break
			}
		}

		view := engine.View(args[0])
		if historyJSON {
			data, err := json.MarshalIndent(view.Messages, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		for _, msg := range view.Messages {
			printMessage(msg)
		}
		if view.HasMoreHistory {
			fmt.Println("-- older messages available, use --pages to load more --")
		}
		return nil
	},
}

// ============================================================================
// search
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <peer-or-group-id> <query>",
	Short: "Search messages within a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _ := getEngine(false)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		kind := conversationKind(searchGroup)
		if err := engine.OpenConversation(ctx, kind, args[0]); err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}

		n, err := engine.Search(ctx, args[1])
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		if n == 0 {
			fmt.Println("No matches.")
			return nil
		}

		matches := engine.SearchMatches()
		if searchJSON {
			data, err := json.MarshalIndent(matches, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("%d match(es):\n", n)
		for _, msg := range matches {
			printMessage(msg)
		}
		return nil
	},
}

// ============================================================================
// contacts
// ============================================================================

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts with presence",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _ := getEngine(false)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := engine.Bootstrap(ctx); err != nil {
			return err
		}

		contacts := engine.Presence()
		if contactsJSON {
			data, err := json.MarshalIndent(contacts, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		for _, c := range contacts {
			state := "offline"
			if c.Online {
				state = "online"
			} else if c.LastSeen != nil {
				state = "last seen " + c.LastSeen.Local().Format("Jan 2 15:04")
			}
			name := c.DisplayName
			if name == "" {
				name = c.ID
			}
			fmt.Printf("%-24s %s\n", name, state)
		}
		return nil
	},
}

// ============================================================================
// unread
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread counts per conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _ := getEngine(false)

		counts := engine.UnreadCounts()
		if unreadJSON {
			data, err := json.MarshalIndent(counts, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(counts) == 0 {
			fmt.Println("All caught up.")
			return nil
		}
		for key, n := range counts {
			fmt.Printf("%-24s %d\n", key, n)
		}
		return nil
	},
}

// ============================================================================
// Rendering
// ============================================================================

func printMessage(msg loqui.Message) {
	ts := msg.CreatedAt.Local().Format("15:04:05")
	marker := statusMarker(msg.Aggregate)
	fmt.Printf("[%s] %s %s: %s\n", ts, marker, msg.SenderID, msg.Content)
}

func statusMarker(s loqui.Status) string {
	switch s {
	case loqui.StatusRead:
		return "✓✓"
	case loqui.StatusDelivered:
		return "✓ "
	default:
		return "· "
	}
}
