package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/merchantchat/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// messages
	messagesPages int

	// conversations
	conversationsUnread bool
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON where supported")

	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")
	messagesCmd.Flags().IntVar(&messagesPages, "pages", 1, "Number of pages to load, newest first")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(merchantsCmd)
}

// loadEngine resolves the identity and loads the conversation list over
// REST only. Callers Close the engine when done.
func loadEngine(ctx context.Context, cfg *Config) (*chatsync.Engine, error) {
	e := newEngine(cfg, nil)
	if err := e.Load(ctx); err != nil {
		return nil, describeErr(err)
	}
	return e, nil
}

// startEngine is loadEngine plus the push channel, for commands whose
// writes are echoed to peers.
func startEngine(ctx context.Context, cfg *Config) (*chatsync.Engine, error) {
	e := newEngine(cfg, nil)
	if err := e.Start(ctx); err != nil {
		return nil, describeErr(err)
	}
	return e, nil
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations visible to the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		e, err := loadEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		self := cfg.Auth.UserID
		convs := e.Conversations()
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadFor(self) > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}
		if jsonOutput {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPEER\tUNREAD\tLAST MESSAGE\tAT")
		for _, c := range convs {
			peer := c.PeerOf(self)
			if u := c.PeerUser(self); u != nil && u.Username != "" {
				peer = u.Username
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
				c.ID, peer, c.UnreadFor(self), truncate(c.LastMessage, 40), formatTime(c.LastMessageTime))
		}
		w.Flush()
		fmt.Printf("\nTotal unread: %d\n", e.UnreadTotal())
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show message history for a conversation",
	Long:  "Select a conversation, load its history oldest-first and mark it read when you are a participant.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		cfg := requireAuth()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		e, err := loadEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.SelectConversation(ctx, id); err != nil {
			return describeErr(err)
		}
		for i := 1; i < messagesPages && e.HasMore(); i++ {
			if err := e.LoadMore(ctx); err != nil {
				return err
			}
		}

		msgs := e.Messages()
		if jsonOutput {
			return printJSON(msgs)
		}
		if e.HasMore() {
			fmt.Println("(older messages available, use --pages)")
		}
		for _, m := range msgs {
			printMessage(cfg.Auth.UserID, m)
		}
		return nil
	},
}

func printMessage(self string, m chatsync.Message) {
	who := m.SenderID
	if m.Sender != nil && m.Sender.Username != "" {
		who = m.Sender.Username
	}
	if m.SenderID == self {
		who = "me"
	}
	mark := " "
	if m.IsRead {
		mark = "✓"
	}
	body := m.Content
	if m.Type != chatsync.MessageText {
		body = fmt.Sprintf("[%s] %s", m.Type, m.Content)
	}
	fmt.Printf("%s %s %-12s %s\n", formatTime(m.CreatedAt), mark, who, body)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ============================================================================
// send / open
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a text message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		cfg := requireAuth()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		e, err := startEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.SelectConversation(ctx, id); err != nil {
			return describeErr(err)
		}
		msg, err := e.Send(ctx, args[1], chatsync.MessageText)
		if err != nil {
			return describeErr(err)
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Message %d sent to conversation %d\n", msg.ID, id)
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <peer-id>",
	Short: "Find or create the conversation with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		e, err := loadEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		conv, err := e.OpenConversation(ctx, args[0])
		if err != nil {
			return describeErr(err)
		}
		if jsonOutput {
			return printJSON(conv)
		}
		fmt.Printf("Conversation %d with %s\n", conv.ID, conv.PeerOf(cfg.Auth.UserID))
		for _, m := range e.Messages() {
			printMessage(cfg.Auth.UserID, m)
		}
		return nil
	},
}

// ============================================================================
// merchants
// ============================================================================

var merchantsCmd = &cobra.Command{
	Use:   "merchants",
	Short: "List merchants you can open a conversation with",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		e := newEngine(cfg, nil)
		defer e.Close()

		users, err := e.Merchants(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(users)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tABOUT")
		for _, u := range users {
			fmt.Fprintf(w, "%s\t%s\t%s\n", u.ID, u.Username, truncate(u.Description, 50))
		}
		return w.Flush()
	},
}
