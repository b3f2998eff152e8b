package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/merchantchat/chatsync"
)

var (
	qrAll         bool
	qrAddOrder    int
	qrUpdateOrder int
	qrContent     string
	qrActive      string
)

func init() {
	quickRepliesListCmd.Flags().BoolVar(&qrAll, "all", false, "Include inactive templates")
	quickRepliesAddCmd.Flags().IntVar(&qrAddOrder, "order", 0, "Display position")
	quickRepliesUpdateCmd.Flags().StringVar(&qrContent, "content", "", "New template text")
	quickRepliesUpdateCmd.Flags().IntVar(&qrUpdateOrder, "order", -1, "New display position")
	quickRepliesUpdateCmd.Flags().StringVar(&qrActive, "active", "", "Set active state (true|false)")

	quickRepliesCmd.AddCommand(quickRepliesListCmd)
	quickRepliesCmd.AddCommand(quickRepliesAddCmd)
	quickRepliesCmd.AddCommand(quickRepliesUpdateCmd)
	quickRepliesCmd.AddCommand(quickRepliesDeleteCmd)
	rootCmd.AddCommand(quickRepliesCmd)
}

var quickRepliesCmd = &cobra.Command{
	Use:     "quick-replies",
	Aliases: []string{"qr"},
	Short:   "Manage reply templates",
}

var quickRepliesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your reply templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		var (
			replies []chatsync.QuickReply
			err     error
		)
		if qrAll {
			replies, err = getClient(cfg).QuickReplies.List(ctx, cfg.Auth.UserID)
		} else {
			e := newEngine(cfg, nil)
			defer e.Close()
			replies, err = e.QuickReplies(ctx)
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(replies)
		}
		if len(replies) == 0 {
			fmt.Println("No quick replies.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tORDER\tACTIVE\tCONTENT")
		for _, q := range replies {
			fmt.Fprintf(w, "%d\t%d\t%v\t%s\n", q.ID, q.SortOrder, q.IsActive, truncate(q.Content, 60))
		}
		return w.Flush()
	},
}

var quickRepliesAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Add a reply template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		active := true
		q, err := getClient(cfg).QuickReplies.Create(ctx, &chatsync.QuickReplyInput{
			UserID:    cfg.Auth.UserID,
			Content:   args[0],
			SortOrder: &qrAddOrder,
			IsActive:  &active,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(q)
		}
		fmt.Printf("Quick reply %d created\n", q.ID)
		return nil
	},
}

var quickRepliesUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a reply template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		in := &chatsync.QuickReplyInput{Content: qrContent}
		if cmd.Flags().Changed("order") {
			in.SortOrder = &qrUpdateOrder
		}
		switch qrActive {
		case "":
		case "true", "false":
			v := qrActive == "true"
			in.IsActive = &v
		default:
			return fmt.Errorf("--active must be true or false")
		}
		if in.Content == "" && in.SortOrder == nil && in.IsActive == nil {
			return fmt.Errorf("nothing to update; pass --content, --order or --active")
		}

		cfg := requireAuth()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		q, err := getClient(cfg).QuickReplies.Update(ctx, id, in)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(q)
		}
		fmt.Printf("Quick reply %d updated\n", q.ID)
		return nil
	},
}

var quickRepliesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a reply template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		cfg := requireAuth()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := getClient(cfg).QuickReplies.Delete(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Quick reply %d deleted\n", id)
		return nil
	},
}
