package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var uploadConversation string

func init() {
	uploadCmd.Flags().StringVar(&uploadConversation, "send", "", "Send the uploaded file to this conversation id")
	rootCmd.AddCommand(uploadCmd)
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload an image or file",
	Long:  "Upload a file and print its URL. With --send, post it to a conversation as an image or file message.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}
		name := filepath.Base(path)
		cfg := requireAuth()

		ctx, cancel := context.WithTimeout(context.Background(), 2*requestTimeout)
		defer cancel()

		if uploadConversation == "" {
			res, err := getClient(cfg).Backend().Upload(ctx, name, data)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			if jsonOutput {
				return printJSON(res)
			}
			fmt.Printf("Uploaded %s (%s)\n", res.Filename, res.FileType)
			fmt.Printf("  URL: %s\n", res.URL)
			return nil
		}

		id, err := parseID(uploadConversation)
		if err != nil {
			return err
		}
		e, err := startEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.SelectConversation(ctx, id); err != nil {
			return describeErr(err)
		}
		msg, err := e.SendFile(ctx, name, data)
		if err != nil {
			return describeErr(err)
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s as %s message %d\n", name, msg.Type, msg.ID)
		return nil
	},
}
