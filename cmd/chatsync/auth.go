package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(meCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username> <password>",
	Short: "Sign in and store the token",
	Long:  "Exchange a username and password for a bearer token and store it in ~/.chatsync/config.toml.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, password := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		effective := *cfg
		applyEnv(&effective)

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		res, err := getClient(&effective).Auth.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg.Auth.Token = res.AccessToken
		cfg.Auth.UserID = res.User.ID
		cfg.Auth.Username = res.User.Username
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		logger.Debug().Str("user_id", res.User.ID).Msg("token stored")
		fmt.Println("Login successful!")
		fmt.Printf("  User ID:  %s\n", res.User.ID)
		fmt.Printf("  Username: %s\n", res.User.Username)
		fmt.Printf("  Role:     %s\n", res.User.Role)
		return nil
	},
}

var meCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the signed-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		me, err := getClient(cfg).Auth.Me(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(me)
		}

		fmt.Printf("User ID:  %s\n", me.ID)
		fmt.Printf("Username: %s\n", me.Username)
		fmt.Printf("Role:     %s\n", me.Role)
		if me.Description != "" {
			fmt.Printf("About:    %s\n", me.Description)
		}
		return nil
	},
}
