package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	loginOperatorID   string
	loginOperatorName string
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(unlockCmd)
	loginCmd.Flags().StringVar(&loginOperatorID, "operator-id", "", "operator user id")
	loginCmd.Flags().StringVar(&loginOperatorName, "operator-name", "", "operator display name")
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store the operator session token",
	Long:  "Store the operator session token in ~/.consolectl/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if loginOperatorID != "" {
			cfg.Auth.OperatorID = loginOperatorID
		}
		if loginOperatorName != "" {
			cfg.Auth.OperatorName = loginOperatorName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session saved to %s\n", path)
		return nil
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <password>",
	Short: "Verify the moderation password",
	Long:  "Check the moderation password against the server. Message bodies stay hidden until the password verifies.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.VerifyPassword(ctx, args[0]); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		fmt.Println("Password accepted.")
		return nil
	},
}
