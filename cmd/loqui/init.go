package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initFlags.userID, "user", "", "your user id")
	initCmd.Flags().StringVar(&initFlags.server, "server", "", "backend base URL")
}

var initFlags struct {
	userID string
	server string
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store auth token in ~/.loqui/config.toml",
	Long:  "Initialize the Loqui CLI by storing your auth token and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initFlags.userID != "" {
			cfg.Default.UserID = initFlags.userID
		}
		if initFlags.server != "" {
			cfg.Default.BaseURL = initFlags.server
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = "http://localhost:3000"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
