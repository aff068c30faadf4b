package main

import (
	"fmt"
	"os"

	loqui "github.com/loqui-im/loqui-go"
	"go.uber.org/zap"
)

// getClient creates an authenticated backend client from the saved config.
func getClient() (*loqui.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'loqui init <token>' first.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'loqui config set default.base_url <url>'.")
		os.Exit(1)
	}
	return loqui.NewClient(cfg.Default.BaseURL, cfg.Auth.Token), cfg
}

// getEngine wires a sync engine on top of the backend client.
func getEngine(verbose bool) (*loqui.Engine, *Config) {
	client, cfg := getClient()
	if cfg.Default.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'loqui init <token> --user <id>'.")
		os.Exit(1)
	}

	log := zap.NewNop()
	if verbose {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
			os.Exit(1)
		}
	}

	engine := loqui.NewEngine(loqui.EngineConfig{
		SelfID:  cfg.Default.UserID,
		Key:     cfg.Default.ChatKey,
		Backend: client,
		Logger:  log,
	})
	return engine, cfg
}

// conversationKind maps the --group flag to a conversation kind.
func conversationKind(group bool) loqui.ConversationKind {
	if group {
		return loqui.KindGroup
	}
	return loqui.KindPersonal
}
