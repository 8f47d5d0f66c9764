package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/eachlabs/quickchat/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage quickchat configuration.

Subcommands:
  get [key]              Show configuration value(s)
  set <key> <value>      Set a configuration value
  path                   Show config file path`,
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Show configuration",
	Long: `Show configuration values.

Examples:
  quickchat config get                  # Show all config
  quickchat config get chat.token_url
  quickchat config get logging`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 0 {
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			}
			return toml.NewEncoder(out).Encode(cfg)
		}

		value, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return json.NewEncoder(out).Encode(value)
		}
		fmt.Fprintf(out, "%v\n", value)
		return nil
	},
}

func getConfigValue(cfg *config.Config, key string) (any, error) {
	parts := strings.Split(key, ".")

	switch parts[0] {
	case "chat":
		if len(parts) == 1 {
			return cfg.Chat, nil
		}
		switch parts[1] {
		case "token_url":
			return cfg.Chat.TokenURL, nil
		case "websocket_url":
			return cfg.Chat.WebsocketURL, nil
		case "identity":
			return cfg.Chat.Identity, nil
		case "channel_unique_name":
			return cfg.Chat.ChannelUniqueName, nil
		case "channel_friendly_name":
			return cfg.Chat.ChannelFriendlyName, nil
		case "request_timeout":
			return cfg.Chat.RequestTimeout.String(), nil
		case "token_refresh_margin":
			return cfg.Chat.TokenRefreshMargin.String(), nil
		}

	case "logging":
		if len(parts) == 1 {
			return cfg.Logging, nil
		}
		switch parts[1] {
		case "level":
			return cfg.Logging.Level, nil
		case "format":
			return cfg.Logging.Format, nil
		case "file":
			return cfg.Logging.File, nil
		}
	}

	return nil, fmt.Errorf("key not found: %s", key)
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

Examples:
  quickchat config set chat.token_url "https://example.twil.io/chat-token?identity=%s"
  quickchat config set chat.websocket_url wss://chat.example.com/chat
  quickchat config set logging.level debug`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := cfg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

func setConfigValue(cfg *config.Config, key, value string) error {
	parts := strings.Split(key, ".")
	if len(parts) != 2 {
		return fmt.Errorf("invalid key: %s (use <section>.<field>)", key)
	}

	duration := func(dst *time.Duration) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	switch parts[0] {
	case "chat":
		switch parts[1] {
		case "token_url":
			cfg.Chat.TokenURL = value
		case "websocket_url":
			cfg.Chat.WebsocketURL = value
		case "identity":
			cfg.Chat.Identity = value
		case "channel_unique_name":
			cfg.Chat.ChannelUniqueName = value
		case "channel_friendly_name":
			cfg.Chat.ChannelFriendlyName = value
		case "request_timeout":
			return duration(&cfg.Chat.RequestTimeout)
		case "token_refresh_margin":
			return duration(&cfg.Chat.TokenRefreshMargin)
		default:
			return fmt.Errorf("unknown field: %s", parts[1])
		}

	case "logging":
		switch parts[1] {
		case "level":
			cfg.Logging.Level = value
		case "format":
			cfg.Logging.Format = value
		case "file":
			cfg.Logging.File = value
		default:
			return fmt.Errorf("unknown field: %s", parts[1])
		}

	default:
		return fmt.Errorf("unknown section: %s", parts[0])
	}

	return nil
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file path",
	Run: func(cmd *cobra.Command, args []string) {
		path := cfgFile
		if path == "" {
			path = config.ConfigPath()
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	},
}
