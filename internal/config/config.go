// Package config handles configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/eachlabs/quickchat/internal/transport"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "QUICKCHAT"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("tokenurl", func(fl validator.FieldLevel) bool {
		return transport.ValidateTokenURL(fl.Field().String()) == nil
	})
	return v
}

// Config represents the quickchat configuration.
type Config struct {
	Chat    ChatConfig    `toml:"chat" json:"chat"`
	Logging LoggingConfig `toml:"logging" json:"logging"`

	path string
	// file holds the values read from path before environment overrides,
	// loaded the values right after them. Save uses both to tell overrides
	// apart from edits.
	file, loaded *settings
}

type settings struct {
	chat    ChatConfig
	logging LoggingConfig
}

// ChatConfig holds the backend endpoints and the channel to join.
type ChatConfig struct {
	// TokenURL must contain one %s, replaced by the escaped identity.
	TokenURL     string `toml:"token_url" json:"token_url" split_words:"true" validate:"required,tokenurl"`
	WebsocketURL string `toml:"websocket_url" json:"websocket_url" split_words:"true" validate:"required,url,startswith=ws"`
	// Identity is remembered by "quickchat login".
	Identity            string        `toml:"identity" json:"identity" validate:"omitempty,max=256"`
	ChannelUniqueName   string        `toml:"channel_unique_name" json:"channel_unique_name" split_words:"true" validate:"required"`
	ChannelFriendlyName string        `toml:"channel_friendly_name" json:"channel_friendly_name" split_words:"true" validate:"required"`
	RequestTimeout      time.Duration `toml:"request_timeout" json:"request_timeout" split_words:"true" validate:"gt=0"`
	TokenRefreshMargin  time.Duration `toml:"token_refresh_margin" json:"token_refresh_margin" split_words:"true" validate:"gt=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" json:"format" validate:"oneof=text json"`
	File   string `toml:"file" json:"file"`
}

// Load reads the configuration from ConfigPath.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads configuration from path, a .env file in the working
// directory and QUICKCHAT_* environment variables, in increasing order of
// precedence. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	cfg.path = path

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.file = &settings{chat: cfg.Chat, logging: cfg.Logging}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	cfg.loaded = &settings{chat: cfg.Chat, logging: cfg.Logging}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Chat: ChatConfig{
			TokenURL:            "https://YOUR_DOMAIN_HERE/chat-token?identity=%s",
			WebsocketURL:        "wss://YOUR_DOMAIN_HERE/chat",
			ChannelUniqueName:   "general",
			ChannelFriendlyName: "General Chat Channel",
			RequestTimeout:      30 * time.Second,
			TokenRefreshMargin:  3 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks every field of c.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Path returns the file c was loaded from.
func (c *Config) Path() string {
	if c.path == "" {
		return ConfigPath()
	}
	return c.path
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	if p := os.Getenv("QUICKCHAT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(StateDir(), "config.toml")
}

// StateDir returns the quickchat state directory.
func StateDir() string {
	if p := os.Getenv("QUICKCHAT_STATE_DIR"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".quickchat")
}

// LogsDir returns the logs directory.
func LogsDir() string {
	return filepath.Join(StateDir(), "logs")
}

// applyEnv overrides chat settings from QUICKCHAT_<FIELD> and logging
// settings from QUICKCHAT_LOG_<FIELD>, e.g. QUICKCHAT_TOKEN_URL and
// QUICKCHAT_LOG_LEVEL. Unset variables leave the current value alone.
func (c *Config) applyEnv() error {
	if err := envconfig.Process(EnvPrefix, &c.Chat); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	if err := envconfig.Process(EnvPrefix+"_LOG", &c.Logging); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		if strings.HasPrefix(p, "$HOME/") {
			return filepath.Join(home, p[6:])
		}
		return p
	}

	c.Logging.File = expand(c.Logging.File)
}

// Save writes the config to the file it was loaded from. Values that came
// from the environment, a .env file or path expansion are written back as
// the file had them, unless they were changed after loading.
func (c *Config) Save() error {
	configPath := c.Path()
	out := c.persisted()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(out)
}

func (c *Config) persisted() *Config {
	out := &Config{Chat: c.Chat, Logging: c.Logging}
	if c.file == nil || c.loaded == nil {
		return out
	}
	file, loaded := c.file, c.loaded

	out.Chat.TokenURL = keepFileValue(c.Chat.TokenURL, loaded.chat.TokenURL, file.chat.TokenURL)
	out.Chat.WebsocketURL = keepFileValue(c.Chat.WebsocketURL, loaded.chat.WebsocketURL, file.chat.WebsocketURL)
	out.Chat.Identity = keepFileValue(c.Chat.Identity, loaded.chat.Identity, file.chat.Identity)
	out.Chat.ChannelUniqueName = keepFileValue(c.Chat.ChannelUniqueName, loaded.chat.ChannelUniqueName, file.chat.ChannelUniqueName)
	out.Chat.ChannelFriendlyName = keepFileValue(c.Chat.ChannelFriendlyName, loaded.chat.ChannelFriendlyName, file.chat.ChannelFriendlyName)
	out.Chat.RequestTimeout = keepFileValue(c.Chat.RequestTimeout, loaded.chat.RequestTimeout, file.chat.RequestTimeout)
	out.Chat.TokenRefreshMargin = keepFileValue(c.Chat.TokenRefreshMargin, loaded.chat.TokenRefreshMargin, file.chat.TokenRefreshMargin)

	out.Logging.Level = keepFileValue(c.Logging.Level, loaded.logging.Level, file.logging.Level)
	out.Logging.Format = keepFileValue(c.Logging.Format, loaded.logging.Format, file.logging.Format)
	out.Logging.File = keepFileValue(c.Logging.File, loaded.logging.File, file.logging.File)
	return out
}

// keepFileValue returns the file's value when cur is still the overridden
// value seen at load time.
func keepFileValue[T comparable](cur, loaded, file T) T {
	if cur == loaded && loaded != file {
		return file
	}
	return cur
}

// EnsureDirs creates necessary directories.
func EnsureDirs() error {
	for _, dir := range []string{StateDir(), LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
