package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/eachlabs/quickchat/internal/chat"
	"github.com/eachlabs/quickchat/internal/config"
	"github.com/eachlabs/quickchat/internal/logging"
	"github.com/eachlabs/quickchat/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "quickchat",
	Short: "quickchat - quickstart chat client",
	Long: `quickchat logs an identity into a realtime chat backend and chats in its
default channel.

  quickchat login <identity>   Check login and remember the identity
  quickchat chat               Interactive terminal chat
  quickchat send <text>        Send a single message
  quickchat config             Manage configuration`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.quickchat/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func Execute(ver string) error {
	version = ver
	return rootCmd.Execute()
}

var version string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "quickchat %s\n", version)
	},
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger logs to the configured file, or to the logs directory so that
// log lines never interleave with chat output.
func newLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	lc := cfg.Logging
	if verbose {
		lc.Level = "debug"
	}
	if lc.File == "" {
		if err := config.EnsureDirs(); err != nil {
			return nil, nil, fmt.Errorf("failed to create directories: %w", err)
		}
		lc.File = filepath.Join(config.LogsDir(), "quickchat.log")
	}
	return logging.New(lc)
}

// session bundles a manager with the resources it was built from.
type session struct {
	cfg      *config.Config
	manager  *chat.Manager
	logger   *slog.Logger
	closeLog func() error
}

func newSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	tokens, err := transport.NewHTTPTokenFetcher(cfg.Chat.TokenURL, cfg.Chat.RequestTimeout, logger)
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	ws := transport.NewWebSocket(cfg.Chat.WebsocketURL,
		transport.WithLogger(logger),
		transport.WithDialer(&websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Chat.RequestTimeout,
		}))

	m, err := chat.NewManager(chat.Config{
		Tokens:              tokens,
		Transport:           ws,
		ChannelUniqueName:   cfg.Chat.ChannelUniqueName,
		ChannelFriendlyName: cfg.Chat.ChannelFriendlyName,
		RefreshMargin:       cfg.Chat.TokenRefreshMargin,
		RequestTimeout:      cfg.Chat.RequestTimeout,
		Logger:              logger,
	})
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	return &session{cfg: cfg, manager: m, logger: logger, closeLog: closeLog}, nil
}

// login logs in with identity, falling back to the remembered identity.
func (s *session) login(ctx context.Context, identity string) error {
	if identity == "" {
		identity = s.cfg.Chat.Identity
	}
	if identity == "" {
		return fmt.Errorf("no identity: pass --identity or run \"quickchat login <identity>\" first")
	}

	ctx, cancel := context.WithTimeout(ctx, 2*s.cfg.Chat.RequestTimeout)
	defer cancel()
	return s.manager.Login(ctx, identity)
}

func (s *session) close() {
	_ = s.manager.Close()
	_ = s.closeLog()
}
