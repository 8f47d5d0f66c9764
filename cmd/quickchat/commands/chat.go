package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/eachlabs/quickchat/internal/chat"
	"github.com/eachlabs/quickchat/internal/console"
	"github.com/eachlabs/quickchat/internal/transport"
	"github.com/spf13/cobra"
)

var chatIdentity string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start interactive chat",
	Long: `Log in and chat in the default channel.

Examples:
  quickchat chat
  quickchat chat --identity alice`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatIdentity, "identity", "i", "", "identity to log in as (default: remembered identity)")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := newSession()
	if err != nil {
		return err
	}
	defer sess.close()
	m := sess.manager

	con := console.New(cmd.InOrStdin(), cmd.OutOrStdout())
	defer con.Stop()

	con.StartSpinner("Connecting...")
	err = sess.login(ctx, chatIdentity)
	con.StopSpinner()
	if err != nil {
		con.PrintError(err)
		return fmt.Errorf("login failed: %w", err)
	}

	ch := m.Channel()
	con.SetSession(m.Identity(), ch.UniqueName)
	con.SetHistory(m.Messages)
	con.PrintHeader()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Notifications carry no payload, so a pending one covers any number of
	// arrivals.
	notify := make(chan struct{}, 1)
	m.SetObserver(chat.ObserverFunc(func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	}))
	go render(ctx, m, con, notify)

	con.Start(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-con.Done():
			return nil
		case line := <-con.Lines():
			m.SendMessageAsync(ctx, line, func(r chat.Result, _ *transport.Message) {
				if !r.Success() {
					con.PrintError(r.Err)
				}
			})
		}
	}
}

// render prints messages appended since the last notification.
func render(ctx context.Context, m *chat.Manager, con *console.Console, notify <-chan struct{}) {
	printed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
			for _, msg := range m.MessagesSince(printed) {
				con.PrintMessage(msg)
				printed++
			}
		}
	}
}
