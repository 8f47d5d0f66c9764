package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eachlabs/quickchat/internal/chat"
	"github.com/eachlabs/quickchat/internal/transport"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var sendIdentity string

var sendCmd = &cobra.Command{
	Use:   "send <text...>",
	Short: "Send one message to the default channel",
	Long: `Log in, send a message and wait until the channel delivers it back.

Examples:
  quickchat send hello everyone
  quickchat send --identity bob "hi alice"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession()
		if err != nil {
			return err
		}
		defer sess.close()
		m := sess.manager

		notify := make(chan struct{}, 1)
		m.SetObserver(chat.ObserverFunc(func() {
			select {
			case notify <- struct{}{}:
			default:
			}
		}))

		if err := sess.login(cmd.Context(), sendIdentity); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sess.cfg.Chat.RequestTimeout)
		defer cancel()

		sent, err := m.SendMessage(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if err := waitForEcho(ctx, m, sent, notify); err != nil {
			return err
		}

		if jsonOut {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sent)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to #%s\n", sent.SID, m.Channel().UniqueName)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendIdentity, "identity", "i", "", "identity to send as (default: remembered identity)")
}

// waitForEcho blocks until sent shows up in the message log.
func waitForEcho(ctx context.Context, m *chat.Manager, sent transport.Message, notify <-chan struct{}) error {
	delivered := func() bool {
		return lo.ContainsBy(m.Messages(), func(msg transport.Message) bool {
			return msg.SID == sent.SID
		})
	}

	for !delivered() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("message %s was not delivered back: %w", sent.SID, ctx.Err())
		case <-notify:
		}
	}
	return nil
}
