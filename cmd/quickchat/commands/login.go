package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login <identity>",
	Short: "Log in and remember the identity",
	Long: `Fetch a token for identity, connect and join the default channel, then
store the identity in the config file for later commands.

Examples:
  quickchat login alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession()
		if err != nil {
			return err
		}
		defer sess.close()

		if err := sess.login(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		ch := sess.manager.Channel()
		sess.cfg.Chat.Identity = sess.manager.Identity()
		if err := sess.cfg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if jsonOut {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"identity": sess.manager.Identity(),
				"channel":  ch,
			})
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s in #%s (%s)\n", sess.manager.Identity(), ch.UniqueName, ch.FriendlyName)
		return nil
	},
}
