package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/novabridge/pkg/novabridge/history"
)

// newHistoryCmd creates `novabridge history` for inspecting and feeding the
// conversation store.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and maintain the conversation history",
		Long: `Inspect and maintain the conversation history shared by the bridge and
the assistant's own sessions.

Examples:
  novabridge history tail -n 20
  novabridge history rotate
  novabridge history context
  novabridge history append < hook-event.json`,
	}

	cmd.AddCommand(
		newHistoryTailCmd(),
		newHistoryRotateCmd(),
		newHistoryContextCmd(),
		newHistoryAppendCmd(),
	)
	return cmd
}

// openHistory opens the store named by the configuration.
func openHistory(cmd *cobra.Command) (*history.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return history.Open(cfg.History, quietLogger(cmd))
}

func newHistoryTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, _ := cmd.Flags().GetInt("lines")
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			msgs, err := store.RecentMessages(cmdContext(cmd), n)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				content := strings.ReplaceAll(m.Content, "\n", " ")
				if len([]rune(content)) > 120 {
					content = string([]rune(content)[:117]) + "..."
				}
				fmt.Fprintf(out, "%s [%s] %-9s %s\n",
					m.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					history.SourceLabel(m.Source), m.Role, content)
			}
			return nil
		},
	}
	cmd.Flags().IntP("lines", "n", 20, "number of messages")
	return cmd
}

func newHistoryRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Delete all but the newest max_messages messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Rotate(cmdContext(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d messages\n", n)
			return nil
		},
	}
}

func newHistoryContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "context",
		Short: "Print the context block prepended to prompts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			block, err := store.LoadContext(cmdContext(cmd))
			if err != nil {
				return err
			}
			if block == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "no history yet")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), block)
			return nil
		},
	}
}

func newHistoryAppendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Record a session hook event read from stdin",
		Long: `Record the message carried by an assistant session hook event. The
event JSON is read from stdin and the hook output JSON is written to stdout.
Failures are reported on stderr and never block the session.

Hook configuration example:
  "UserPromptSubmit": [{"hooks": [{"type": "command", "command": "novabridge history append"}]}]`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			event, _ := cmd.Flags().GetString("event")
			out := history.HookOutput{Continue: true}
			defer func() {
				_ = json.NewEncoder(cmd.OutOrStdout()).Encode(out)
			}()

			var ev history.HookEvent
			if err := json.NewDecoder(cmd.InOrStdin()).Decode(&ev); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "novabridge: invalid hook event: %v\n", err)
				return nil
			}
			if event != "" {
				ev.Event = event
			}

			store, err := openHistory(cmd)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "novabridge: %v\n", err)
				return nil
			}
			defer store.Close()

			res, err := store.HandleHook(cmdContext(cmd), ev)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "novabridge: %v\n", err)
				return nil
			}
			out = res
			return nil
		},
	}
	cmd.Flags().String("event", "", "override hook_event_name (UserPromptSubmit, Stop, SessionStart)")
	return cmd
}
