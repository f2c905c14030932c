package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/convsync/internal/api"
)

func init() {
	sendCmd.Flags().StringSliceVar(&toFlag, "to", nil, "participants of a new conversation (instead of a conversation id)")
	sendCmd.Flags().StringVar(&nameFlag, "name", "", "display name of a new conversation")

	rootCmd.AddCommand(statusCmd, outboxCmd, timelineCmd, sendCmd, retryCmd, deleteCmd, readCmd, watchCmd, closeCmd)
}

var (
	toFlag   []string
	nameFlag string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.disconnect()

		ctx, cancel := callContext(cmd)
		defer cancel()
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(st)
			return nil
		}
		fmt.Printf("Profile: %s\n", st.Profile)
		fmt.Printf("Backend: %s\n", st.Backend)
		fmt.Printf("User:    %s\n", valueOr(st.UserID, "(signed out)"))
		fmt.Printf("Online:  %v\n", st.Online)
		fmt.Printf("Outbox:  %d queued\n", st.OutboxLen)
		for _, v := range st.Views {
			kind := "conversation"
			if v.Draft {
				kind = "draft"
			}
			fmt.Printf("  %-40s %s (%s)\n", v.Key, v.ConversationID, kind)
		}
		return nil
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List messages waiting for connectivity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.disconnect()

		ctx, cancel := callContext(cmd)
		defer cancel()
		report, err := c.Outbox(ctx)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(report)
			return nil
		}
		if len(report.Entries) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		for _, e := range report.Entries {
			target := e.ConversationID
			if e.NeedsConversation() {
				target = "new: " + strings.Join(e.Participants, ",")
			}
			fmt.Printf("%s  %-24s retries %d/%d  %q\n", e.MessageID, target, e.RetryCount, report.MaxRetries, e.Text)
		}
		return nil
	},
}

var timelineCmd = &cobra.Command{
	Use:   "timeline <conversation-id>",
	Short: "Print the timeline of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withView(cmd, args[0], func(ctx context.Context, c *daemonClient, key string) error {
			tl, err := c.Timeline(ctx, key)
			if err != nil {
				return err
			}
			printTimeline(tl)
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [conversation-id] <text>",
	Short: "Send a message to a conversation, or start one with --to",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.disconnect()

		var conversationID, text string
		switch {
		case len(toFlag) > 0 && len(args) == 1:
			text = args[0]
		case len(toFlag) == 0 && len(args) == 2:
			conversationID, text = args[0], args[1]
		default:
			return errors.New("give either a conversation id or --to, followed by the text")
		}

		ctx, cancel := callContext(cmd)
		defer cancel()
		view, err := c.Open(ctx, conversationID, toFlag, nameFlag)
		if err != nil {
			return err
		}
		if err := c.Send(ctx, view.Key, text); err != nil {
			var rej *api.RejectedError
			if errors.As(err, &rej) {
				return fmt.Errorf("message %s failed (%s): %s", rej.MessageID, rej.Class, rej.Message)
			}
			return err
		}
		tl, err := c.Timeline(ctx, view.Key)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(tl)
			return nil
		}
		fmt.Printf("sent to %s\n", tl.ConversationID)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <conversation-id> <message-id>",
	Short: "Resend a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withView(cmd, args[0], func(ctx context.Context, c *daemonClient, key string) error {
			return c.Retry(ctx, key, args[1])
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Discard a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withView(cmd, args[0], func(ctx context.Context, c *daemonClient, key string) error {
			return c.Delete(ctx, key, args[1])
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id> <message-id>...",
	Short: "Mark messages as seen",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withView(cmd, args[0], func(ctx context.Context, c *daemonClient, key string) error {
			for _, id := range args[1:] {
				queued, err := c.MarkVisible(ctx, key, id)
				if err != nil {
					return err
				}
				if !jsonFlag {
					fmt.Printf("%s queued=%v\n", id, queued)
				}
			}
			return nil
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <key>",
	Short: "Close a conversation view held by the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.disconnect()

		ctx, cancel := callContext(cmd)
		defer cancel()
		closed, err := c.Close(ctx, args[0])
		if err != nil {
			return err
		}
		if !closed {
			return fmt.Errorf("no open view %q", args[0])
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream timeline updates until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.disconnect()

		openCtx, cancel := callContext(cmd)
		view, err := c.Open(openCtx, args[0], nil, "")
		cancel()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return c.Watch(ctx, view.Key, func(u api.Update) error {
			if jsonFlag {
				outputJSON(u)
				return nil
			}
			if u.Failure != nil {
				fmt.Printf("! %s failed: %s\n", u.Failure.MessageID, u.Failure.Error)
				return nil
			}
			fmt.Printf("--- revision %d\n", u.Timeline.Revision)
			printTimeline(u.Timeline)
			return nil
		})
	},
}

// withView opens conversationID in the daemon and runs fn against it.
func withView(cmd *cobra.Command, conversationID string, fn func(context.Context, *daemonClient, string) error) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.disconnect()

	ctx, cancel := callContext(cmd)
	defer cancel()
	view, err := c.Open(ctx, conversationID, nil, "")
	if err != nil {
		return err
	}
	return fn(ctx, c, view.Key)
}

func printTimeline(tl *api.Timeline) {
	if jsonFlag {
		outputJSON(tl)
		return
	}
	conn := "online"
	if !tl.Online {
		conn = "offline"
	}
	fmt.Printf("%s (%s)\n", tl.ConversationID, conn)
	for _, e := range tl.Entries {
		fmt.Printf("%s  %-10s %-8s %s: %s\n", e.CreatedAt.Local().Format(time.Kitchen), e.Display, e.ID[:min(8, len(e.ID))], e.SenderID, e.Text)
	}
	if len(tl.Typing) > 0 {
		fmt.Printf("%s typing...\n", strings.Join(tl.Typing, ", "))
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
