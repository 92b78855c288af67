package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opd-ai/courier"
	"github.com/opd-ai/courier/messaging"
	"github.com/spf13/cobra"
)

var (
	sendConversation string
	sendSender       string
	sendPriority     string
	sendReplyTo      string
	sendMentions     []string
	sendWait         time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send [flags] <content>",
	Short: "Send one message and wait for the outcome",
	Long: `Send one message. The command waits until the server acknowledges the
message, the message is rejected, or --wait elapses. A message that could not
be delivered in time stays in the outbox and is resubmitted by the next run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendConversation, "conversation", "c", "", "conversation id (required)")
	sendCmd.Flags().StringVarP(&sendSender, "sender", "s", "", "sender id (required)")
	sendCmd.Flags().StringVarP(&sendPriority, "priority", "p", "normal", "low, normal, high or critical")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "server id of the message replied to")
	sendCmd.Flags().StringSliceVar(&sendMentions, "mention", nil, "mentioned user ids")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 30*time.Second, "how long to wait for the outcome")
	_ = sendCmd.MarkFlagRequired("conversation")
	_ = sendCmd.MarkFlagRequired("sender")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	priority, ok := messaging.ParsePriority(sendPriority)
	if !ok {
		return fmt.Errorf("unknown priority %q", sendPriority)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.courier.Close()
	if err := a.courier.Start(ctx); err != nil {
		return err
	}

	done := make(chan *messaging.Message, 1)
	var clientID string
	cancel := a.courier.Subscribe(func(ev messaging.Event) {
		if ev.Message.ClientID != clientID || ev.Type != messaging.EventUpdated {
			return
		}
		if ev.To == messaging.MessageStateSent || ev.To == messaging.MessageStateRejected {
			select {
			case done <- ev.Message:
			default:
			}
		}
	})
	defer cancel()

	clientID, err = a.courier.CreateMessage(strings.Join(args, " "), sendConversation, sendSender,
		courier.WithPriority(priority),
		courier.WithReplyTo(sendReplyTo),
		courier.WithMentions(sendMentions...))
	if err != nil {
		return err
	}
	if err := a.courier.Send(ctx, clientID); err != nil {
		return err
	}

	waitCtx, stop := context.WithTimeout(ctx, sendWait)
	defer stop()
	out := cmd.OutOrStdout()
	select {
	case msg := <-done:
		if msg.State == messaging.MessageStateRejected {
			reason := ""
			if msg.LastError != nil {
				reason = msg.LastError.Message
			}
			return fmt.Errorf("message %s rejected: %s", msg.ClientID, reason)
		}
		fmt.Fprintf(out, "sent %s server_id=%s\n", msg.ClientID, msg.ServerID)
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := a.courier.GetMessage(clientID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "pending %s state=%s retries=%d\n", msg.ClientID, msg.State, msg.RetryCount)
		return nil
	}
}
