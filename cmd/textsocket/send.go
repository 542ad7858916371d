package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kleeedolinux/textsocket/socket"
	"github.com/spf13/cobra"
)

func sendCmd(a *app) *cobra.Command {
	var (
		sms    bool
		twilio bool
	)

	cmd := &cobra.Command{
		Use:   "send <body>...",
		Short: "Send one message and exit",
		Long: `Open a session, send one message to the recipient and close.

By default the message is sent with the sendMessage action. --sms uses
send_sms instead; --twilio asks the gateway to deliver through Twilio.

Examples:
  textsocket send --from +15550001 --to +15550002 hello there
  textsocket send --sms --from +15550001 --to +15550002 "on my way"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := strings.Join(args, " ")
			if sms {
				return a.oneShot(cmd.Context(), func(c *socket.Client, id socket.Identity) error {
					return c.SendSMS(id.From, id.To, body)
				})
			}
			return a.oneShot(cmd.Context(), func(c *socket.Client, id socket.Identity) error {
				return c.SendMessage(id.From, id.To, body, twilio)
			})
		},
	}

	cmd.Flags().BoolVar(&sms, "sms", false, "Send with the send_sms action")
	cmd.Flags().BoolVar(&twilio, "twilio", false, "Deliver through Twilio")
	cmd.MarkFlagsMutuallyExclusive("sms", "twilio")

	return cmd
}

func resetUnreadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-unread",
		Short: "Mark the conversation as read",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.oneShot(cmd.Context(), func(c *socket.Client, id socket.Identity) error {
				return c.ResetConversationUnread(id.From, id.To)
			})
		},
	}
}

// oneShot connects, runs fn while the transport is open and disconnects.
// Sends on an open transport are written before they return, so nothing is
// left queued when Disconnect runs.
func (a *app) oneShot(ctx context.Context, fn func(*socket.Client, socket.Identity) error) error {
	id, err := a.identity()
	if err != nil {
		return err
	}

	c := a.newClient()
	defer c.Disconnect()

	if err := c.Connect(ctx, id); err != nil {
		return err
	}
	if err := fn(c, id); err != nil {
		return err
	}
	if n := c.Queued(); n > 0 {
		return errors.New("connection lost before the frame was written")
	}
	success("sent to %s", id.To)
	return nil
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}
