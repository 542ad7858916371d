package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/kleeedolinux/textsocket/debug"
	"github.com/kleeedolinux/textsocket/internal/config"
	"github.com/kleeedolinux/textsocket/socket"
	"github.com/kleeedolinux/textsocket/socket/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// app carries the configuration shared by every command.
type app struct {
	v   *viper.Viper
	cfg config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	rootCmd := &cobra.Command{
		Use:   "textsocket",
		Short: "Talk to the messaging gateway from the terminal",
		Long: `textsocket opens a session on the messaging WebSocket gateway.

A session is identified by a sender and a recipient number. While it is
open the gateway pushes new_message and fetchedMessages events; dropped
connections are reopened with backoff.

Configuration is read from ~/.config/textsocket/config.toml (or the file
named by TEXTSOCKET_CONFIG) and TEXTSOCKET_* environment variables. Flags
override both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("gateway", "", "Gateway WebSocket URL")
	flags.String("from", "", "Sender number")
	flags.String("to", "", "Recipient number")
	flags.Bool("debug", false, "Enable debug logging")
	for key, name := range map[string]string{
		"gateway.url":  "gateway",
		"session.from": "from",
		"session.to":   "to",
		"debug":        "debug",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		listenCmd(a),
		sendCmd(a),
		resetUnreadCmd(a),
		versionCmd(),
	)

	return rootCmd
}

func (a *app) load() error {
	cfg, err := config.Read(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if cfg.Debug {
		debug.Enable()
	}
	return nil
}

func (a *app) identity() (socket.Identity, error) {
	id := socket.Identity{From: a.cfg.Session.From, To: a.cfg.Session.To}
	if id.From == "" || id.To == "" {
		return id, errors.New("--from and --to are required (or session.from and session.to in the config)")
	}
	return id, nil
}

func (a *app) newClient(extra ...socket.ClientOption) *socket.Client {
	c := a.cfg
	opts := []socket.ClientOption{
		socket.WithLogger(debug.Logger()),
		socket.WithDialTimeout(c.Gateway.DialTimeout),
		socket.WithWebSocketOptions(
			transport.WithWriteTimeout(c.Gateway.WriteTimeout),
			transport.WithReadTimeout(c.Gateway.ReadTimeout),
		),
		socket.WithReconnectPolicy(socket.ReconnectPolicy{
			Delay:       c.Reconnect.Delay,
			MaxDelay:    c.Reconnect.MaxDelay,
			Multiplier:  2,
			Jitter:      c.Reconnect.Jitter,
			MaxAttempts: c.Reconnect.Attempts,
		}),
	}
	return socket.NewClient(c.Gateway.URL, append(opts, extra...)...)
}
