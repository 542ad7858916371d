package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kleeedolinux/textsocket/debug"
	"github.com/kleeedolinux/textsocket/socket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func listenCmd(a *app) *cobra.Command {
	var events []string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Open a session and print inbound events",
		Long: `Open a session and print every inbound event as one JSON line on stdout.

The session stays open until interrupted. Lost connections are reopened
with backoff; the command exits with an error once reconnect attempts
are exhausted.

Examples:
  textsocket listen --from +15550001 --to +15550002
  textsocket listen --event new_message --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runListen(ctx, events, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringSliceVarP(&events, "event", "e",
		[]string{string(socket.EventNewMessage), string(socket.EventFetchedMessages)},
		"Events to print")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	_ = a.v.BindPFlag("metrics.addr", cmd.Flags().Lookup("metrics-addr"))

	return cmd
}

func (a *app) runListen(ctx context.Context, events []string, out io.Writer) error {
	id, err := a.identity()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := socket.NewMetrics(socket.WithMetricsRegistry(reg))

	logger := debug.Logger()
	failed := make(chan error, 1)
	c := a.newClient(
		socket.WithMetrics(metrics),
		socket.WithStatusHandler(func(st socket.Status) {
			logger.Info("session status", "state", st.State, "attempt", st.Attempt, "queued", st.Queued, "err", st.Err)
			if st.Permanent {
				select {
				case failed <- st.Err:
				default:
				}
			}
		}),
	)

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	printFrame := func(f socket.Frame) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(json.RawMessage(f.Raw)); err != nil {
			logger.Warn("write frame", "event", f.Event, "err", err)
		}
	}
	for _, e := range events {
		c.On(socket.Event(e), printFrame)
	}

	eg, ctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		eg.Go(func() error {
			logger.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	eg.Go(func() error {
		defer c.Disconnect()
		if err := c.Connect(ctx, id); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.Info("listening", "session", id.String(), "client_id", c.ID())

		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return err
		}
	})

	return eg.Wait()
}
