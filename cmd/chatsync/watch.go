package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/merchantchat/chatsync"
)

var (
	watchMetricsAddr  string
	watchConversation string
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	watchCmd.Flags().StringVar(&watchConversation, "conversation", "", "Select this conversation id and stream its messages")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print live events",
	Long:  "Start the sync engine, keep the push channel open and print presence, message, conversation and connection events until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var reg prometheus.Registerer
		if watchMetricsAddr != "" {
			r := prometheus.NewRegistry()
			r.MustRegister(collectors.NewGoCollector())
			srv := serveMetrics(watchMetricsAddr, r)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			reg = r
		}

		e := newEngine(cfg, reg)
		defer e.Close()

		self := cfg.Auth.UserID
		var mu sync.Mutex
		seen := 0
		e.On(chatsync.EventConnection, func(_ string, payload any) {
			logger.Info().Str("state", string(payload.(chatsync.ConnState))).Msg("connection")
		})
		e.On(chatsync.EventPresence, func(_ string, payload any) {
			set := payload.(*chatsync.PresenceSet)
			logger.Info().Strs("online", set.IDs()).Msg("presence")
		})
		e.On(chatsync.EventConversations, func(_ string, payload any) {
			convs := payload.([]chatsync.Conversation)
			logger.Debug().Int("count", len(convs)).Int("unread", e.UnreadTotal()).Msg("conversations")
		})
		e.On(chatsync.EventMessages, func(_ string, payload any) {
			msgs := payload.([]chatsync.Message)
			mu.Lock()
			defer mu.Unlock()
			if len(msgs) < seen {
				seen = 0
			}
			for _, m := range msgs[seen:] {
				printMessage(self, m)
			}
			seen = len(msgs)
		})
		e.On(chatsync.EventIdentity, func(_ string, payload any) {
			if u, _ := payload.(*chatsync.User); u != nil {
				logger.Info().Str("user", u.Username).Str("role", string(u.Role)).Msg("signed in")
			}
		})

		startCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		err := e.Start(startCtx)
		cancel()
		if err != nil {
			return describeErr(err)
		}
		fmt.Fprintf(os.Stderr, "Watching as %s, %d unread. Press Ctrl-C to stop.\n", self, e.UnreadTotal())

		if watchConversation != "" {
			id, err := parseID(watchConversation)
			if err != nil {
				return err
			}
			if err := e.SelectConversation(ctx, id); err != nil {
				return describeErr(err)
			}
		}

		<-ctx.Done()
		logger.Info().Msg("shutting down")
		return nil
	},
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}
