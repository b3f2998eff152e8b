package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/merchantchat/chatsync"
)

const requestTimeout = 15 * time.Second

// getClient creates a REST client from the config, authenticated when a
// token is stored.
func getClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if d, err := time.ParseDuration(cfg.Default.Timeout); err == nil && d > 0 {
		opts = append(opts, chatsync.WithTimeout(d))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// requireAuth loads the config and exits when no identity is stored.
func requireAuth() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'chatsync login <username> <password>' first.")
		os.Exit(1)
	}
	return cfg
}

// newEngine builds a SyncEngine for the stored identity. reg may be nil.
func newEngine(cfg *Config, reg prometheus.Registerer) *chatsync.Engine {
	engineCfg := chatsync.Config{
		WSBaseURL: cfg.Default.WSBaseURL,
		PageSize:  cfg.Default.PageSize,
	}
	if engineCfg.WSBaseURL == "" && cfg.Default.BaseURL != "" {
		engineCfg.WSBaseURL = wsBaseFromREST(cfg.Default.BaseURL)
	}
	if d, err := time.ParseDuration(cfg.Default.ReconnectDelay); err == nil {
		engineCfg.ReconnectDelay = d
	}

	opts := []chatsync.EngineOption{
		chatsync.WithConfig(engineCfg),
		chatsync.WithLogger(logger),
	}
	if reg != nil {
		opts = append(opts, chatsync.WithMetrics(chatsync.NewMetrics(reg)))
	}
	session := chatsync.NewSession(cfg.Auth.UserID, cfg.Auth.Token)
	return chatsync.NewEngine(session, getClient(cfg).Backend(), opts...)
}

// wsBaseFromREST drops a trailing /api so the push channel lands on the
// server root.
func wsBaseFromREST(base string) string {
	return strings.TrimSuffix(strings.TrimRight(base, "/"), "/api")
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).Format("2006-01-02 15:04")
}

// describeErr turns well-known engine errors into user-facing hints.
func describeErr(err error) error {
	switch {
	case errors.Is(err, chatsync.ErrAccessDenied):
		return fmt.Errorf("%w (sign in again with 'chatsync login')", err)
	case errors.Is(err, chatsync.ErrReadOnly):
		return fmt.Errorf("%w (admin accounts can only browse)", err)
	}
	return err
}
