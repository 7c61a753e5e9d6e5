package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/autoheal/internal/api"
	"github.com/NikhilSetiya/autoheal/internal/store"
	"github.com/NikhilSetiya/autoheal/pkg/config"
)

const defaultServer = "http://localhost:8080"

type rootOptions struct {
	server  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:          "healctl",
		Short:        "Inspect and operate a healing daemon",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	server := os.Getenv("AUTOHEAL_SERVER")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "Healing daemon base URL (env AUTOHEAL_SERVER)")
	rootCmd.PersistentFlags().DurationVarP(&opts.timeout, "timeout", "t", 10*time.Second, "Request timeout")

	rootCmd.AddCommand(
		newHealthCmd(opts),
		newStatsCmd(opts),
		newHistoryCmd(opts),
		newJournalCmd(opts),
		newArchiveCmd(opts),
		newBreakersCmd(opts),
		newResetBreakerCmd(opts),
		newRegisterCmd(opts),
		newResetComponentCmd(opts),
		newAlertsCmd(opts),
		newResolveAlertCmd(opts),
		newMigrateCmd(),
		newPruneCmd(),
	)
	return rootCmd
}

func (o *rootOptions) client() *client {
	return newClient(o.server, o.timeout)
}

// printJSON writes data indented to the command's output
func printJSON(cmd *cobra.Command, data []byte) error {
	if len(data) == 0 {
		data = []byte("null")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := cmd.OutOrStdout().Write(buf.Bytes())
	return err
}

// get runs a GET and prints the result
func (o *rootOptions) get(cmd *cobra.Command, path string, query url.Values) error {
	data, err := o.client().call(cmd.Context(), http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd, data)
}

// post runs a POST and prints the result
func (o *rootOptions) post(cmd *cobra.Command, path string, body interface{}) error {
	data, err := o.client().call(cmd.Context(), http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	return printJSON(cmd, data)
}

func limitQuery(limit int) url.Values {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return query
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var component string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show system health, or one component's health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if component != "" {
				query.Set("component", component)
			}
			return opts.get(cmd, "/health", query)
		},
	}
	cmd.Flags().StringVarP(&component, "component", "c", "", "Component to report on")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show recovery statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.get(cmd, "/recovery/stats", nil)
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the in-memory recovery history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.get(cmd, "/recovery/history", limitQuery(limit))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Number of newest results to show (0 for all)")
	return cmd
}

func newJournalCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recovery results from the Redis journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.get(cmd, "/recovery/journal", limitQuery(limit))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Number of newest results to show (0 for all)")
	return cmd
}

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	var (
		component string
		action    string
		success   string
		since     time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Query the Postgres recovery archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := limitQuery(limit)
			if component != "" {
				query.Set("component", component)
			}
			if action != "" {
				query.Set("action", action)
			}
			if success != "" {
				if _, err := strconv.ParseBool(success); err != nil {
					return fmt.Errorf("--success must be true or false")
				}
				query.Set("success", success)
			}
			if since > 0 {
				query.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}
			return opts.get(cmd, "/recovery/archive", query)
		},
	}
	cmd.Flags().StringVarP(&component, "component", "c", "", "Only this component")
	cmd.Flags().StringVarP(&action, "action", "a", "", "Only this recovery action")
	cmd.Flags().StringVar(&success, "success", "", "Only successful (true) or failed (false) recoveries")
	cmd.Flags().DurationVar(&since, "since", 0, "Only recoveries newer than this, e.g. 24h")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of records")
	return cmd
}

func newBreakersCmd(opts *rootOptions) *cobra.Command {
	var persisted bool
	cmd := &cobra.Command{
		Use:   "breakers",
		Short: "Show circuit breaker states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if persisted {
				return opts.get(cmd, "/circuit-breakers/persisted", nil)
			}
			return opts.get(cmd, "/circuit-breakers", nil)
		},
	}
	cmd.Flags().BoolVar(&persisted, "persisted", false, "Show the snapshot stored in Redis instead")
	return cmd
}

func newResetBreakerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-breaker [component]",
		Short: "Close one circuit breaker, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body api.ResetBreakerRequest
			if len(args) == 1 {
				body.Component = args[0]
			}
			return opts.post(cmd, "/circuit-breakers/reset", body)
		},
	}
}

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	var breaker api.BreakerRequest
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "register <component>",
		Short: "Register a component, optionally with a circuit breaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.RegisterComponentRequest{Name: args[0]}

			flags := cmd.Flags()
			if flags.Changed("failure-threshold") || flags.Changed("breaker-timeout") ||
				flags.Changed("half-open-max-calls") || flags.Changed("success-threshold") {
				breaker.TimeoutSeconds = timeout.Seconds()
				req.CircuitBreaker = &breaker
			}
			return opts.post(cmd, "/components/register", req)
		},
	}
	cmd.Flags().IntVar(&breaker.FailureThreshold, "failure-threshold", 0, "Failures before the breaker opens")
	cmd.Flags().DurationVar(&timeout, "breaker-timeout", 0, "How long the breaker stays open")
	cmd.Flags().IntVar(&breaker.HalfOpenMaxCalls, "half-open-max-calls", 0, "Concurrent probes while half-open")
	cmd.Flags().IntVar(&breaker.SuccessThreshold, "success-threshold", 0, "Probe successes that close the breaker")
	return cmd
}

func newResetComponentCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-component <component>",
		Short: "Clear a component's health counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.post(cmd, "/components/"+url.PathEscape(args[0])+"/reset", nil)
		},
	}
}

func newAlertsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "List active alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.get(cmd, "/alerts", nil)
		},
	}
}

func newResolveAlertCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-alert <id>",
		Short: "Resolve an active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.post(cmd, "/alerts/"+url.PathEscape(args[0])+"/resolve", nil)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the recovery archive schema (uses DB_* environment variables)",
	}

	withMigrator := func(fn func(cmd *cobra.Command, m *store.Migrator, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			m, err := store.NewMigrator(&cfg.Database)
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(cmd, m, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all available migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, m *store.Migrator, args []string) error {
				if err := m.Up(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed successfully")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, m *store.Migrator, args []string) error {
				if err := m.Down(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations rolled back successfully")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current schema version",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, m *store.Migrator, args []string) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Current version: %d (dirty: %t)\n", version, dirty)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: withMigrator(func(cmd *cobra.Command, m *store.Migrator, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				if err := m.Force(version); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Forced version to %d\n", version)
				return nil
			}),
		},
	)
	return cmd
}

func newPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived recoveries older than a cutoff (uses DB_* environment variables)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			archive, err := store.NewArchive(&cfg.Database)
			if err != nil {
				return err
			}
			defer archive.Close()

			deleted, err := archive.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d archived recoveries\n", deleted)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age of the oldest record to keep")
	return cmd
}
