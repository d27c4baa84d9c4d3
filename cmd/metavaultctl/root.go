package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/jun/metavault/internal/app"
	"github.com/jun/metavault/internal/config"
	"github.com/jun/metavault/internal/handler"
	"github.com/jun/metavault/internal/logging"
	"github.com/jun/metavault/internal/migrations"
)

var (
	flagConfigPath string
	flagVerbose    bool
	flagJSON       bool
)

// cli carries the state built in PersistentPreRunE.
type cli struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:           "metavaultctl",
		Short:         "Administer metavault metafile locks and vault bindings",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}
			level := cfg.Logging.Level
			if flagVerbose {
				level = "debug"
			}
			logger, err := logging.New(cmd.ErrOrStderr(), level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			c.cfg, c.logger = cfg, logger
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine readable output")

	cmd.AddCommand(c.newMigrateCmd(), c.newLocksCmd(), c.newAccountCmd(), c.newSessionTokenCmd())
	return cmd
}

func (c *cli) app(ctx context.Context) (*app.App, error) {
	return app.New(ctx, c.cfg, c.logger, nil)
}

func (c *cli) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Storage.DSN == "" {
				return fmt.Errorf("storage.dsn is not configured")
			}
			db, err := sql.Open("pgx", c.cfg.Storage.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := migrations.Up(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func (c *cli) newLocksCmd() *cobra.Command {
	var (
		user  string
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Show the newest ledger entries of a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Coordinator.RecentLocks(cmd.Context(), user, limit)
			if err != nil {
				return err
			}
			if flagJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LOCK ID\tSTARTED\tENDED\tORIGIN")
			for _, e := range entries {
				ended := "held"
				if e.EndTime != nil {
					ended = e.EndTime.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.LockID, e.StartTime.Format(time.RFC3339), ended, e.IPAddress)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&user, "user", "", "user id")
	list.Flags().IntVar(&limit, "limit", 5, "number of entries")
	_ = list.MarkFlagRequired("user")

	cmd := &cobra.Command{Use: "locks", Short: "Inspect the lock ledger"}
	cmd.AddCommand(list)
	return cmd
}

func (c *cli) newAccountCmd() *cobra.Command {
	var user string
	del := &cobra.Command{
		Use:   "delete",
		Short: "Release the user's lock and remove all lock history and vault bindings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Coordinator.ForceReleaseAll(cmd.Context(), user); err != nil {
				return err
			}
			if err := a.AuthService.Forget(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s deleted\n", user)
			return nil
		},
	}
	del.Flags().StringVar(&user, "user", "", "user id")
	_ = del.MarkFlagRequired("user")

	cmd := &cobra.Command{Use: "account", Short: "Manage user accounts"}
	cmd.AddCommand(del)
	return cmd
}

func (c *cli) newSessionTokenCmd() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "session-token",
		Short: "Mint a session token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			token, err := handler.SignSessionToken(user, a.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
