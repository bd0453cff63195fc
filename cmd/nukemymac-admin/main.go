// Package main is the operator CLI for the NukeMyMac license server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nukemymac/nukemymac-server/internal/config"
	"github.com/nukemymac/nukemymac-server/internal/db"
	"github.com/nukemymac/nukemymac-server/internal/license"
	"github.com/nukemymac/nukemymac-server/internal/maintenance"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const commandTimeout = 5 * time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "nukemymac-admin",
		Short: "Operator tools for the NukeMyMac license server",
		Long: `nukemymac-admin runs maintenance tasks against the license database.

It reads the same configuration as the server (CONFIG_FILE and the
environment), so DATABASE_URL must point at the store to operate on.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CONFIG_FILE"), "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newMigrateCmd(opts))
	rootCmd.AddCommand(newLicenseCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// env is the state shared by commands that touch the store.
type env struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    db.Backend
	licenses *license.Service
	close    func()
}

func openEnv(cmd *cobra.Command, opts *globalOptions) (*env, error) {
	level := zerolog.InfoLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, closeFn, err := db.OpenBackend(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open license store: %w", err)
	}

	return &env{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		licenses: license.NewService(store, cfg.LicensePolicy(), logger),
		close:    closeFn,
	}, nil
}

// withEnv runs fn with an opened store and a bounded context.
func withEnv(opts *globalOptions, fn func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		cmd.SetContext(ctx)

		e, err := openEnv(cmd, opts)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(ctx, cmd, e, args)
	}
}

func newMigrateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: withEnv(opts, func(ctx context.Context, cmd *cobra.Command, e *env, _ []string) error {
			// OpenBackend has already migrated; report where the schema stands.
			if pg, ok := e.store.(*db.DB); ok {
				version, err := pg.CurrentVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Schema version: %d\n", version)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "SQLite schema is up to date")
			return nil
		}),
	}
}

func newLicenseCmd(opts *globalOptions) *cobra.Command {
	licenseCmd := &cobra.Command{
		Use:   "license",
		Short: "Inspect and manage licenses",
	}
	licenseCmd.AddCommand(newLicenseShowCmd(opts))
	licenseCmd.AddCommand(newLicenseRevokeCmd(opts))
	licenseCmd.AddCommand(newLicenseIssueCmd(opts))
	licenseCmd.AddCommand(newLicenseSweepCmd(opts))
	return licenseCmd
}

func newLicenseShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Print the stored record for a license key",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(opts, func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
			lic, err := e.licenses.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, lic)
		}),
	}
}

func newLicenseRevokeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key>",
		Short: "Revoke a license key",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(opts, func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
			key := license.NormalizeKey(args[0])
			ok, err := e.licenses.Revoke(ctx, key)
			if err != nil {
				return err
			}
			if !ok {
				return license.ErrNotFound
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", key)
			return nil
		}),
	}
}

func newLicenseIssueCmd(opts *globalOptions) *cobra.Command {
	var tier, email, session string

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a license for a completed checkout session",
		Long: `Issue creates the license for a payment session, for example when the
webhook could not reach the store. Issuing twice for the same session
returns the existing license. No email is sent.`,
		Args: cobra.NoArgs,
		RunE: withEnv(opts, func(ctx context.Context, cmd *cobra.Command, e *env, _ []string) error {
			t, err := license.ParseTier(tier)
			if err != nil {
				return err
			}
			lic, err := e.licenses.CreateLicense(ctx, t, email, session)
			if err != nil {
				return err
			}
			return printJSON(cmd, lic)
		}),
	}
	cmd.Flags().StringVar(&tier, "tier", "", "License tier (yearly or lifetime)")
	cmd.Flags().StringVar(&email, "email", "", "Purchaser email")
	cmd.Flags().StringVar(&session, "session", "", "Payment checkout session ID")
	_ = cmd.MarkFlagRequired("tier")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newLicenseSweepCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire yearly licenses past their term",
		Args:  cobra.NoArgs,
		RunE: withEnv(opts, func(ctx context.Context, cmd *cobra.Command, e *env, _ []string) error {
			n, err := maintenance.NewExpiryScheduler(e.licenses, e.cfg.License.SweepSchedule, e.logger).Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d license(s)\n", n)
			return nil
		}),
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nukemymac-admin %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Date: %s\n", BuildDate)
			fmt.Fprintf(cmd.OutOrStdout(), "  Go:         %s\n", runtime.Version())
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
