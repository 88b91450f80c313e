// Package commands implements ledgerctl, the operator CLI for running the
// ledger's background jobs by hand.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/javajoker/imi-ledger/internal/app"
	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/database"
	"github.com/javajoker/imi-ledger/internal/services"
)

// Runner is the slice of the application a command needs.
type Runner interface {
	Migrate(ctx context.Context) error
	SweepPush(ctx context.Context) (*services.SweepResult, error)
	ReleaseDue(ctx context.Context) (*services.ReleaseResult, error)
	DrainOutbox(ctx context.Context) (*services.DrainResult, error)
	Close(ctx context.Context)
}

// RunnerFactory builds a Runner from configuration.
type RunnerFactory func(ctx context.Context, cfg *config.Config) (Runner, error)

func NewRootCommand() *cobra.Command {
	return newRootCommand(config.Load, newContainerRunner)
}

func newRootCommand(load func() (*config.Config, error), factory RunnerFactory) *cobra.Command {
	root := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Operate the payment ledger",
		SilenceUsage: true,
	}

	// withRunner builds the application for one command and always tears
	// it down afterwards.
	withRunner := func(fn func(cmd *cobra.Command, runner Runner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			app.ConfigureLogging(cfg)
			logrus.SetOutput(cmd.ErrOrStderr())

			runner, err := factory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer runner.Close(context.Background())
			return fn(cmd, runner)
		}
	}

	root.AddCommand(
		newMigrateCommand(withRunner),
		newSweepCommand(withRunner),
		newOutboxCommand(withRunner),
	)
	return root
}

type runnerWrapper func(fn func(cmd *cobra.Command, runner Runner) error) func(*cobra.Command, []string) error

func newMigrateCommand(withRunner runnerWrapper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		Args:  cobra.NoArgs,
		RunE: withRunner(func(cmd *cobra.Command, runner Runner) error {
			if err := runner.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		}),
	}
}

func newSweepCommand(withRunner runnerWrapper) *cobra.Command {
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run a reconciliation sweep once",
	}

	sweep.AddCommand(&cobra.Command{
		Use:   "push",
		Short: "Poll in-flight push payments and time out stale ones",
		Args:  cobra.NoArgs,
		RunE: withRunner(func(cmd *cobra.Command, runner Runner) error {
			result, err := runner.SweepPush(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		}),
	})

	sweep.AddCommand(&cobra.Command{
		Use:   "release",
		Short: "Release escrows whose dispute window has closed",
		Args:  cobra.NoArgs,
		RunE: withRunner(func(cmd *cobra.Command, runner Runner) error {
			result, err := runner.ReleaseDue(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		}),
	})

	return sweep
}

func newOutboxCommand(withRunner runnerWrapper) *cobra.Command {
	outbox := &cobra.Command{
		Use:   "outbox",
		Short: "Deliver queued side effects",
	}

	outbox.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Deliver every due outbox message once",
		Args:  cobra.NoArgs,
		RunE: withRunner(func(cmd *cobra.Command, runner Runner) error {
			result, err := runner.DrainOutbox(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		}),
	})

	return outbox
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// containerRunner runs commands against the full application graph.
type containerRunner struct {
	container *app.Container
}

func newContainerRunner(ctx context.Context, cfg *config.Config) (Runner, error) {
	container, err := app.New(ctx, cfg)
	if err != nil {
		container.Close(context.Background())
		return nil, err
	}
	return &containerRunner{container: container}, nil
}

func (r *containerRunner) Migrate(ctx context.Context) error {
	return database.RunMigrations(r.container.DB.WithContext(ctx))
}

func (r *containerRunner) SweepPush(ctx context.Context) (*services.SweepResult, error) {
	return r.container.Reconciliation.SweepPushPayments(ctx)
}

func (r *containerRunner) ReleaseDue(ctx context.Context) (*services.ReleaseResult, error) {
	return r.container.Escrow.ReleaseDue(ctx, services.SystemPrincipal)
}

func (r *containerRunner) DrainOutbox(ctx context.Context) (*services.DrainResult, error) {
	return r.container.Outbox.Drain(ctx)
}

func (r *containerRunner) Close(ctx context.Context) {
	r.container.Close(ctx)
}
