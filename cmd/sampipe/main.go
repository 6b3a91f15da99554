// Command sampipe runs a self-mutating delivery pipeline that builds a
// serverless function image, publishes it and deploys it by tag.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCode(err, ExitConfigError)
	}
	return ExitSuccess
}

// =============================================================================
// Root Command
// =============================================================================

// RootOptions holds global flags and the state every command shares.
type RootOptions struct {
	ConfigPath string

	cfg    *Config
	logger *slog.Logger
}

// NewRootCommand creates the root command of the sampipe CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "sampipe",
		Short:         "Self-mutating delivery pipeline for container image functions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := LoadConfig(opts.ConfigPath)
			if err != nil {
				return &ServerError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
			}
			opts.cfg = cfg
			opts.logger = SetupLogger(cfg, cmd.ErrOrStderr())
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewBootstrapCommand(opts))
	cmd.AddCommand(NewSynthCommand(opts))
	cmd.AddCommand(NewDeployCommand(opts))
	cmd.AddCommand(NewParamCommand(opts))
	cmd.AddCommand(NewRecipeCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, the dispatcher and the background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.logger.Info("starting sampipe",
				"version", Version,
				"config", opts.ConfigPath,
			)

			app := NewApp(opts.cfg, opts.logger)
			server, err := NewServer(cmd.Context(), opts.cfg, app, opts.logger)
			if err != nil {
				app.Close()
				return err
			}
			return server.Start(cmd.Context())
		},
	}
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sampipe %s (built %s)\n", Version, BuildTime)
		},
	}
}
