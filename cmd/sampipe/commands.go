package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/konpol/sampipe/internal/core/params"
	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/core/recipe"
	"github.com/konpol/sampipe/internal/shell/actions"
	"github.com/konpol/sampipe/internal/shell/controller"
	"github.com/konpol/sampipe/internal/shell/deploy"
	"github.com/konpol/sampipe/internal/shell/paramstore"
	"github.com/konpol/sampipe/internal/shell/store"
	"github.com/konpol/sampipe/internal/shell/telemetry"
)

// =============================================================================
// run
// =============================================================================

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var commit string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once and exit with its status",
		Long: `Run the live pipeline definition once in the foreground.

The execution record is printed as JSON. The exit status is non-zero when
any stage failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, opts, commit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&commit, "commit", "", "commit ref to record (default: source revision)")
	return cmd
}

func runOnce(ctx context.Context, opts *RootOptions, commit string, w io.Writer) error {
	app := NewApp(opts.cfg, opts.logger)
	defer app.Close()

	shutdown, err := telemetry.InitTracer(opts.cfg.Telemetry.Tracing, os.Stderr, opts.logger)
	if err != nil {
		return &ServerError{Op: "run", Err: err, ExitCode: ExitConfigError}
	}
	defer shutdown(context.Background())

	def, err := app.InitialDefinition(ctx)
	if err != nil {
		return err
	}
	orch, err := app.Orchestrator(ctx, def)
	if err != nil {
		return err
	}

	if commit == "" {
		fetcher, err := app.Fetcher()
		if err != nil {
			return err
		}
		if commit, err = fetcher.Revision(ctx); err != nil {
			return &ServerError{Op: "run", Err: err, ExitCode: ExitPipelineFailed}
		}
	}

	exec, runErr := orch.Run(ctx, pipeline.Trigger{CommitRef: commit, Source: "cli"})
	if exec != nil {
		if err := writeJSON(w, exec); err != nil {
			return err
		}
	}
	if runErr != nil {
		return &ServerError{Op: "run", Err: runErr, ExitCode: ExitPipelineFailed}
	}
	return nil
}

// =============================================================================
// bootstrap
// =============================================================================

// NewBootstrapCommand creates the bootstrap command.
func NewBootstrapCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the image repository, record its identity and seed the pipeline",
		Long: `Create the image repository with scan-on-push if it does not exist,
write its ARN and name to the parameter store, and save the synthesized
pipeline definition as the first live revision.

Running bootstrap again is safe: the repository is reused and an unchanged
definition is not saved again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
			defer cancel()
			return runBootstrap(ctx, opts, cmd.OutOrStdout())
		},
	}
}

func runBootstrap(ctx context.Context, opts *RootOptions, w io.Writer) error {
	cfg := opts.cfg
	app := NewApp(cfg, opts.logger)
	defer app.Close()

	def, err := app.Synthesize()
	if err != nil {
		return err
	}
	data, err := pipeline.MarshalDefinition(def)
	if err != nil {
		return &ServerError{Op: "bootstrap", Err: err, ExitCode: ExitPipelineFailed}
	}

	reg, err := app.Registry(ctx)
	if err != nil {
		return err
	}
	ps, err := app.Params(ctx)
	if err != nil {
		return err
	}

	repo, created, err := reg.EnsureRepository(ctx, cfg.Registry.Repository)
	if err != nil {
		return &ServerError{Op: "bootstrap", Err: err, ExitCode: ExitAWSError}
	}
	keys := cfg.Params.Keys()
	for key, value := range map[string]string{
		keys.RepositoryARN:  repo.ARN,
		keys.RepositoryName: repo.Name,
	} {
		if _, err := ps.Put(ctx, key, value); err != nil {
			return &ServerError{Op: "bootstrap", Err: err, ExitCode: ExitAWSError}
		}
	}

	ctrl, err := app.Controller()
	if err != nil {
		return err
	}
	out, err := ctrl.Reconcile(ctx, controller.Input{Pipeline: cfg.Pipeline.Name, Synthesized: data})
	if err != nil {
		return &ServerError{Op: "bootstrap", Err: err, ExitCode: ExitDatabaseError}
	}

	state := "existing"
	if created {
		state = "created"
	}
	fmt.Fprintf(w, "repository %s (%s)\n  arn %s\n  uri %s\n", repo.Name, state, repo.ARN, repo.URI)
	fmt.Fprintf(w, "parameters %s, %s\n", keys.RepositoryARN, keys.RepositoryName)
	if out.Applied {
		fmt.Fprintf(w, "pipeline %s saved as version %d (%s)\n", def.Name, out.Version, out.Decision.NextHash)
	} else {
		fmt.Fprintf(w, "pipeline %s unchanged at version %d\n", def.Name, out.Version)
	}
	return nil
}

// =============================================================================
// synth
// =============================================================================

// NewSynthCommand creates the synth command.
func NewSynthCommand(opts *RootOptions) *cobra.Command {
	var diff bool
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Print the canonical definition synthesized from the source tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSynth(cmd.Context(), opts, diff, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&diff, "diff", false, "compare with the live definition instead of printing it")
	return cmd
}

func runSynth(ctx context.Context, opts *RootOptions, diff bool, w io.Writer) error {
	app := NewApp(opts.cfg, opts.logger)
	defer app.Close()

	def, err := app.Synthesize()
	if err != nil {
		return err
	}
	if !diff {
		data, err := pipeline.MarshalDefinition(def)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	s, err := app.Store()
	if err != nil {
		return err
	}
	nextHash, err := pipeline.Hash(def)
	if err != nil {
		return err
	}

	var live pipeline.Definition
	rec, err := s.GetLiveDefinition(ctx, def.Name)
	switch {
	case err == nil:
		live = rec.Definition
		fmt.Fprintf(w, "live  version %d %s\n", rec.Version, rec.Hash)
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintf(w, "live  none\n")
	default:
		return &ServerError{Op: "synth", Err: err, ExitCode: ExitDatabaseError}
	}
	fmt.Fprintf(w, "next  %s\n", nextHash)

	changes := pipeline.Diff(live, def)
	if len(changes) == 0 {
		fmt.Fprintln(w, "no changes")
		return nil
	}
	for _, c := range changes {
		fmt.Fprintf(w, "  %s\n", c)
	}
	return nil
}

// =============================================================================
// deploy
// =============================================================================

// NewDeployCommand creates the deploy command.
func NewDeployCommand(opts *RootOptions) *cobra.Command {
	var spec deploy.FunctionSpec
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Declare the function with the most recently published tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
			defer cancel()

			app := NewApp(opts.cfg, opts.logger)
			defer app.Close()

			d, err := app.Deployer(ctx)
			if err != nil {
				return err
			}
			result, err := d.Deploy(ctx, spec)
			if err != nil {
				return &ServerError{Op: "deploy", Err: err, ExitCode: ExitPipelineFailed}
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&spec.Name, "function", "", "function name")
	cmd.Flags().Int32Var(&spec.MemoryMB, "memory", 0, "memory in MB (default: target setting)")
	cmd.Flags().Int32Var(&spec.TimeoutSec, "timeout", 0, "timeout in seconds (default: target setting)")
	cmd.Flags().StringToStringVar(&spec.Environment, "env", nil, "function environment, e.g. --env STAGE=prod")
	cmd.MarkFlagRequired("function")
	return cmd
}

// =============================================================================
// param
// =============================================================================

// NewParamCommand creates the param command group.
func NewParamCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "param",
		Short: "Read and write indirection parameters",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print the value of a parameter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withParams(cmd.Context(), opts, args[0], func(ctx context.Context, ps paramstore.Store) error {
				v, err := ps.Get(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "put <key> <value>",
		Short: "Overwrite the value of a parameter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withParams(cmd.Context(), opts, args[0], func(ctx context.Context, ps paramstore.Store) error {
				existed, err := ps.Put(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				verb := "created"
				if existed {
					verb = "updated"
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
				return err
			})
		},
	})

	return cmd
}

func withParams(ctx context.Context, opts *RootOptions, key string, fn func(context.Context, paramstore.Store) error) error {
	if err := params.ValidateKey(key); err != nil {
		return &ServerError{Op: "param", Err: err, ExitCode: ExitConfigError}
	}
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	app := NewApp(opts.cfg, opts.logger)
	defer app.Close()

	ps, err := app.Params(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, ps); err != nil {
		return &ServerError{Op: "param", Err: err, ExitCode: ExitAWSError}
	}
	return nil
}

// =============================================================================
// recipe
// =============================================================================

// NewRecipeCommand creates the recipe command.
func NewRecipeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recipe [action]",
		Short: "Print the shell equivalent of a publish action",
		Long: `Print the shell script equivalent to the build and publish action of the
synthesized pipeline. The action defaults to the first build_publish action.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
			defer cancel()
			return runRecipe(ctx, opts, name, cmd.OutOrStdout())
		},
	}
}

func runRecipe(ctx context.Context, opts *RootOptions, name string, w io.Writer) error {
	app := NewApp(opts.cfg, opts.logger)
	defer app.Close()

	def, err := app.Synthesize()
	if err != nil {
		return err
	}
	action, err := publishAction(def, name)
	if err != nil {
		return &ServerError{Op: "recipe", Err: err, ExitCode: ExitConfigError}
	}

	ps, err := app.Params(ctx)
	if err != nil {
		return err
	}
	runner := &actions.PublishRunner{
		Params: ps,
		Keys:   opts.cfg.Params.Keys(),
		Region: opts.cfg.AWS.Region,
	}
	rc, _, err := runner.Plan(ctx, action, opts.cfg.Source.Root, opts.logger)
	if err != nil {
		return &ServerError{Op: "recipe", Err: err, ExitCode: ExitPipelineFailed}
	}
	script, err := recipe.Render(rc)
	if err != nil {
		return &ServerError{Op: "recipe", Err: err, ExitCode: ExitPipelineFailed}
	}
	_, err = io.WriteString(w, script)
	return err
}

// publishAction returns the named build_publish action, or the first one
// when name is empty.
func publishAction(def pipeline.Definition, name string) (pipeline.Action, error) {
	if name != "" {
		_, a, ok := def.FindAction(name)
		if !ok {
			return pipeline.Action{}, fmt.Errorf("pipeline %s has no action %q", def.Name, name)
		}
		if a.Kind != pipeline.KindBuildPublish {
			return pipeline.Action{}, fmt.Errorf("action %q is a %s action", name, a.Kind)
		}
		return a, nil
	}
	for _, s := range def.Stages {
		for _, a := range s.Actions {
			if a.Kind == pipeline.KindBuildPublish {
				return a, nil
			}
		}
	}
	return pipeline.Action{}, fmt.Errorf("pipeline %s has no %s action", def.Name, pipeline.KindBuildPublish)
}

// =============================================================================
// Output
// =============================================================================

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
