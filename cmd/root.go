// Package cmd defines the renderworker command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/renderworker/internal/clock/system"
	"github.com/JakeFAU/renderworker/internal/config"
	"github.com/JakeFAU/renderworker/internal/hash/sha256"
	"github.com/JakeFAU/renderworker/internal/headless"
	"github.com/JakeFAU/renderworker/internal/id/uuid"
	"github.com/JakeFAU/renderworker/internal/logging"
	"github.com/JakeFAU/renderworker/internal/metrics"
	"github.com/JakeFAU/renderworker/internal/protocol"
	"github.com/JakeFAU/renderworker/internal/render"
	"github.com/JakeFAU/renderworker/internal/storage"
	"github.com/JakeFAU/renderworker/internal/storage/local"
	"github.com/JakeFAU/renderworker/internal/worker"
)

// Process exit statuses.
const (
	ExitOK = 0
	// ExitConfig covers argument contract violations and configuration errors.
	ExitConfig = 1
	// ExitRuntime covers engine, storage and cancellation errors.
	ExitRuntime = 2
)

// exitError attaches an exit status to an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error { return &exitError{code: ExitConfig, err: err} }

func runtimeError(err error) error { return &exitError{code: ExitRuntime, err: err} }

// newEngine is the engine factory. It's a variable so tests can swap in a fake.
var newEngine = func(cfg config.Config, logger *zap.Logger) (render.Engine, error) {
	return headless.NewChromedp(chromeConfig(cfg), logger)
}

func chromeConfig(cfg config.Config) headless.Config {
	return headless.Config{
		ExecPath:         cfg.Browser.ExecPath,
		Headless:         cfg.Browser.Headless,
		NoSandbox:        cfg.Browser.NoSandbox,
		UserAgent:        cfg.Browser.UserAgent,
		ProxyServer:      cfg.Browser.ProxyServer,
		IgnoreCertErrors: cfg.Browser.IgnoreCertErrors,
		Flags:            cfg.Browser.Flags,
		StartupTimeout:   cfg.Browser.StartupTimeout,
		ThumbnailQuality: cfg.Render.ThumbnailQuality,
	}
}

type rootOptions struct {
	configFile           string
	variant              string
	writeOutputOnFailure bool
}

// newRootCmd creates the root command. Document metadata goes to stdout;
// diagnostics, logs and help text go to stderr.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:   "renderworker [flags] " + render.VariantExtended.Usage(),
		Short: "Render a single page in headless Chrome and capture the resulting document.",
		Long: `renderworker loads one URL in headless Chrome, streams the primary
document's response metadata to stdout as HEADER:/STATUS:/STATUSTEXT:/CONTENTTYPE:
lines, waits for the page to settle, optionally captures a thumbnail, and
writes the rendered document to OUTPUT_FILE.

Positional sentinels: BIND_ID -1 disables proxy routing headers, an empty
THUMBNAIL_FILE disables thumbnails, RESOURCE_TIMEOUT_MS -1 leaves resources
unbounded. Flags must precede the positional arguments.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd, args, opts, stdout, stderr)
		},
	}
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)

	flags := cmd.Flags()
	flags.SetInterspersed(false)
	flags.StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")
	flags.StringVar(&opts.variant, "variant", "", "argument contract: minimal or extended (default from config, extended)")
	flags.BoolVar(&opts.writeOutputOnFailure, "write-output-on-failure", false,
		"write partial content to OUTPUT_FILE when navigation fails (default follows the variant)")
	return cmd
}

func runRender(cmd *cobra.Command, args []string, opts rootOptions, stdout, stderr io.Writer) error {
	var overrides []config.Option
	if cmd.Flags().Changed("variant") {
		overrides = append(overrides, config.WithOverride("render.variant", opts.variant))
	}
	if cmd.Flags().Changed("write-output-on-failure") {
		overrides = append(overrides, config.WithOverride("render.write_output_on_failure", opts.writeOutputOnFailure))
	}
	cfg, err := config.Load(opts.configFile, overrides...)
	if err != nil {
		return configError(err)
	}

	variant := cfg.Variant()
	inv, err := render.ParseArgs(args, variant)
	if err != nil {
		return configError(fmt.Errorf("%w\nusage: renderworker [flags] %s", err, variant.Usage()))
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return configError(err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger = logger.Named("renderworker")

	// The engine is only created once the arguments are known to be valid.
	engine, err := newEngine(cfg, logger)
	if err != nil {
		return runtimeError(fmt.Errorf("create engine: %w", err))
	}

	var remote storage.RemoteFactory
	if cfg.Storage.GCS.Enabled {
		remote = storage.GCSFactory()
	}
	router := storage.NewRouter(local.New(), remote)
	defer func() {
		if closeErr := router.Close(); closeErr != nil {
			logger.Warn("close storage", zap.Error(closeErr))
		}
	}()

	w := worker.New(
		engine,
		router,
		protocol.NewEmitter(stdout, stderr),
		sha256.New(),
		system.New(),
		uuid.New(),
		worker.Config{
			WriteOutputOnFailure: cfg.WriteOutputOnFailure(),
			NavigationTimeout:    cfg.Render.NavigationTimeout,
			ContentType:          cfg.Storage.ContentType,
			ShellMinBytes:        cfg.Render.ShellMinBytes,
		},
		logger,
	)
	result, renderErr := w.Render(cmd.Context(), inv)

	if path := cfg.Metrics.TextfilePath; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			logger.Warn("metrics export failed", zap.Error(err))
		}
	}
	if renderErr != nil {
		return runtimeError(renderErr)
	}
	logger.Debug("render finished",
		zap.String("invocation_id", result.InvocationID),
		zap.String("outcome", string(result.Outcome.Status)),
		zap.Bool("document_seen", result.DocumentSeen),
	)
	return nil
}

// Execute runs the command with the process arguments and returns the exit status.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	fmt.Fprintf(stderr, "renderworker: %v\n", err)

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	// Flag parsing errors from cobra.
	return ExitConfig
}
