// Package cli implements Photon's command-line surface. Each subcommand
// parses it's flags over the loaded configuration, builds the collaborators
// it requires and hands them to the pipeline Orchestrator.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/hbomb79/Photon/internal/auth"
	"github.com/hbomb79/Photon/internal/config"
	"github.com/hbomb79/Photon/internal/event"
	"github.com/hbomb79/Photon/internal/media"
	"github.com/hbomb79/Photon/internal/photos"
	"github.com/hbomb79/Photon/internal/pipeline"
	"github.com/hbomb79/Photon/pkg/logger"
)

var log = logger.Get("CLI")

const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

var (
	ErrUsage             = errors.New("invalid usage")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrToleranceExceeded = errors.New("failure tolerance exceeded")
	ErrUnconfirmed       = errors.New("removal requires --force")
)

type (
	Option func(*App)

	// App is the top-level object for a single invocation of Photon. It owns
	// the event bus which the Orchestrator reports progress on, and the
	// configuration loaded at startup.
	App struct {
		stdout io.Writer
		stderr io.Writer

		eventBus  event.EventCoordinator
		config    *config.Config
		tolerance int

		authOptions   []auth.Option
		photosBaseURL string
	}

	globalFlags struct {
		configPath string
		logLevel   string
		tolerance  int
	}
)

// WithAuthOptions supplies options to every Authenticator the App constructs.
func WithAuthOptions(opts ...auth.Option) Option {
	return func(app *App) { app.authOptions = append(app.authOptions, opts...) }
}

// WithPhotosBaseURL overrides the Photos Library API endpoint.
func WithPhotosBaseURL(url string) Option {
	return func(app *App) { app.photosBaseURL = url }
}

func New(stdout io.Writer, stderr io.Writer, opts ...Option) *App {
	app := &App{stdout: stdout, stderr: stderr, eventBus: event.New()}
	for _, opt := range opts {
		opt(app)
	}

	newProgressRenderer(stdout).Register(app.eventBus)
	return app
}

// Run executes the command described by the arguments provided (excluding
// the program name), returning the exit code for the process.
func (app *App) Run(ctx context.Context, args []string) int {
	globals := globalFlags{tolerance: -1}
	root := flag.NewFlagSet("photon", flag.ContinueOnError)
	root.SetOutput(app.stderr)
	root.Usage = func() { app.printUsage(root) }
	defineGlobalFlags(root, &globals)

	if err := root.Parse(args); err != nil {
		return app.exitCode(err)
	}
	if root.NArg() == 0 {
		app.printUsage(root)
		return ExitUsage
	}

	cmd, ok := findCommand(root.Arg(0))
	if !ok {
		fmt.Fprintf(app.stderr, "unknown command %q\n\n", root.Arg(0))
		app.printUsage(root)
		return ExitUsage
	}

	cfg, err := config.Load(globals.configPath)
	if err != nil {
		fmt.Fprintf(app.stderr, "error: %v\n", err)
		return ExitFailure
	}
	app.config = cfg
	if globals.tolerance < 0 {
		globals.tolerance = cfg.Processing.FailureTolerance
	}

	fs := flag.NewFlagSet("photon "+cmd.name, flag.ContinueOnError)
	fs.SetOutput(app.stderr)
	fs.StringVar(&globals.logLevel, "log-level", globals.logLevel, "Minimum log level (VERBOSE, DEBUG, INFO, WARNING, ERROR)")
	fs.IntVar(&globals.tolerance, "tolerance", globals.tolerance, "Number of failed items tolerated before exiting non-zero")
	run := cmd.define(app, fs)
	fs.Usage = func() {
		fmt.Fprintf(app.stderr, "Usage: photon %s %s\n\n%s\n\nFlags:\n", cmd.name, cmd.usage, cmd.description)
		fs.PrintDefaults()
	}

	if err := fs.Parse(root.Args()[1:]); err != nil {
		return app.exitCode(err)
	}
	app.tolerance = globals.tolerance

	if err := app.configureLogging(globals.logLevel); err != nil {
		return app.exitCode(err)
	}
	defer logger.SetOutputFile("")

	if cmd.validate {
		if err := app.validateConfig(cmd.remote); err != nil {
			return app.exitCode(err)
		}
	}

	return app.exitCode(run(ctx, fs.Args()))
}

func defineGlobalFlags(fs *flag.FlagSet, globals *globalFlags) {
	fs.StringVar(&globals.configPath, "config", "", "Path to the YAML configuration file")
	fs.StringVar(&globals.logLevel, "log-level", "", "Minimum log level (VERBOSE, DEBUG, INFO, WARNING, ERROR)")
	fs.IntVar(&globals.tolerance, "tolerance", -1, "Number of failed items tolerated before exiting non-zero (defaults to processing.failure_tolerance)")
}

// configureLogging applies the log level (the flag, if provided, otherwise
// the configured level) and mirrors log output to the configured log file.
func (app *App) configureLogging(levelOverride string) error {
	levelName := app.config.Log.Level
	if levelOverride != "" {
		levelName = levelOverride
	}

	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	logger.SetMinLoggingLevel(level.Level())

	if err := logger.SetOutputFile(app.config.Log.File); err != nil {
		log.Warnf("Log file disabled: %v\n", err)
	}

	return nil
}

// validateConfig reports every configuration problem found. The credentials
// file is only required by commands which talk to the remote API.
func (app *App) validateConfig(remote bool) error {
	problems := make([]error, 0)
	for _, problem := range app.config.Validate() {
		if !remote && errors.Is(problem, config.ErrCredentialsNotFound) {
			continue
		}
		problems = append(problems, problem)
	}

	if len(problems) == 0 {
		return nil
	}

	for _, problem := range problems {
		fmt.Fprintf(app.stderr, "config: %v\n", problem)
	}
	return fmt.Errorf("%w: %d problem(s) found", ErrInvalidConfig, len(problems))
}

// exitCode reports the error (if any) and converts it to a process exit code.
func (app *App) exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, flag.ErrHelp) {
		return ExitOK
	}

	var invalid *media.InvalidParameterError
	switch {
	case errors.Is(err, ErrUsage), errors.Is(err, ErrInvalidConfig), errors.As(err, &invalid):
		fmt.Fprintf(app.stderr, "error: %v\n", err)
		return ExitUsage
	default:
		fmt.Fprintf(app.stderr, "error: %v\n", err)
		return ExitFailure
	}
}

// finishRun renders the summary, and returns ErrToleranceExceeded if more
// items failed than the tolerance allows.
func (app *App) finishRun(summary *pipeline.Summary) error {
	summary.Render(app.stdout)
	if summary.ExceedsTolerance(app.tolerance) {
		return fmt.Errorf("%w: %d item(s) failed (tolerance %d)", ErrToleranceExceeded, summary.Failed, app.tolerance)
	}

	return nil
}

func (app *App) orchestrator(workers int, opts ...pipeline.Option) *pipeline.Orchestrator {
	return pipeline.New(pipeline.Config{
		Workers:                workers,
		BatchSize:              app.config.Processing.BatchSize,
		MaxConcurrentDownloads: app.config.Download.MaxConcurrent,
		UseThreading:           app.config.Download.UseThreading,
		DuplicateThreshold:     app.config.Duplicates.Threshold,
	}, app.eventBus, opts...)
}

func (app *App) authenticator() *auth.Authenticator {
	return auth.New(auth.Config{
		CredentialsFile: app.config.Auth.CredentialsFile,
		TokenFile:       app.config.Auth.TokenFile,
		Scopes:          app.config.AuthScopes(),
	}, app.authOptions...)
}

// photosClient authenticates (running the consent flow if no usable token
// is saved) and returns a client for the Photos Library API.
func (app *App) photosClient(ctx context.Context) (*photos.Client, error) {
	authenticator := app.authenticator()
	if err := authenticator.Authenticate(ctx, false); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	httpClient, err := authenticator.HTTPClient(ctx)
	if err != nil {
		return nil, err
	}

	return photos.NewClient(httpClient, photos.Options{
		BaseURL:           app.photosBaseURL,
		RequestsPerSecond: app.config.Download.RequestsPerSecond,
		MaxAttempts:       app.config.Download.MaxAttempts,
		RequestTimeout:    app.config.Download.RequestTimeout(),
	}), nil
}

func (app *App) printUsage(root *flag.FlagSet) {
	fmt.Fprintf(app.stderr, "Usage: photon [global flags] <command> [flags]\n\nCommands:\n")
	for _, cmd := range commands() {
		fmt.Fprintf(app.stderr, "  %-13s %s\n", cmd.name, cmd.description)
	}

	fmt.Fprintf(app.stderr, "\nGlobal flags:\n")
	root.PrintDefaults()
}

func requireFlag(name string, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: --%s is required", ErrUsage, name)
	}

	return nil
}
