package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/CTAG07/stencil/pkg/sandbox"
	"github.com/CTAG07/stencil/pkg/templating"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Exit codes reported by the CLI, one per error kind.
const (
	exitOK               = 0
	exitGeneric          = 1
	exitInvalidID        = 2
	exitInvalidVariables = 3
	exitInvalidTemplate  = 4
	exitRenderFailed     = 5
	exitNotFound         = 6
	exitAlreadyExists    = 7
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath    string
	templatesPath string
	logLevel      string
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// execute runs the CLI with the given arguments and returns the process exit code.
func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return exitCode(err)
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "stencil",
		Short: "Sandboxed template library and renderer",
		Long: `stencil stores templates written in a small, sandboxed expression language
and renders them against JSON or YAML variables, from the command line or over
an HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadDotEnv()
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "./config.json", "path to the JSON config file")
	root.PersistentFlags().StringVar(&flags.templatesPath, "templates", "", "template library directory (overrides config and "+templating.EnvLibraryPath+")")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newServeCmd(flags),
		newRenderCmd(flags),
		newListCmd(flags),
		newAddCmd(flags),
		newRemoveCmd(flags),
		newRefreshCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stencil %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

// loadCLIConfig loads the config file and applies the command line overrides.
// load is LoadConfig for commands that own the config file and ReadConfig for
// one-shot commands that must not create it.
func loadCLIConfig(flags *globalFlags, load func(string) (*Config, error)) (*Config, error) {
	config, err := load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if flags.templatesPath != "" {
		config.Templates.Path = flags.templatesPath
	}
	if flags.logLevel != "" {
		config.Server.LogLevel = flags.logLevel
	}
	return config, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)}))
}

// exitCode maps an error to the CLI exit code for its kind.
func exitCode(err error) int {
	switch templating.KindOf(err) {
	case templating.KindInvalidID:
		return exitInvalidID
	case templating.KindInvalidVariables:
		return exitInvalidVariables
	case templating.KindInvalidTemplate:
		return exitInvalidTemplate
	case templating.KindRenderFailed:
		return exitRenderFailed
	case templating.KindNotFound:
		return exitNotFound
	case templating.KindAlreadyExists:
		return exitAlreadyExists
	}

	var ce *sandbox.CompileError
	if errors.As(err, &ce) {
		return exitInvalidTemplate
	}
	var ee *sandbox.EvalError
	if errors.As(err, &ee) {
		return exitRenderFailed
	}
	return exitGeneric
}
