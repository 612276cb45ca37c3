package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/raphaelreyna/minihttpd/pkg/httpd"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

var errUsage = errors.New("bad usage")

var (
	configFile string
	quiet      bool
	logLevel   string

	root          string
	maxConns      int
	scriptTimeout time.Duration
	readTimeout   time.Duration
	writeTimeout  time.Duration
	maxOutput     int64
	numericStatus bool

	envVars []string
	stderr  string
)

var RootCmd = &cobra.Command{
	Use:     "minihttpd [flags]... port",
	Version: version,
	Short:   "A minimal HTTP/1.0 server for static files and CGI-like scripts.",
	Long: `Start a minimal HTTP/1.0 server on 0.0.0.0:<port>.
Files below the root directory are served for GET and HEAD, always as text/html.
GET requests under /cgi-like/ run the named executable with the query string,
if any, as its single argument, and return whatever it writes to stdout.
`,
	Args:          portArg,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func SetFlags() {
	RootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	flags := RootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "YAML configuration file. Flags override its values.")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Only log errors.")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error.")

	flags.StringVarP(&root, "root", "d", "", `Directory to serve files and scripts from.
Defaults to where minihttpd was called.`,
	)
	flags.IntVar(&maxConns, "max-conns", 0, "Maximum number of connections handled at once (default 64).")
	flags.DurationVar(&scriptTimeout, "script-timeout", 0, "Kill scripts running longer than this (default 30s).")
	flags.DurationVar(&readTimeout, "read-timeout", 0, "Give up on clients that send nothing for this long (default 30s).")
	flags.DurationVar(&writeTimeout, "write-timeout", 0, "Deadline for sending a response, none by default.")
	flags.Int64Var(&maxOutput, "max-output", 0, "Largest script output in bytes, unlimited by default.")
	flags.BoolVar(&numericStatus, "numeric-status", false, `Send standard numeric status lines (404 Not Found)
instead of the legacy phrases (File Not Found).`,
	)

	flags.StringArrayVarP(&envVars, "env-var", "e", nil, `Environment variable to pass on to scripts.
Must be in the form 'KEY=VALUE'.`,
	)
	flags.StringVarP(&stderr, "stderr", "E", "", `File to append the scripts' stderr to.`)
}

func portArg(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected exactly one argument, the port, got %d", errUsage, len(args))
	}
	if _, err := strconv.Atoi(args[0]); err != nil {
		return fmt.Errorf("%w: invalid port %q", errUsage, args[0])
	}
	return nil
}

func newLogger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return zerolog.Logger{}, err
	}
	if quiet {
		level = zerolog.ErrorLevel
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// loadConfig layers the flags that were set on top of the config file.
func loadConfig(cmd *cobra.Command, port string) (httpd.Config, error) {
	cfg, err := httpd.LoadConfig(configFile)
	if err != nil {
		return cfg, err
	}
	cfg.Port, _ = strconv.Atoi(port)

	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Root = root
	}
	if flags.Changed("max-conns") {
		cfg.MaxConns = maxConns
	}
	if flags.Changed("script-timeout") {
		cfg.ScriptTimeout = scriptTimeout
	}
	if flags.Changed("read-timeout") {
		cfg.ReadTimeout = readTimeout
	}
	if flags.Changed("write-timeout") {
		cfg.WriteTimeout = writeTimeout
	}
	if flags.Changed("max-output") {
		cfg.MaxOutput = maxOutput
	}
	if flags.Changed("numeric-status") {
		cfg.NumericStatus = numericStatus
	}
	cfg.Env = append(cfg.Env, envVars...)
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, args[0])
	if err != nil {
		return err
	}

	if stderr != "" {
		f, err := os.OpenFile(stderr, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("error opening stderr: %w", err)
		}
		defer f.Close()
		cfg.Stderr = f
	}

	server, err := httpd.New(cfg, &logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe(ctx)
	}()

	var serveErr error
	served := false
	select {
	case serveErr = <-errc:
		served = true
		if serveErr != nil {
			return serveErr
		}
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if !served {
		serveErr = <-errc
	}
	return serveErr
}

func Execute() {
	SetFlags()
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(RootCmd.ErrOrStderr(), "error:", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(RootCmd.ErrOrStderr(), RootCmd.UsageString())
		}
		os.Exit(1)
	}
}
