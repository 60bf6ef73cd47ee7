// Command kindlesender turns web articles into ebooks and delivers them to a
// Kindle by email or to a local directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hyperifyio/kindlesender/internal/app"
	"github.com/hyperifyio/kindlesender/internal/extract"
	"github.com/hyperifyio/kindlesender/internal/fetch"
	"github.com/hyperifyio/kindlesender/internal/pipeline"
)

// exitError carries a process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type globalOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
	verbose    bool
	logFormat  string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "kindlesender",
		Short:         "Send web articles to a Kindle",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Path to YAML or JSON config file")
	pf.StringSliceVar(&g.envFiles, "env-file", []string{".env"}, "Dotenv files to load before reading the environment")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Shorthand for --log-level=debug")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format (console or json)")

	root.AddCommand(sendCmd(g), serveCmd(g), versionCmd())
	return root
}

// loadConfig layers defaults, the config file, dotenv files, the
// environment and finally the flags that were set explicitly.
func loadConfig(cmd *cobra.Command, g *globalOptions) (app.Config, error) {
	cfg := app.DefaultConfig()
	if g.configPath != "" {
		fc, err := app.LoadConfigFile(g.configPath)
		if err != nil {
			return cfg, err
		}
		app.ApplyFileConfig(&cfg, fc)
	}
	if err := app.LoadEnvFiles(g.envFiles...); err != nil {
		return cfg, fmt.Errorf("load env files: %w", err)
	}
	app.ApplyEnvOverrides(&cfg)

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if g.verbose {
		cfg.LogLevel = "debug"
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = g.logFormat
	}
	return cfg, nil
}

func setupLogging(cfg app.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if strings.EqualFold(cfg.LogFormat, "json") {
		out = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return log.Logger
}

func sendCmd(g *globalOptions) *cobra.Command {
	var (
		dryRun  bool
		to      string
		outDir  string
		format  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send URL",
		Short: "Convert one article and deliver it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("dry-run") {
				cfg.DryRun = dryRun
			}
			if flags.Changed("to") {
				cfg.Method = "email"
				cfg.KindleAddress = to
			}
			if flags.Changed("out") {
				cfg.Method = "file"
				cfg.OutputDir = outDir
			}
			if flags.Changed("format") {
				cfg.Format = format
			}
			if flags.Changed("timeout") {
				cfg.RunTimeout = timeout
			}
			logger := setupLogging(cfg)

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := a.Send(ctx, args[0])
			if res != nil {
				for _, w := range res.Warnings {
					logger.Warn().Str("url", args[0]).Msg(w)
				}
			}
			if err != nil {
				return &exitError{code: exitCode(err), err: err}
			}
			out := cmd.OutOrStdout()
			if cfg.DryRun {
				_, err = io.WriteString(out, res.Markdown)
				return err
			}
			rec := res.Receipt
			fmt.Fprintf(out, "Sent %q (%d words) to %s", res.Title, res.WordCount, rec.Destination)
			if rec.Path != "" {
				fmt.Fprintf(out, " as %s", rec.Path)
			}
			fmt.Fprintf(out, " after %d attempt(s)\n", rec.Attempts)
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&dryRun, "dry-run", false, "Print the cleaned article as Markdown instead of building and delivering")
	f.StringVar(&to, "to", "", "Kindle email address; selects email delivery")
	f.StringVar(&outDir, "out", "", "Output directory; selects file delivery")
	f.StringVar(&format, "format", "", "Ebook format (epub or pdf)")
	f.DurationVar(&timeout, "timeout", 0, "Upper bound for the whole run")
	return cmd
}

// exitCode returns 2 when the page could not be fetched or held no article,
// and 1 for every other failure.
func exitCode(err error) int {
	var fe *fetch.Error
	var xe *extract.Error
	if errors.As(err, &fe) || errors.As(err, &xe) {
		return 2
	}
	switch pipeline.FailedStage(err) {
	case pipeline.StageFetching, pipeline.StageExtracting:
		return 2
	}
	return 1
}

func serveCmd(g *globalOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web form and JSON API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			logger := setupLogging(cfg)

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on (default 127.0.0.1:8080)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kindlesender %s (commit %s, built %s)\n", app.BuildVersion, app.BuildCommit, app.BuildDate)
		},
	}
}
