// Package cmd provides the warden command-line interface.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warden/bootstrap"
	"warden/config"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Output formats
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// Default context timeout for CLI operations
const defaultTimeout = 2 * time.Minute

// options are the persistent flags shared by every subcommand
type options struct {
	configFile string
	output     string
	noColor    bool
	quiet      bool
	debug      bool
}

// NewRootCmd builds the warden command tree
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "warden",
		Short: "WAF false-positive exception manager",
		Long: `warden turns operator exception commands into ModSecurity directives,
deploys them to the WAF, and tracks alert cases per source IP.

Run "warden serve" for the chat command and events endpoints. The other
commands work on the local state for inspection and dry runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.noColor {
				color.NoColor = true
			}
			switch opts.output {
			case outputTable, outputJSON, outputYAML:
				return nil
			}
			return fmt.Errorf("unknown output format %q (want table, json or yaml)", opts.output)
		},
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file path (default: config.yaml in . or ./config)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputTable, "Output format: table, json or yaml")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&opts.quiet, "quiet", false, "Suppress non-essential output")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newCompileCmd(opts))
	root.AddCommand(newDeployCmd(opts))
	root.AddCommand(newCasesCmd(opts))
	root.AddCommand(newAlertsCmd(opts))
	root.AddCommand(newHistoryCmd(opts))

	return root
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// loadConfig reads the configuration named by --config
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// logger returns a console logger with --debug, a no-op logger otherwise
func (o *options) logger() (*zap.Logger, *zap.SugaredLogger) {
	if !o.debug {
		l := zap.NewNop()
		return l, l.Sugar()
	}
	l, sugar, err := bootstrap.InitLogger(true)
	if err != nil {
		l = zap.NewNop()
		return l, l.Sugar()
	}
	return l, sugar
}

func baseContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// commandContext applies the default timeout to the command's context
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(baseContext(cmd), defaultTimeout)
}
