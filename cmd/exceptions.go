package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"warden/bootstrap"
	"warden/compiler"
	"warden/core"
	"warden/notify"
	"warden/service"
	"warden/storage"
)

// deploymentView is the machine-readable form of a deployment
type deploymentView struct {
	Directive core.Directive     `json:"directive"`
	Outcome   core.DeployOutcome `json:"outcome"`
}

// parseCommandArgs splits "<family> -- <flags...>" into the family and the command text
func parseCommandArgs(args []string) (core.Family, string, error) {
	family, err := core.ParseFamily(args[0])
	if err != nil {
		return 0, "", err
	}
	return family, strings.Join(args[1:], " "), nil
}

// newCompileCmd creates the 'compile' subcommand
func newCompileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "compile <family> -- <command flags...>",
		Short: "Compile an exception command without deploying it",
		Long: `Compile an exception command into its ModSecurity directive and print it.
Nothing is sent to the WAF. Command flags go after "--" so they are not
read as warden flags.`,
		Example: `  warden compile pp1 -- --v ARGS:q --o rx --m '^select' --rort 942100 --p 2
  warden compile pp2 -- --t ARGS:password --id 942100-942199
  warden compile pp4 -o json -- --rort attack-sqli`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, text, err := parseCommandArgs(args)
			if err != nil {
				return err
			}
			_, sugar := opts.logger()

			directive, err := compiler.New(sugar).Compile(family, text)
			if err != nil {
				return commandFailure(cmd.ErrOrStderr(), family, err)
			}

			return opts.render(cmd.OutOrStdout(), directive, func(w io.Writer) {
				renderDirective(w, directive)
			})
		},
	}
}

// newDeployCmd creates the 'deploy' subcommand
func newDeployCmd(opts *options) *cobra.Command {
	var requestedBy string

	cmd := &cobra.Command{
		Use:   "deploy <family> -- <command flags...>",
		Short: "Compile an exception command and deploy it to the WAF",
		Long: `Compile an exception command, send the directive to the WAF deployment
gateway once, and record the attempt in the deployment history.`,
		Example: `  warden deploy pp4 -- --rort 942100
  warden deploy pp3 --requested-by alice -- --v REQUEST_URI --o beginsWith --m /health --rort all --p 1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, text, err := parseCommandArgs(args)
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			_, sugar := opts.logger()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			if err := bootstrap.EnsureDataDirectories(cfg, sugar); err != nil {
				return err
			}
			sqlite, err := bootstrap.InitSQLite(cfg, sugar)
			if err != nil {
				return err
			}
			defer closeQuietly(sqlite, sugar)

			// Apply never queues, so the pool is only there to satisfy the service
			workers := core.NewWorkerPool(ctx, 1, 1, cfg.Workers.TaskTimeout, "cli", sugar)
			exceptions := service.NewExceptionService(
				compiler.New(sugar),
				bootstrap.InitDeployer(cfg, sugar),
				storage.NewSQLiteDeploymentHistory(sqlite, sugar),
				workers,
				notify.NewNotifier(notify.Config{}, sugar),
				sugar,
			)

			var s *spinner.Spinner
			if opts.output == outputTable && !opts.quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Writer = cmd.ErrOrStderr()
				s.Suffix = fmt.Sprintf(" Deploying %s exception...", strings.ToUpper(family.String()))
				s.Start()
			}
			d, err := exceptions.Apply(ctx, family, text, requestedBy)
			if s != nil {
				s.Stop()
			}
			if service.IsCommandError(err) {
				return commandFailure(cmd.ErrOrStderr(), family, err)
			}
			if err != nil && d.Directive.Text == "" {
				return err
			}

			view := deploymentView{Directive: d.Directive, Outcome: d.Outcome}
			if renderErr := opts.render(cmd.OutOrStdout(), view, func(w io.Writer) {
				renderDeployment(w, view, opts.quiet)
			}); renderErr != nil {
				return renderErr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&requestedBy, "requested-by", defaultRequester(), "Operator name stored in the deployment history")

	return cmd
}

func defaultRequester() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// commandFailure prints the family's usage line under an input error
func commandFailure(w io.Writer, family core.Family, err error) error {
	errorColor.Fprintf(w, "✗ %v\n", err)
	infoColor.Fprintf(w, "  usage: %s\n", compiler.Usage(family))
	return err
}

// renderDirective displays a compiled directive
func renderDirective(w io.Writer, d core.Directive) {
	printSection(w, "DIRECTIVE")
	printField(w, "Family", fmt.Sprintf("%s (%s)", strings.ToUpper(d.Family.String()), d.Family.Name()))
	printField(w, "Method", d.Method)
	if d.RuleID != 0 {
		printField(w, "Rule ID", strconv.Itoa(d.RuleID))
	}
	if d.Phase != 0 {
		printField(w, "Phase", strconv.Itoa(d.Phase))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, d.Text)
}

// renderDeployment displays a deployment result
func renderDeployment(w io.Writer, v deploymentView, quiet bool) {
	if v.Outcome.Success {
		successColor.Fprintf(w, "✓ %s exception deployed\n", strings.ToUpper(v.Directive.Family.String()))
	} else {
		errorColor.Fprintf(w, "✗ Deployment failed at stage %q\n", v.Outcome.Stage)
	}
	if quiet {
		return
	}
	fmt.Fprintln(w)
	renderDirective(w, v.Directive)
	fmt.Fprintln(w)
	printSection(w, "OUTCOME")
	printField(w, "Success", formatBool(v.Outcome.Success))
	printField(w, "Stage", v.Outcome.Stage)
	printField(w, "Timestamp", v.Outcome.Timestamp)
	if v.Outcome.Detail != "" {
		printField(w, "Detail", v.Outcome.Detail)
	}
}
