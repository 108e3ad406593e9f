package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warden/bootstrap"
	"warden/core"
	"warden/storage"
	"warden/waf"
)

// openState loads the alert log and case documents from the configured backend
func (o *options) openState(ctx context.Context) (*bootstrap.StorageComponents, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	_, sugar := o.logger()

	if err := bootstrap.EnsureDataDirectories(cfg, sugar); err != nil {
		return nil, nil, err
	}
	components, err := bootstrap.InitStorage(ctx, cfg, nil, sugar)
	if err != nil {
		return nil, nil, err
	}
	return components, func() { components.Close(sugar) }, nil
}

// alertSummary is one row of 'alerts list'
type alertSummary struct {
	AlertID  string           `json:"alert_id"`
	ClientIP string           `json:"client_ip"`
	Requests int              `json:"requests"`
	Status   core.AlertStatus `json:"status,omitempty"`
}

// newCasesCmd creates the 'cases' command group
func newCasesCmd(opts *options) *cobra.Command {
	casesCmd := &cobra.Command{
		Use:     "cases",
		Aliases: []string{"case"},
		Short:   "Inspect alert cases",
	}

	casesCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List open cases",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			state, cleanup, err := opts.openState(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			open := state.Cases.ListOpen()
			if open == nil {
				open = []core.OpenCase{}
			}
			return opts.render(cmd.OutOrStdout(), open, func(w io.Writer) {
				renderOpenCasesTable(w, open)
			})
		},
	})

	casesCmd.AddCommand(&cobra.Command{
		Use:   "show <ip>",
		Short: "Show every case recorded for a source IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ip := strings.TrimSpace(args[0])
			if err := waf.ValidateIP(ip); err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			state, cleanup, err := opts.openState(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			cases := state.Cases.Cases(ip)
			if len(cases) == 0 {
				return fmt.Errorf("no cases for %s: %w", ip, core.ErrNotFound)
			}
			return opts.render(cmd.OutOrStdout(), cases, func(w io.Writer) {
				renderCaseHistory(w, ip, cases)
			})
		},
	})

	return casesCmd
}

// newAlertsCmd creates the 'alerts' command group
func newAlertsCmd(opts *options) *cobra.Command {
	alertsCmd := &cobra.Command{
		Use:     "alerts",
		Aliases: []string{"alert"},
		Short:   "Inspect stored alert request logs",
	}

	alertsCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored alert logs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			state, cleanup, err := opts.openState(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			summaries := []alertSummary{}
			for _, id := range state.AlertLogs.IDs() {
				entry, ok := state.AlertLogs.Get(id)
				if !ok {
					continue
				}
				summaries = append(summaries, alertSummary{
					AlertID:  id,
					ClientIP: entry.ClientIP,
					Requests: len(entry.Requests),
					Status:   entry.Status,
				})
			}
			return opts.render(cmd.OutOrStdout(), summaries, func(w io.Writer) {
				renderAlertsTable(w, summaries)
			})
		},
	})

	alertsCmd.AddCommand(&cobra.Command{
		Use:   "show <alert-id>",
		Short: "Show the recorded requests of an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			state, cleanup, err := opts.openState(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			entry, ok := state.AlertLogs.Get(args[0])
			if !ok {
				return fmt.Errorf("alert %s: %w", args[0], core.ErrNotFound)
			}
			return opts.render(cmd.OutOrStdout(), entry, func(w io.Writer) {
				renderAlertDetails(w, args[0], entry)
			})
		},
	})

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored alert log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			state, cleanup, err := opts.openState(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			count := state.AlertLogs.Len()
			if !yes {
				fmt.Fprintf(cmd.OutOrStdout(), "Delete %d alert logs? [y/N]: ", count)
				var response string
				// empty input or EOF counts as "no"
				if _, err := fmt.Fscanln(cmd.InOrStdin(), &response); err != nil {
					fmt.Fprintln(cmd.OutOrStdout(), "\nCancelled")
					return nil
				}
				if r := strings.ToLower(response); r != "y" && r != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
					return nil
				}
			}

			if err := state.AlertLogs.Clear(ctx); err != nil {
				return fmt.Errorf("failed to clear alert logs: %w", err)
			}
			if !opts.quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Cleared %d alert logs\n", count)
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	alertsCmd.AddCommand(clearCmd)

	return alertsCmd
}

// newHistoryCmd creates the 'history' subcommand
func newHistoryCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent directive deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			records, err := storage.NewSQLiteDeploymentHistory(sqlite, sugar).List(ctx, limit)
			if err != nil {
				return err
			}
			if records == nil {
				records = []storage.DeploymentRecord{}
			}
			return opts.render(cmd.OutOrStdout(), records, func(w io.Writer) {
				renderHistoryTable(w, records)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of deployments to show (max 500)")

	return cmd
}

func closeQuietly(c io.Closer, sugar *zap.SugaredLogger) {
	if err := c.Close(); err != nil {
		sugar.Warnw("Close failed", "error", err)
	}
}

// renderOpenCasesTable displays open cases in a formatted table
func renderOpenCasesTable(w io.Writer, open []core.OpenCase) {
	if len(open) == 0 {
		warningColor.Fprintln(w, "No open cases")
		return
	}

	headerColor.Fprintln(w, "OPEN CASES")
	headerColor.Fprintln(w, strings.Repeat("=", 90))
	fmt.Fprintf(w, "%-40s %-24s %-8s %s\n", "IP", "Case ID", "Alerts", "Opened")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, oc := range open {
		caseID := oc.Case.CaseID
		if caseID == "" {
			caseID = "(pending)"
		}
		fmt.Fprintf(w, "%-40s %-24s %-8d %s\n",
			truncate(oc.IP, 40), truncate(caseID, 24), len(oc.Case.Alerts), formatTimeSince(oc.Case.CreatedAt))
	}
	fmt.Fprintln(w, strings.Repeat("=", 90))
}

// renderCaseHistory displays every case of one IP
func renderCaseHistory(w io.Writer, ip string, cases []core.Case) {
	printSection(w, "CASES FOR "+ip)
	for i, c := range cases {
		fmt.Fprintln(w)
		printField(w, "Case", strconv.Itoa(i+1))
		printField(w, "Case ID", c.CaseID)
		printField(w, "Status", string(c.Status))
		printField(w, "Created", formatTime(c.CreatedAt))
		if c.ClosedAt != nil {
			printField(w, "Closed", formatTime(*c.ClosedAt))
		}
		printField(w, "Alerts", strings.Join(c.Alerts, ", "))
	}
}

// renderAlertsTable displays alert summaries in a formatted table
func renderAlertsTable(w io.Writer, alerts []alertSummary) {
	if len(alerts) == 0 {
		warningColor.Fprintln(w, "No alert logs stored")
		return
	}

	headerColor.Fprintln(w, "ALERT LOGS")
	headerColor.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%-28s %-40s %-9s %s\n", "Alert ID", "Client IP", "Requests", "Status")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, a := range alerts {
		status := string(a.Status)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(w, "%-28s %-40s %-9d %s\n", truncate(a.AlertID, 28), truncate(a.ClientIP, 40), a.Requests, status)
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

// renderAlertDetails displays the recorded requests of one alert
func renderAlertDetails(w io.Writer, alertID string, entry core.AlertLogEntry) {
	printSection(w, "ALERT "+alertID)
	printField(w, "Client IP", entry.ClientIP)
	printField(w, "False positive", formatBool(entry.IsFalsePositive()))
	printField(w, "Requests", strconv.Itoa(len(entry.Requests)))

	for _, r := range entry.Requests {
		fmt.Fprintln(w)
		headerColor.Fprintf(w, "  #%d %s %s\n", r.RequestID, r.Method, r.URI)
		printField(w, "Rule IDs", strings.Join(r.RuleIDs, ", "))
		if r.Score != nil {
			printField(w, "Score", strconv.FormatFloat(*r.Score, 'f', -1, 64))
		}
		for _, d := range r.Data {
			printField(w, "Data", truncate(d, 120))
		}
	}
}

// renderHistoryTable displays deployment records in a formatted table
func renderHistoryTable(w io.Writer, records []storage.DeploymentRecord) {
	if len(records) == 0 {
		warningColor.Fprintln(w, "No deployments recorded")
		return
	}

	headerColor.Fprintln(w, "DEPLOYMENTS")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-20s %-7s %-9s %-16s %-14s %s\n", "Deployed", "Family", "Result", "Stage", "Requested By", "Directive")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, r := range records {
		result := "ok"
		if !r.Success {
			result = "failed"
		}
		directive := strings.ReplaceAll(r.Directive, "\n", " ")
		fmt.Fprintf(w, "%-20s %-7s %-9s %-16s %-14s %s\n",
			formatTime(r.DeployedAt), r.Family, result, truncate(r.Stage, 16), truncate(r.RequestedBy, 14), truncate(directive, 40))
	}
	fmt.Fprintln(w, strings.Repeat("=", 110))
}
