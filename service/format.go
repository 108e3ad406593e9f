package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"warden/compiler"
	"warden/core"
	"warden/storage"
	"warden/waf"
)

// openCaseAlertsShown is how many alert IDs the open case report lists per case
const openCaseAlertsShown = 5

// maxReportText keeps a request report under the chat message size limit
const maxReportText = 39000

// RenderUsage returns the usage reply of an exception family
func RenderUsage(family core.Family) string {
	return fmt.Sprintf(":information_source: Usage:\n`%s`", compiler.Usage(family))
}

// RenderDeployment renders a deployment result with the directive in a code block
func RenderDeployment(d Deployment) string {
	method := d.Directive.Method
	if method == "" {
		method = strings.ToUpper(d.Directive.Family.String())
	}

	var b strings.Builder
	if d.Outcome.Success {
		fmt.Fprintf(&b, ":white_check_mark: *%s applied successfully*\n", method)
		fmt.Fprintf(&b, "- Time: `%s`\n", d.Outcome.Timestamp)
		fmt.Fprintf(&b, "- Reload: `%s`\n", d.Outcome.Stage)
	} else {
		fmt.Fprintf(&b, ":warning: *%s apply FAILED*\n", method)
		fmt.Fprintf(&b, "- Time: `%s`\n", d.Outcome.Timestamp)
		fmt.Fprintf(&b, "- Stage: `%s`\n", d.Outcome.Stage)
		if detail := strings.TrimSpace(d.Outcome.Detail); detail != "" {
			fmt.Fprintf(&b, "```\n%s\n```\n", detail)
		}
	}
	fmt.Fprintf(&b, "```\n%s\n```", d.Directive.Text)
	return b.String()
}

// RenderOpenCases lists open cases with their most recent alerts
func RenderOpenCases(cases []core.OpenCase) string {
	if len(cases) == 0 {
		return ":ok_hand: No open cases."
	}

	lines := []string{":clipboard: *OPEN CASES:*"}
	for _, oc := range cases {
		caseID := oc.Case.CaseID
		if caseID == "" {
			caseID = "(none)"
		}
		lines = append(lines,
			"",
			fmt.Sprintf("• IP: `%s`", oc.IP),
			fmt.Sprintf("  ├ Case ID: `%s`", caseID),
			fmt.Sprintf("  ├ Status: `%s`", oc.Case.Status),
			fmt.Sprintf("  ├ Alerts: `%d`", len(oc.Case.Alerts)),
		)
		if recent := oc.Case.LastAlerts(openCaseAlertsShown); len(recent) > 0 {
			lines = append(lines, "    :small_blue_diamond: Alert IDs:")
			for _, id := range recent {
				lines = append(lines, fmt.Sprintf("       `- %s`", id))
			}
		}
	}
	return strings.Join(lines, "\n")
}

// RenderFPResult reports a false-positive reclassification
func RenderFPResult(res FPResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":large_yellow_circle: `%s` marked as *FP*.\n", res.AlertID)
	if res.Detach.Detached == 0 {
		b.WriteString(":information_source: Alert was not in any open case.")
		return b.String()
	}
	fmt.Fprintf(&b, ":broom: Removed from `%d` open case(s).", res.Detach.Detached)
	if res.Detach.AutoClosed > 0 {
		fmt.Fprintf(&b, "\n:lock: Auto-closed `%d` case(s) left without alerts.", res.Detach.AutoClosed)
	}
	return b.String()
}

// RenderCloseResult reports a manual case close
func RenderCloseResult(res CloseResult) string {
	if res.AlreadyClosed {
		return fmt.Sprintf(":information_source: Case `%s` for IP `%s` is already closed.", res.Case.CaseID, res.IP)
	}
	return fmt.Sprintf(":heavy_check_mark: Case `%s` for IP `%s` closed.", res.Case.CaseID, res.IP)
}

// RenderTopRequest renders one request posted to an alert thread
func RenderTopRequest(idx int, r core.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Request #%d*\n", idx)
	if r.Method != "" {
		fmt.Fprintf(&b, "*Method:* `%s`", r.Method)
	}
	if r.Score != nil {
		fmt.Fprintf(&b, " | *Score:* `%s`", strconv.FormatFloat(*r.Score, 'f', -1, 64))
	}
	if r.URI != "" {
		fmt.Fprintf(&b, "\n*URI:* `%s`", r.URI)
	}
	if r.PayloadLocation != "" {
		fmt.Fprintf(&b, "\n*Payload Location:* `%s`", r.PayloadLocation)
	}
	if r.PayloadDecoded != "" {
		fmt.Fprintf(&b, "\n*Payload Decoded:* `%s`", r.PayloadDecoded)
	}
	if len(r.Tags) > 0 {
		fmt.Fprintf(&b, "\n*Tags:* `%s`", strings.Join(r.Tags, ", "))
	}
	if len(r.Headers) > 0 {
		fmt.Fprintf(&b, "\n*Headers:* `%s`", strings.Join(r.Headers, " || "))
	}
	if r.Body != "" {
		fmt.Fprintf(&b, "\n*Request Body:* `%s`", r.Body)
	}
	return "```\n" + b.String() + "\n```"
}

// RenderSuggestions renders a classifier report
func RenderSuggestions(report SuggestionReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":robot_face: *Exception suggestions for alert* `%s`\n", report.AlertID)
	if len(report.Suggestions) == 0 {
		b.WriteString("No false-positive pattern found.")
	}
	for _, sg := range report.Suggestions {
		fmt.Fprintf(&b, "\n*#%d* %s requests %s", sg.Index, strings.ToUpper(sg.Family.String()), sg.Requests)
		if sg.Confidence != "" {
			fmt.Fprintf(&b, " (confidence: %s)", sg.Confidence)
		}
		fmt.Fprintf(&b, "\n```%s```", sg.Command)
		if sg.Err != nil {
			fmt.Fprintf(&b, "\n:warning: needs editing before use: %s", sg.Err)
		}
	}
	if report.NonFPRequests > 0 {
		fmt.Fprintf(&b, "\n\n:rotating_light: %d request(s) look like real attacks.", report.NonFPRequests)
	}
	return b.String()
}

// RenderCleanup renders a classifier report followed by what happened to
// the alert's log
func RenderCleanup(report CleanupReport) string {
	var b strings.Builder
	b.WriteString(RenderSuggestions(report.SuggestionReport))
	b.WriteString("\n\n")
	switch {
	case !report.Pruned:
		b.WriteString(":information_source: No request was judged, the alert log was left unchanged.")
	case report.Removed:
		fmt.Fprintf(&b, ":wastebasket: No false-positive request left, alert `%s` was removed from the alert logs.", report.AlertID)
	default:
		fmt.Fprintf(&b, ":broom: Alert log of `%s` now keeps %d false-positive request(s), %d dropped.",
			report.AlertID, report.Kept, report.Dropped)
	}
	return b.String()
}

// RenderRequestReport renders the top requests of an IP. Requests that
// would push the message past the chat size limit are counted, not shown.
func RenderRequestReport(ip string, reqs []core.Request) string {
	if len(reqs) == 0 {
		return fmt.Sprintf(":warning: No requests found for IP `%s` in the search window.", ip)
	}
	var b strings.Builder
	fmt.Fprintf(&b, ":mag: *Top %d request(s) for IP* `%s`", len(reqs), ip)
	for i, r := range reqs {
		block := RenderTopRequest(i+1, r)
		if b.Len()+len(block)+1 > maxReportText {
			fmt.Fprintf(&b, "\n_...%d more not shown_", len(reqs)-i)
			break
		}
		b.WriteString("\n")
		b.WriteString(block)
	}
	return b.String()
}

// RenderListOutcome reports an IP list add or remove
func RenderListOutcome(kind waf.ListKind, ip string, added bool, outcome waf.ListOutcome) string {
	switch outcome {
	case waf.ListAlreadyPresent:
		return fmt.Sprintf(":information_source: `%s` is already in the %s.", ip, kind)
	case waf.ListNotFound:
		return fmt.Sprintf(":information_source: `%s` is not in the %s.", ip, kind)
	}
	if added {
		return fmt.Sprintf(":white_check_mark: Added `%s` to the %s.", ip, kind)
	}
	return fmt.Sprintf(":wastebasket: Removed `%s` from the %s.", ip, kind)
}

// RenderIPList renders the content of an IP list
func RenderIPList(list waf.IPList) string {
	if len(list.IPs) == 0 {
		return fmt.Sprintf(":page_facing_up: The %s is empty.", list.Kind)
	}
	var b strings.Builder
	fmt.Fprintf(&b, ":page_facing_up: *%s* (%d)\n```\n", list.Kind, list.Total)
	b.WriteString(strings.Join(list.IPs, "\n"))
	b.WriteString("\n```")
	return b.String()
}

// RenderHistory renders recent deployments
func RenderHistory(records []storage.DeploymentRecord) string {
	if len(records) == 0 {
		return ":open_file_folder: No deployments recorded."
	}
	lines := []string{":scroll: *Recent exception deployments:*"}
	for _, r := range records {
		status := ":white_check_mark:"
		if !r.Success {
			status = ":x:"
		}
		line := fmt.Sprintf("%s `%s` %s %s", status, r.DeployedAt.Format(core.DeployTimestampLayout), strings.ToUpper(r.Family), r.Method)
		if r.RuleID != 0 {
			line += fmt.Sprintf(" id `%d`", r.RuleID)
		}
		if r.RequestedBy != "" {
			line += " by " + r.RequestedBy
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// RenderTaskFailure reports a background task that could not finish
func RenderTaskFailure(what string, err error) string {
	return fmt.Sprintf(":x: %s failed: %s", what, err)
}

// RenderError turns a flow error into an operator reply
func RenderError(err error) string {
	var deployErr *core.DeploymentError
	switch {
	case IsCommandError(err):
		return ":x: " + err.Error()
	case errors.Is(err, ErrEmptyArgument):
		return ":warning: Missing argument: " + strings.TrimPrefix(err.Error(), ErrEmptyArgument.Error()+": ")
	case errors.Is(err, core.ErrNotFound):
		return ":x: Not found: " + strings.TrimPrefix(err.Error(), core.ErrNotFound.Error()+": ")
	case errors.Is(err, waf.ErrInvalidIP):
		return ":x: " + err.Error()
	case errors.Is(err, core.ErrBackendUnavailable):
		return ":warning: Case backend error:\n`" + err.Error() + "`"
	case errors.As(err, &deployErr):
		return ":warning: " + deployErr.Error()
	default:
		return ":x: " + err.Error()
	}
}
