package service

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"warden/core"
	"warden/storage"
)

func TestRenderOpenCases(t *testing.T) {
	assert.Equal(t, ":ok_hand: No open cases.", RenderOpenCases(nil))

	text := RenderOpenCases([]core.OpenCase{
		{IP: "10.0.0.1", Case: core.Case{CaseID: "c1", Status: core.CaseStatusOpen, Alerts: []string{"a1", "a2", "a3", "a4", "a5", "a6"}}},
		{IP: "10.0.0.2", Case: core.Case{Status: core.CaseStatusOpen, Alerts: []string{}}},
	})
	assert.Contains(t, text, "• IP: `10.0.0.1`")
	assert.Contains(t, text, "├ Alerts: `6`")
	assert.NotContains(t, text, "`- a1`")
	assert.Contains(t, text, "`- a6`")
	assert.Contains(t, text, "Case ID: `(none)`")
}

func TestRenderFPResult(t *testing.T) {
	assert.Contains(t, RenderFPResult(FPResult{AlertID: "a1"}), "not in any open case")

	text := RenderFPResult(FPResult{AlertID: "a1", Detach: core.DetachResult{Detached: 2, AutoClosed: 1}})
	assert.Contains(t, text, "Removed from `2` open case(s)")
	assert.Contains(t, text, "Auto-closed `1` case(s)")
}

func TestRenderDeployment(t *testing.T) {
	d := Deployment{
		Directive: core.Directive{Family: core.FamilyGlobalRemoval, Text: "SecRuleRemoveById 1", Method: "PP4 (Global ID Removal)"},
		Outcome:   core.DeployOutcome{Success: true, Timestamp: "2025-03-01 12:00:00", Stage: "reloaded"},
	}
	text := RenderDeployment(d)
	assert.True(t, strings.HasPrefix(text, ":white_check_mark: *PP4 (Global ID Removal) applied successfully*"))
	assert.True(t, strings.HasSuffix(text, "```\nSecRuleRemoveById 1\n```"))
}

func TestRenderTopRequest(t *testing.T) {
	score := 15.0
	text := RenderTopRequest(2, core.Request{
		Method:  "POST",
		Score:   &score,
		URI:     "/login",
		Headers: []string{"Host: a", "User-Agent: b"},
		Tags:    []string{"attack-sqli"},
	})
	assert.Contains(t, text, "*Request #2*\n*Method:* `POST` | *Score:* `15`")
	assert.Contains(t, text, "*Headers:* `Host: a || User-Agent: b`")
	assert.NotContains(t, text, "Request Body")
}

func TestRenderHistory(t *testing.T) {
	assert.Contains(t, RenderHistory(nil), "No deployments")
	text := RenderHistory([]storage.DeploymentRecord{{
		Family:      "pp1",
		Method:      "PP1 (Target Specific)",
		RuleID:      100001,
		Success:     false,
		RequestedBy: "alice",
		DeployedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}})
	assert.Contains(t, text, ":x: `2025-03-01 12:00:00` PP1 PP1 (Target Specific) id `100001` by alice")
}

func TestRenderError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{core.NewCommandError(core.ErrInvalidEnum, "o", "like", "invalid operator: `like`"), ":x: invalid operator: `like`"},
		{fmt.Errorf("%w: alert x", core.ErrNotFound), ":x: Not found: alert x"},
		{fmt.Errorf("%w: case id", ErrEmptyArgument), ":warning: Missing argument: case id"},
		{fmt.Errorf("%w: close_case: 502", core.ErrBackendUnavailable), ":warning: Case backend error:\n`case backend unavailable: close_case: 502`"},
		{errors.New("boom"), ":x: boom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RenderError(tt.err))
	}
}
