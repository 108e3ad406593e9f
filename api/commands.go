package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"warden/core"
	"warden/metrics"
	"warden/notify"
	"warden/service"
)

// commandTimeout bounds the synchronous part of a slash command
const commandTimeout = 15 * time.Second

// slashCommand is the form payload of a slash command
type slashCommand struct {
	Command     string `validate:"required,startswith=/,max=64"`
	Text        string `validate:"max=4000"`
	ResponseURL string `validate:"omitempty,url"`
	UserID      string `validate:"max=64"`
	UserName    string `validate:"max=128"`
	ChannelID   string `validate:"max=64"`
}

// handleCommand dispatches a slash command. The reply is always HTTP 200
// with a chat message body; operator errors are ephemeral.
func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form body", err, a.logger)
		return
	}
	cmd := slashCommand{
		Command:     strings.ToLower(strings.TrimSpace(r.PostForm.Get("command"))),
		Text:        strings.TrimSpace(r.PostForm.Get("text")),
		ResponseURL: r.PostForm.Get("response_url"),
		UserID:      r.PostForm.Get("user_id"),
		UserName:    r.PostForm.Get("user_name"),
		ChannelID:   r.PostForm.Get("channel_id"),
	}
	if err := a.validate.Struct(cmd); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid slash command payload", err, a.logger)
		return
	}

	if len(a.cfg.AllowedChannels) > 0 && !slices.Contains(a.cfg.AllowedChannels, cmd.ChannelID) {
		writeJSON(w, http.StatusOK, ephemeral(fmt.Sprintf(":no_entry: `%s` is not available in this channel.", cmd.Command)), a.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	metrics.SlashCommands.WithLabelValues(cmd.Command).Inc()
	writeJSON(w, http.StatusOK, a.dispatch(ctx, cmd), a.logger)
}

func (a *API) dispatch(ctx context.Context, cmd slashCommand) notify.Message {
	requestedBy := cmd.UserName
	if requestedBy == "" {
		requestedBy = cmd.UserID
	}

	switch cmd.Command {
	case "/exception-pp1", "/exception-pp2", "/exception-pp3", "/exception-pp4", "/exception-pp5":
		family, err := core.ParseFamily(cmd.Command)
		if err != nil {
			return ephemeral(service.RenderError(err))
		}
		if cmd.Text == "" {
			return ephemeral(service.RenderUsage(family))
		}
		return a.reply(a.services.Exceptions.Submit(ctx, service.ExceptionRequest{
			Family:      family,
			Text:        cmd.Text,
			ResponseURL: cmd.ResponseURL,
			RequestedBy: requestedBy,
		}))

	case "/mark-fp":
		if cmd.Text == "" {
			return ephemeral(":warning: Usage: `/mark-fp <alert_id>`")
		}
		res, err := a.services.Cases.MarkFalsePositive(ctx, cmd.Text)
		if err != nil {
			return ephemeral(service.RenderError(err))
		}
		return inChannel(service.RenderFPResult(res))

	case "/close-case":
		if cmd.Text == "" {
			return ephemeral(":warning: Usage: `/close-case <case_id>`")
		}
		res, err := a.services.Cases.CloseCase(ctx, cmd.Text)
		if err != nil {
			return ephemeral(service.RenderError(err))
		}
		return inChannel(service.RenderCloseResult(res))

	case "/list-not-confirm":
		return inChannel(service.RenderOpenCases(a.services.Cases.ListOpen()))

	case "/clear-alert-logs":
		n, err := a.services.Cases.ClearAlertLogs(ctx)
		if err != nil {
			return ephemeral(service.RenderError(err))
		}
		return inChannel(fmt.Sprintf(":fire: *Cleared all alert logs* (%d entries).", n))

	case "/ai-exception":
		if a.services.Suggestions == nil {
			return ephemeral(":no_entry: The classifier is not configured.")
		}
		if cmd.Text == "" {
			return ephemeral(":warning: Usage: `/ai-exception <alert_id>`")
		}
		return a.reply(a.services.Suggestions.Submit(ctx, cmd.Text, cmd.ResponseURL))

	case "/report-ai":
		if a.services.Suggestions == nil {
			return ephemeral(":no_entry: The classifier is not configured.")
		}
		if cmd.Text == "" {
			return ephemeral(":warning: Usage: `/report-AI <alert_id>`")
		}
		return a.reply(a.services.Suggestions.SubmitCleanup(ctx, cmd.Text, cmd.ResponseURL))

	case "/report-no-ai":
		if a.services.Reports == nil {
			return ephemeral(":no_entry: The request log source is not configured.")
		}
		if cmd.Text == "" {
			return ephemeral(":warning: Usage: `/report-no-AI <ip>`")
		}
		return a.reply(a.services.Reports.Submit(ctx, cmd.Text, cmd.ResponseURL))

	case "/allow", "/allow-ip", "/deny", "/deny-ip", "/delete", "/delete-ip", "/list", "/list-ip":
		return a.ipListCommand(ctx, cmd)

	case "/list-exceptions":
		records, err := a.services.Exceptions.History(ctx, a.cfg.HistoryLimit)
		if err != nil {
			a.logger.Warnw("Failed to list deployments", "error", err)
			return ephemeral(service.RenderError(err))
		}
		return inChannel(service.RenderHistory(records))
	}

	return ephemeral(fmt.Sprintf(":question: Unknown command `%s`.", cmd.Command))
}

func (a *API) ipListCommand(ctx context.Context, cmd slashCommand) notify.Message {
	if a.services.IPLists == nil {
		return ephemeral(":no_entry: The WAF IP list API is not configured.")
	}

	var (
		text string
		err  error
	)
	switch strings.TrimSuffix(cmd.Command, "-ip") {
	case "/allow":
		text, err = a.services.IPLists.Allow(ctx, cmd.Text)
	case "/deny":
		text, err = a.services.IPLists.Deny(ctx, cmd.Text)
	case "/delete":
		text, err = a.services.IPLists.Delete(ctx, cmd.Text)
	default:
		text, err = a.services.IPLists.List(ctx, cmd.Text)
	}
	if errors.Is(err, service.ErrEmptyArgument) {
		return ephemeral(ipListUsage(cmd.Command))
	}
	if err != nil {
		return ephemeral(service.RenderError(err))
	}
	return inChannel(text)
}

func ipListUsage(command string) string {
	switch strings.TrimSuffix(command, "-ip") {
	case "/allow", "/deny":
		return fmt.Sprintf(":warning: Usage: `%s <ip>`", command)
	case "/delete":
		return fmt.Sprintf(":warning: Usage: `%s <whitelist|blacklist> <ip>`", command)
	default:
		return fmt.Sprintf(":warning: Usage: `%s <whitelist|blacklist>`", command)
	}
}

// reply wraps a flow's immediate answer
func (a *API) reply(text string, err error) notify.Message {
	if err != nil {
		if !service.IsCommandError(err) {
			a.logger.Warnw("Command failed", "error", err)
		}
		return ephemeral(service.RenderError(err))
	}
	return inChannel(text)
}

func inChannel(text string) notify.Message {
	return notify.Message{ResponseType: notify.InChannel, Text: text}
}

func ephemeral(text string) notify.Message {
	return notify.Message{ResponseType: notify.Ephemeral, Text: text}
}
