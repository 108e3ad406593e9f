package api

import (
	"encoding/json"
	"io"
	"net/http"

	"warden/service"
)

// eventEnvelope is the outer payload of the chat events endpoint
type eventEnvelope struct {
	Type      string       `json:"type"`
	Challenge string       `json:"challenge"`
	EventID   string       `json:"event_id"`
	Event     messageEvent `json:"event"`
}

type messageEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	User    string `json:"user"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
}

// handleEvent answers the URL verification handshake and hands message
// events to the intake. It always acknowledges quickly; ingestion runs in
// the background.
func (a *API) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read event body", err, a.logger)
		return
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event payload", err, a.logger)
		return
	}

	switch env.Type {
	case "url_verification":
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge}, a.logger)
		return
	case "event_callback":
		if env.Event.Type == "message" && !ignoredSubtype(env.Event.Subtype) {
			d := a.services.Intake.Accept(service.ChatMessage{
				User:    env.Event.User,
				Channel: env.Event.Channel,
				TS:      env.Event.TS,
				Text:    env.Event.Text,
			})
			a.logger.Debugw("Chat message handled",
				"event_id", env.EventID,
				"channel", env.Event.Channel,
				"disposition", d)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true}, a.logger)
}

// ignoredSubtype reports message subtypes that never carry a new alert
func ignoredSubtype(subtype string) bool {
	switch subtype {
	case "message_changed", "message_deleted", "message_replied", "channel_join", "channel_leave":
		return true
	}
	return false
}
