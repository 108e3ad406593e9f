package service

import (
	"context"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
)

// Disposition is what the intake did with a chat message
type Disposition string

const (
	DispositionQueued     Disposition = "queued"
	DispositionOwnMessage Disposition = "own_message"
	DispositionDuplicate  Disposition = "duplicate"
	DispositionNotAlert   Disposition = "not_alert"
	DispositionUnparsable Disposition = "unparsable"
	DispositionDropped    Disposition = "dropped"
)

// ChatMessage is a message event delivered by the chat platform
type ChatMessage struct {
	User    string
	Channel string
	TS      string
	Text    string
}

// IntakeConfig configures alert intake
type IntakeConfig struct {
	// BotUserID is the user ID of this service's bot; its own messages are ignored
	BotUserID string
	Keywords  []string
}

// AlertIntake filters chat messages down to alert notifications and
// queues their ingestion. Accept never blocks on I/O so the events
// endpoint can answer the platform within its retry deadline.
type AlertIntake struct {
	cases   *CaseService
	tasks   TaskSubmitter
	deduper *core.EventDeduper
	cfg     IntakeConfig
	logger  *zap.SugaredLogger
}

// NewAlertIntake creates an intake
func NewAlertIntake(cases *CaseService, tasks TaskSubmitter, deduper *core.EventDeduper, cfg IntakeConfig, logger *zap.SugaredLogger) *AlertIntake {
	if cases == nil {
		panic("cases is required")
	}
	if tasks == nil {
		panic("tasks is required")
	}
	if deduper == nil {
		panic("deduper is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = DefaultAlertKeywords
	}
	return &AlertIntake{cases: cases, tasks: tasks, deduper: deduper, cfg: cfg, logger: logger}
}

// Accept inspects one message and queues ingestion when it is a new alert
func (in *AlertIntake) Accept(msg ChatMessage) Disposition {
	d := in.accept(msg)
	metrics.ChatEventsReceived.WithLabelValues(string(d)).Inc()
	return d
}

func (in *AlertIntake) accept(msg ChatMessage) Disposition {
	if in.cfg.BotUserID != "" && msg.User == in.cfg.BotUserID {
		return DispositionOwnMessage
	}
	if !IsAlertMessage(msg.Text, in.cfg.Keywords) {
		return DispositionNotAlert
	}
	if !in.deduper.FirstSeen(msg.Channel + ":" + msg.TS) {
		return DispositionDuplicate
	}

	parsed, ok := ParseAlertMessage(msg.Text)
	if !ok {
		in.logger.Debugw("Alert notification without alert id or client ip", "channel", msg.Channel, "ts", msg.TS)
		return DispositionUnparsable
	}

	ev := AlertEvent{
		AlertID:  parsed.AlertID,
		ClientIP: parsed.ClientIP,
		Channel:  msg.Channel,
		ThreadTS: msg.TS,
	}
	err := in.tasks.Submit(core.Task{
		Name: "ingest-alert",
		Run: func(ctx context.Context) (string, error) {
			_, err := in.cases.IngestAlert(ctx, ev)
			return "", err
		},
	})
	if err != nil {
		in.logger.Warnw("Failed to queue alert ingestion", "alert_id", ev.AlertID, "error", err)
		return DispositionDropped
	}
	return DispositionQueued
}
