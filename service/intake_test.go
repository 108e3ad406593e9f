package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"warden/core"
)

const alertText = "*ModSecurity Alert Triggered*\n*Alert ID:* `9f86d081`\n*Client IP:* `203.0.113.7`\n*Rule:* 942100"

func newIntake(t *testing.T, pool *inlinePool) (*AlertIntake, *caseFixture) {
	t.Helper()
	f := newCaseFixture(t)
	deduper, err := core.NewEventDeduper(16)
	require.NoError(t, err)
	in := NewAlertIntake(f.svc, pool, deduper, IntakeConfig{BotUserID: "UBOT"}, zap.NewNop().Sugar())
	return in, f
}

func TestAlertIntake_Accept(t *testing.T) {
	pool := &inlinePool{}
	in, f := newIntake(t, pool)

	msg := ChatMessage{User: "UALERTER", Channel: "C1", TS: "1700000000.0001", Text: alertText}
	assert.Equal(t, DispositionQueued, in.Accept(msg))

	c, ok := f.cases.GetOpenCase("203.0.113.7")
	require.True(t, ok)
	assert.Equal(t, []string{"9f86d081"}, c.Alerts)

	// platform retry of the same event
	assert.Equal(t, DispositionDuplicate, in.Accept(msg))
	assert.Equal(t, []string{"ingest-alert"}, pool.names)
}

func TestAlertIntake_Filters(t *testing.T) {
	pool := &inlinePool{}
	in, _ := newIntake(t, pool)

	tests := []struct {
		name string
		msg  ChatMessage
		want Disposition
	}{
		{"own message", ChatMessage{User: "UBOT", TS: "1", Text: alertText}, DispositionOwnMessage},
		{"chatter", ChatMessage{User: "U1", TS: "2", Text: "lunch?"}, DispositionNotAlert},
		{"no alert id", ChatMessage{User: "U1", TS: "3", Text: "threshold_result for 10.0.0.1"}, DispositionUnparsable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, in.Accept(tt.msg))
		})
	}
	assert.Empty(t, pool.names)
}

func TestAlertIntake_QueueFull(t *testing.T) {
	pool := &inlinePool{err: core.ErrWorkerPoolQueueFull}
	in, f := newIntake(t, pool)

	assert.Equal(t, DispositionDropped, in.Accept(ChatMessage{Channel: "C1", TS: "9", Text: alertText}))
	assert.Empty(t, f.cases.ListOpen())
}
