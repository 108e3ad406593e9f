package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"warden/core"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   map[string][][]byte
	err    error
	closed bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.msgs == nil {
		f.msgs = map[string][][]byte{}
	}
	f.msgs[subject] = append(f.msgs[subject], data)
	return nil
}

func (f *fakeConn) Close() { f.closed = true }

func TestNATSPublisher_Publish(t *testing.T) {
	fc := &fakeConn{}
	p := newNATSPublisher(fc, "waf.", zap.NewNop().Sugar())

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p.Publish(context.Background(), core.CaseEvent{Type: core.CaseEventOpened, IP: "10.0.0.1", CaseID: "c1", Occurred: at})
	p.Publish(context.Background(), core.CaseEvent{Type: core.CaseEventAlertMarked, AlertID: "a1"})

	require.Len(t, fc.msgs["waf.case.opened"], 1)
	var got core.CaseEvent
	require.NoError(t, json.Unmarshal(fc.msgs["waf.case.opened"][0], &got))
	assert.Equal(t, "c1", got.CaseID)
	assert.True(t, got.Occurred.Equal(at))

	require.Len(t, fc.msgs["waf.alert.fp"], 1)
	require.NoError(t, json.Unmarshal(fc.msgs["waf.alert.fp"][0], &got))
	assert.False(t, got.Occurred.IsZero())

	p.Close()
	assert.True(t, fc.closed)
}

func TestNATSPublisher_FailuresAreSwallowed(t *testing.T) {
	fc := &fakeConn{err: errors.New("nats: connection closed")}
	p := newNATSPublisher(fc, "", zap.NewNop().Sugar())
	assert.Equal(t, "warden.case.closed", p.Subject(core.CaseEventClosed))

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), core.CaseEvent{Type: core.CaseEventClosed})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fc.err = nil
	p.Publish(ctx, core.CaseEvent{Type: core.CaseEventClosed})
	assert.Empty(t, fc.msgs)
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	p.Publish(context.Background(), core.CaseEvent{Type: core.CaseEventOpened})
	p.Close()
}
