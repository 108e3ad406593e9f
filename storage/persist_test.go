package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memPersister is an in-memory Persister that can be told to fail
type memPersister struct {
	mu    sync.Mutex
	data  []byte
	fail  error
	saves int
}

func (m *memPersister) Load(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, nil
}

func (m *memPersister) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

func (m *memPersister) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func TestFilePersister_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	p, err := NewFilePersister(path)
	require.NoError(t, err)
	ctx := context.Background()

	data, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, p.Save(ctx, []byte(`{"a":1}`)))
	require.NoError(t, p.Save(ctx, []byte(`{"a":2}`)))

	data, err = p.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(data))

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFilePersister_EmptyPath(t *testing.T) {
	_, err := NewFilePersister("")
	assert.Error(t, err)
}

func TestRedisPersister_RoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := NewRedisClient(mr.Addr(), "", 0, 2)
	defer client.Close()
	p := NewRedisPersister(client, "warden:cases")
	ctx := context.Background()

	data, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, p.Save(ctx, []byte(`{"10.0.0.1":[]}`)))
	data, err = p.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"10.0.0.1":[]}`, string(data))

	got, err := mr.Get("warden:cases")
	require.NoError(t, err)
	assert.Equal(t, `{"10.0.0.1":[]}`, got)
}

func TestRedisPersister_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := NewRedisClient(mr.Addr(), "", 0, 1)
	defer client.Close()
	mr.Close()

	p := NewRedisPersister(client, "k")
	err = p.Save(context.Background(), []byte("{}"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
