package listener

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnorrsken/pgcache/internal/localcache"
	"github.com/mnorrsken/pgcache/internal/pgstore"
	"github.com/mnorrsken/pgcache/internal/schema"
)

func TestFullJitter_WithinBounds(t *testing.T) {
	backoff := 2 * time.Second
	for i := 0; i < 200; i++ {
		got := fullJitter(backoff)
		assert.GreaterOrEqual(t, got, time.Duration(0))
		assert.Less(t, got, backoff)
	}
}

func TestFullJitter_ZeroBackoffIsZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), fullJitter(0))
}

func newTestListener(t *testing.T) (*Listener, *localcache.Cache) {
	t.Helper()
	names, err := schema.Resolve("", "")
	require.NoError(t, err)
	local := localcache.New(10)
	l := New("postgres://unused/", names, local, false)
	return l, local
}

func TestHandle_DropsKey(t *testing.T) {
	l, local := newTestListener(t)
	local.Put("a", "v", time.Now().Add(time.Minute))

	l.handle(`{"key":"a","op":"set","origin":"other"}`)

	_, ok := local.Peek("a")
	assert.False(t, ok)
}

func TestHandle_DropsRegardlessOfOrigin(t *testing.T) {
	l, local := newTestListener(t)
	local.Put("a", "v", time.Now().Add(time.Minute))

	l.handle(`{"key":"a","op":"invalidate","origin":"self"}`)

	_, ok := local.Peek("a")
	assert.False(t, ok, "a self-originated event still drops the local entry")
}

func TestHandle_InvokesNotificationHook(t *testing.T) {
	l, _ := newTestListener(t)

	var received pgstore.Event
	l.OnNotification(func(e pgstore.Event) { received = e })

	l.handle(`{"key":"k","op":"set","origin":"p1"}`)

	assert.Equal(t, "k", received.Key)
	assert.Equal(t, "set", received.Op)
	assert.Equal(t, "p1", received.Origin)
}

func TestHandle_MalformedPayloadInvokesDecodeErrorHook(t *testing.T) {
	l, _ := newTestListener(t)

	var gotErr error
	l.OnDecodeError(func(err error) { gotErr = err })

	l.handle(`not json`)

	assert.Error(t, gotErr)
}
