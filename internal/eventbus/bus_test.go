package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishInvokesAllHandlersInOrder(t *testing.T) {
	b := New(nil)
	var order []int
	var mu sync.Mutex

	for i := 0; i < 3; i++ {
		i := i
		b.Attach("x", func(args ...any) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	b.Publish("x")

	require.Equal(t, []int{0, 1, 2}, order)
}

func TestPublishPassesArgs(t *testing.T) {
	b := New(nil)
	var gotRaw float64
	var gotAGD float64

	b.Attach("agd_output", func(args ...any) {
		gotRaw = args[0].(float64)
		gotAGD = args[1].(float64)
	})

	b.PublishReading(1.5, 2.0)

	assert.Equal(t, 1.5, gotRaw)
	assert.Equal(t, 2.0, gotAGD)
}

func TestPublishIsolatesHandlerPanic(t *testing.T) {
	b := New(nil)
	var secondRan atomic.Bool

	b.Attach("x", func(args ...any) {
		panic("boom")
	})
	b.Attach("x", func(args ...any) {
		secondRan.Store(true)
	})

	require.NotPanics(t, func() {
		b.Publish("x")
	})
	assert.True(t, secondRan.Load())
}

func TestDisableLogOnFailureSuppressesLogger(t *testing.T) {
	b := New(nil)
	b.DisableLogOnFailure("log_message")

	b.Attach("log_message", func(args ...any) {
		panic("handler for the log channel failed")
	})

	require.NotPanics(t, func() {
		b.Publish("log_message", "ns", "INFO", "text")
	})
}

func TestDetachRemovesHandler(t *testing.T) {
	b := New(nil)
	var calls int
	h := func(args ...any) { calls++ }

	b.Attach("x", h)
	require.Equal(t, 1, b.SubscriberCount("x"))

	b.Detach("x", h)
	assert.Equal(t, 0, b.SubscriberCount("x"))

	b.Publish("x")
	assert.Equal(t, 0, calls)
}

func TestDetachUnknownHandlerIsSilent(t *testing.T) {
	b := New(nil)
	require.NotPanics(t, func() {
		b.Detach("x", func(args ...any) {})
	})
}

func TestHandlerMayPublishDuringPublish(t *testing.T) {
	b := New(nil)
	var inner bool

	b.Attach("inner", func(args ...any) { inner = true })
	b.Attach("outer", func(args ...any) {
		b.Publish("inner")
	})

	b.Publish("outer")

	assert.True(t, inner)
}
