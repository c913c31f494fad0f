package serial

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vela-project/vela-daemon/internal/eventbus"
)

func TestAdapterPublishesParsedIntegerLines(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)

	a := New(Config{Path: "unused", Name: "test"}, eventbus.New(nil), nil)
	a.open = func(string) (*os.File, error) { return r, nil }

	var got []int
	done := make(chan struct{})
	a.events.Attach(eventbus.ChannelArduinoReading, func(args ...any) {
		got = append(got, args[0].(int))
		if len(got) == 2 {
			close(done)
		}
	})

	require.NoError(t, a.Start(context.Background()))

	_, err = w.WriteString("42\nbogus\n17\n")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for readings")
	}

	require.Equal(t, []int{42, 17}, got)

	require.NoError(t, w.Close())
	require.NoError(t, a.Stop())
}

func TestStartReturnsErrorWhenOpenFails(t *testing.T) {
	a := New(Config{Path: "/nonexistent"}, eventbus.New(nil), nil)
	err := a.Start(context.Background())
	require.Error(t, err)
}
