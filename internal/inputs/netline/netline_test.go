package netline

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vela-project/vela-daemon/internal/eventbus"
)

type levelSource struct {
	level  int
	source string
}

func TestAdapterPublishesParsedLevelsAndDropsGarbage(t *testing.T) {
	events := eventbus.New(nil)
	a := New(Config{Addr: "127.0.0.1:0"}, events, nil)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	got := make(chan levelSource, 4)
	events.Attach(eventbus.ChannelChangePlayLevel, func(args ...any) {
		got <- levelSource{args[0].(int), args[1].(string)}
	})

	addr := a.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("2\r\nbogus\r\n-1\r\n7\r\n"))
	require.NoError(t, err)

	first := waitOne(t, got)
	require.Equal(t, 2, first.level)
	require.Equal(t, "network", first.source)

	second := waitOne(t, got)
	require.Equal(t, 7, second.level)
}

func waitOne(t *testing.T, ch chan levelSource) levelSource {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a publication")
	}
	panic("unreachable")
}
