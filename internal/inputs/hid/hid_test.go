package hid

import (
	"context"
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vela-project/vela-daemon/internal/eventbus"
)

func writeSample(t *testing.T, f *os.File, v int32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	_, err := f.Write(buf[:])
	require.NoError(t, err)
}

func TestAdapterSamplesScaledAndOffsetValue(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/device"
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer w.Close()

	a := New(Config{Path: path, Scale: 2, Offset: 1, SampleInterval: 5 * time.Millisecond}, eventbus.New(nil), nil)

	got := make(chan float64, 8)
	a.events.Attach(eventbus.ChannelHID, func(args ...any) {
		select {
		case got <- args[0].(float64):
		default:
		}
	})

	writeSample(t, w, 10)

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	select {
	case v := <-got:
		require.InDelta(t, 21.0, v, 0.001)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a sample")
	}
}

func TestStartFailsWhenDeviceAlreadyGrabbed(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/device"
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	a1 := New(Config{Path: path, SampleInterval: time.Hour}, eventbus.New(nil), nil)
	require.NoError(t, a1.Start(context.Background()))
	defer a1.Stop()

	a2 := New(Config{Path: path, SampleInterval: time.Hour}, eventbus.New(nil), nil)
	err := a2.Start(context.Background())
	require.Error(t, err)
}
