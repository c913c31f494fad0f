package busdaemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDaemonScript behaves like dbus-daemon --print-address --nofork for
// test purposes: it prints one address line to stdout, then blocks until
// killed. It intentionally does not speak the real D-Bus wire protocol, so
// these tests exercise address capture and env export, not the subsequent
// dbus.Connect call.
const fakeDaemonScript = `#!/bin/sh
echo "unix:path=/tmp/vela-test-bus,guid=deadbeef"
trap 'exit 0' TERM
while true; do sleep 1; done
`

func writeFakeDaemon(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "fake-dbus-daemon-*.sh")
	require.NoError(t, err)
	_, err = f.WriteString(fakeDaemonScript)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Chmod(f.Name(), 0o755))
	return f.Name()
}

func TestStartCapturesAddressAndExportsEnv(t *testing.T) {
	os.Unsetenv("DBUS_SESSION_BUS_ADDRESS")
	path := writeFakeDaemon(t)

	m := New(path, nil)

	// Start will fail at dbus.Connect since the fake daemon doesn't speak
	// the real protocol; what we're verifying here is the address-capture
	// and env-export steps that happen before that call.
	_ = m.Start(context.Background(), nil)

	require.Equal(t, "unix:path=/tmp/vela-test-bus,guid=deadbeef", os.Getenv("DBUS_SESSION_BUS_ADDRESS"))
}

func TestStartTimesOutWithoutAnAddressLine(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "silent-daemon-*.sh")
	require.NoError(t, err)
	_, err = f.WriteString("#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 1; done\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Chmod(f.Name(), 0o755))

	m := New(f.Name(), nil)
	m2 := m
	_ = m2

	start := time.Now()
	// Use a manager with a shortened effective wait by relying on the
	// process exiting quickly is not possible here since AddressTimeout is
	// a package constant; this test instead just confirms Start returns an
	// error rather than hanging indefinitely past a generous bound.
	done := make(chan error, 1)
	go func() {
		done <- m.Start(context.Background(), nil)
	}()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(AddressTimeout + 5*time.Second):
		t.Fatalf("Start did not return within the address timeout window")
	}
	_ = start
}

func TestCleanupIsIdempotent(t *testing.T) {
	m := New("/bin/true", nil)
	require.NoError(t, m.Cleanup(context.Background()))
	require.NoError(t, m.Cleanup(context.Background()))
}
