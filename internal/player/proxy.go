package player

import (
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	playerObjectPath = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	playerInterface  = "org.mpris.MediaPlayer2.Player"
)

// playerProxy is the set of remote calls a Player issues against its child
// process's MPRIS-shaped interface. Narrowed to an interface so tests can
// exercise the state machine and alpha-ramp timing without a real bus.
type playerProxy interface {
	Duration() (time.Duration, error)
	PlayPause() error
	Stop(timeout time.Duration) error
	SetAlpha(alpha int64) error
	SetPosition(positionMicros int64) error
}

// remoteProxy wraps the MPRIS-shaped calls a Player issues against its child
// process over the session bus.
type remoteProxy struct {
	conn    *dbus.Conn
	busName string
}

func newRemoteProxy(conn *dbus.Conn, busName string) *remoteProxy {
	return &remoteProxy{conn: conn, busName: busName}
}

func (p *remoteProxy) object() dbus.BusObject {
	return p.conn.Object(p.busName, playerObjectPath)
}

// Duration reads the Duration property (microseconds) and returns it as a
// time.Duration.
func (p *remoteProxy) Duration() (time.Duration, error) {
	variant, err := p.object().GetProperty(playerInterface + ".Duration")
	if err != nil {
		return 0, fmt.Errorf("player: reading Duration: %w", err)
	}
	micros, ok := variant.Value().(int64)
	if !ok {
		return 0, fmt.Errorf("player: Duration property has unexpected type %T", variant.Value())
	}
	return time.Duration(micros) * time.Microsecond, nil
}

// PlayPause toggles play/pause state.
func (p *remoteProxy) PlayPause() error {
	return p.call("PlayPause")
}

// Stop requests the child stop playback, with a bounded wait for the call
// itself to complete (not for the process to exit).
func (p *remoteProxy) Stop(timeout time.Duration) error {
	return p.callWithTimeout(timeout, "Stop")
}

// SetAlpha sets the overlay's alpha (0-255) for the video surface.
func (p *remoteProxy) SetAlpha(alpha int64) error {
	return p.call("SetAlpha", playerObjectPath, alpha)
}

// SetPosition seeks to positionMicros microseconds from the start.
func (p *remoteProxy) SetPosition(positionMicros int64) error {
	return p.call("SetPosition", playerObjectPath, positionMicros)
}

func (p *remoteProxy) call(method string, args ...interface{}) error {
	call := p.object().Call(playerInterface+"."+method, 0, args...)
	if call.Err != nil {
		return fmt.Errorf("player: %s: %w", method, call.Err)
	}
	return nil
}

func (p *remoteProxy) callWithTimeout(timeout time.Duration, method string, args ...interface{}) error {
	done := make(chan error, 1)
	go func() {
		done <- p.call(method, args...)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("player: %s: timed out after %s", method, timeout)
	}
}
