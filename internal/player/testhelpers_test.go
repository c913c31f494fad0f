package player

import "time"

// newReadyForTest builds a Player already in the Ready state with proxy
// installed, bypassing Spawn's real process/bus interaction. It exists only
// for this package's tests, which exercise Play/Fadeout/Stop timing and the
// Ready gate without a real child process or session bus.
func newReadyForTest(cfg Config, proxy playerProxy, duration time.Duration) *Player {
	p := New(cfg, nil, nil, nil)
	p.proxy = proxy
	p.duration = duration
	p.setState(StateReady)
	return p
}
