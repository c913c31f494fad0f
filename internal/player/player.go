package player

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/vela-project/vela-daemon/internal/busname"
	"github.com/vela-project/vela-daemon/internal/process"
	"github.com/vela-project/vela-daemon/internal/util"
	"github.com/vela-project/vela-daemon/internal/vela"
)

// AlphaRampInterval is the tick period used while ramping alpha, chosen as
// roughly half an assumed 25fps frame period (40ms), i.e. two ticks a frame.
const AlphaRampInterval = 19 * time.Millisecond

const (
	minAlpha = 0
	maxAlpha = 255
)

// playerLogWriter adapts a *slog.Logger to the io.Writer util.SafeGo expects
// for its panic log line.
type playerLogWriter struct{ logger *slog.Logger }

func (w playerLogWriter) Write(p []byte) (int, error) {
	w.logger.Error(string(p))
	return len(p), nil
}

var busNameCounter int64

var busNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// nextBusName derives a unique, reproducible bus name from mediaPath's
// basename plus a monotonically increasing counter local to the process.
func nextBusName(mediaPath string) string {
	base := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))
	base = busNameSanitizer.ReplaceAllString(base, "_")
	if base == "" {
		base = "media"
	}
	n := atomic.AddInt64(&busNameCounter, 1)
	return "org.vela.Player_" + base + "_" + strconv.FormatInt(n, 10)
}

// Config holds the construction parameters for a Player.
type Config struct {
	PlayerBin    string // path to the video player binary
	MediaPath    string
	Layer        int
	Loop         bool
	InitialAlpha int64 // 0..255
	FadeIn       time.Duration
	FadeOut      time.Duration
	StopTimeout  time.Duration // default 1s
}

// Player owns one child media-playback process and its remote-control
// proxy, exposing a small command API whose preconditions are enforced by
// the Ready gate.
type Player struct {
	cfg     Config
	bus     *dbus.Conn
	tracker *busname.Tracker
	logger  *slog.Logger
	busName string

	mu           sync.Mutex
	state        State
	readyCh      chan struct{}
	proc         *process.Supervised
	proxy        playerProxy
	duration     time.Duration
	endHook      func(exitCode int)
	fadeTimer    *time.Timer
	fadeCancel   context.CancelFunc
	fadingOut    bool
	currentAlpha int64

	// newProxy builds the remote proxy used once the child's bus name
	// appears. Overridable so tests can exercise Spawn without a real bus.
	newProxy func(conn *dbus.Conn, busName string) playerProxy
}

// New constructs a Player in the Idle state. It does not spawn a process.
func New(cfg Config, bus *dbus.Conn, tracker *busname.Tracker, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = time.Second
	}
	return &Player{
		cfg:          cfg,
		bus:          bus,
		tracker:      tracker,
		logger:       logger,
		busName:      nextBusName(cfg.MediaPath),
		state:        StateIdle,
		readyCh:      make(chan struct{}),
		currentAlpha: cfg.InitialAlpha,
		newProxy: func(conn *dbus.Conn, busName string) playerProxy {
			return newRemoteProxy(conn, busName)
		},
	}
}

// BusName returns this Player's generated, unique bus name.
func (p *Player) BusName() string { return p.busName }

// State returns the Player's current lifecycle stage.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Duration returns the media's duration, valid once State is Ready.
func (p *Player) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

func (p *Player) setState(s State) {
	p.mu.Lock()
	p.state = s
	if s == StateReady {
		select {
		case <-p.readyCh:
		default:
			close(p.readyCh)
		}
	}
	p.mu.Unlock()
}

// awaitReady blocks until the Player reaches Ready, or returns immediately
// if it already has. Commands other than Spawn and Stop must call this
// before touching the remote proxy, closing the race between a
// still-completing spawn and external control; Stop does not wait and uses
// the proxy only if one is already installed.
func (p *Player) awaitReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("player: waiting for ready: %w: %w", vela.ErrRemoteCallTimeout, ctx.Err())
	}
}

// Spawn launches the child player process, waits for it to both start and
// claim its bus name, fetches its duration, and transitions to Ready. If
// endHook is non-nil it is invoked exactly once, with the process exit
// code, when the child process terminates, whether on its own or after Stop.
func (p *Player) Spawn(ctx context.Context, endHook func(exitCode int)) error {
	p.mu.Lock()
	p.state = StateSpawning
	p.endHook = endHook
	p.mu.Unlock()

	appeared, _ := p.tracker.Track(p.busName)

	argv := p.buildArgv()
	startedCh := make(chan struct{})

	proc, err := process.Spawn(ctx, p.busName, argv, nil, nil,
		func(pid int) { close(startedCh) },
		func(werr error) { p.onProcessExit(werr) },
	)
	if err != nil {
		p.setState(StateStopped)
		return fmt.Errorf("player: spawn %q: %w: %w", p.cfg.MediaPath, vela.ErrChildSpawnFailed, err)
	}

	p.mu.Lock()
	p.proc = proc
	p.mu.Unlock()

	select {
	case <-startedCh:
	case <-ctx.Done():
		_ = proc.Terminate()
		return ctx.Err()
	}

	select {
	case <-appeared:
	case <-ctx.Done():
		_ = proc.Terminate()
		return ctx.Err()
	}

	proxy := p.newProxy(p.bus, p.busName)
	duration, err := proxy.Duration()
	if err != nil {
		p.logger.Warn("failed to read player duration", "player", p.busName, "err", err)
	}

	p.mu.Lock()
	p.proxy = proxy
	p.duration = duration
	p.mu.Unlock()

	p.setState(StateReady)

	// The child defaults to playing; pause it once so it sits ready-but-
	// paused until play() is called.
	if err := proxy.PlayPause(); err != nil {
		p.logger.Warn("initial pause failed", "player", p.busName, "err", err)
	}

	return nil
}

func (p *Player) buildArgv() []string {
	argv := []string{p.cfg.PlayerBin}
	if p.cfg.Loop {
		argv = append(argv, "--loop")
	}
	argv = append(argv,
		"--dbus_name", p.busName,
		"--layer", strconv.Itoa(p.cfg.Layer),
		"--orientation", "180",
		"--no-osd",
		"--alpha", strconv.FormatInt(p.cfg.InitialAlpha, 10),
		p.cfg.MediaPath,
	)
	return argv
}

func (p *Player) onProcessExit(err error) {
	p.mu.Lock()
	p.state = StateStopped
	hook := p.endHook
	p.mu.Unlock()

	if hook != nil {
		hook(exitCodeFromErr(err))
	}
}

func exitCodeFromErr(err error) int {
	if err == nil {
		return 0
	}
	type exitCoder interface{ ExitCode() int }
	if ee, ok := err.(exitCoder); ok {
		return ee.ExitCode()
	}
	return -1
}

// Play toggles the child into playback, arms the non-looping auto-fadeout
// deadline, and initiates a fade-in (instant if skipFadein, otherwise a
// linear 0→255 ramp across the configured fade-in duration).
func (p *Player) Play(ctx context.Context, skipFadein bool) error {
	if err := p.awaitReady(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	proxy := p.proxy
	loop := p.cfg.Loop
	duration := p.duration
	fadeOut := p.cfg.FadeOut
	fadeIn := p.cfg.FadeIn
	p.mu.Unlock()

	if err := proxy.PlayPause(); err != nil {
		return fmt.Errorf("player: play: %w: %w", vela.ErrRemoteCallFailed, err)
	}

	if !loop {
		p.armAutoFadeout(duration, fadeOut)
	}

	if skipFadein {
		return p.setAlphaInstant(proxy, maxAlpha)
	}
	p.rampAlpha(proxy, minAlpha, maxAlpha, fadeIn)
	return nil
}

// armAutoFadeout schedules fadeout_and_stop to fire duration-fadeOut-0.1s
// from now, clamped to 0 (open question 3: fires on the next tick instead
// of going negative).
func (p *Player) armAutoFadeout(duration, fadeOut time.Duration) {
	delay := duration - fadeOut - 100*time.Millisecond
	if delay < 0 {
		delay = 0
	}

	p.mu.Lock()
	if p.fadeTimer != nil {
		p.fadeTimer.Stop()
	}
	p.fadeTimer = time.AfterFunc(delay, func() {
		util.SafeGo("auto-fadeout", playerLogWriter{p.logger}, func() {
			_ = p.FadeoutAndStop(context.Background())
		}, nil)
	})
	p.mu.Unlock()
}

// Fadeout cancels any scheduled auto-fadeout and ramps alpha 255→0 across
// the configured fade-out duration. It is a no-op if a fade-out is already
// in progress.
func (p *Player) Fadeout(ctx context.Context) error {
	if err := p.awaitReady(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	if p.fadeTimer != nil {
		p.fadeTimer.Stop()
		p.fadeTimer = nil
	}
	if p.fadingOut {
		p.mu.Unlock()
		return nil
	}
	p.fadingOut = true
	proxy := p.proxy
	fadeOut := p.cfg.FadeOut
	p.mu.Unlock()

	p.rampAlpha(proxy, maxAlpha, minAlpha, fadeOut)

	p.mu.Lock()
	p.fadingOut = false
	p.mu.Unlock()
	return nil
}

// FadeoutAndStop runs Fadeout followed by Stop.
func (p *Player) FadeoutAndStop(ctx context.Context) error {
	if err := p.Fadeout(ctx); err != nil {
		return err
	}
	return p.Stop(ctx, false, p.cfg.StopTimeout)
}

// Restart seeks playback back to the start, the chosen realization of
// retriggering a Player whose level was requested again while it is already
// current.
func (p *Player) Restart(ctx context.Context) error {
	if err := p.awaitReady(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	proxy := p.proxy
	p.mu.Unlock()

	if err := proxy.SetPosition(0); err != nil {
		return fmt.Errorf("player: restart: %w: %w", vela.ErrRemoteCallFailed, err)
	}
	return nil
}

// Stop cancels any scheduled fadeout and terminates the child process.
// Unless skipBus is set, it first issues a bounded-timeout remote Stop call
// and waits for the bus name to disappear before waiting for the process to
// exit; on bus-call failure or timeout it falls back to SIGTERM. Stop always
// completes without error from the caller's point of view; the returned
// error is non-nil only to report the process's own exit error, never a
// shutdown-path failure.
func (p *Player) Stop(ctx context.Context, skipBus bool, timeout time.Duration) error {
	p.mu.Lock()
	if p.fadeTimer != nil {
		p.fadeTimer.Stop()
		p.fadeTimer = nil
	}
	p.state = StateStopping
	proc := p.proc
	proxy := p.proxy
	p.mu.Unlock()

	if proc == nil || proc.Exited() {
		if proc != nil {
			return proc.Wait()
		}
		return nil
	}

	if timeout <= 0 {
		timeout = time.Second
	}

	if !skipBus && proxy != nil {
		_, disappeared := p.tracker.Track(p.busName)
		if err := proxy.Stop(timeout); err == nil {
			select {
			case <-disappeared:
			case <-time.After(timeout):
			}
			return proc.Wait()
		}
		p.logger.Warn("remote stop failed or timed out, falling back to SIGTERM", "player", p.busName)
	}

	_ = proc.Terminate()
	stopCtx, cancel := context.WithTimeout(context.Background(), p.cfg.StopTimeout)
	defer cancel()
	return proc.Stop(stopCtx)
}

func (p *Player) setAlphaInstant(proxy playerProxy, alpha int64) error {
	if err := proxy.SetAlpha(alpha); err != nil {
		return fmt.Errorf("player: set alpha: %w: %w", vela.ErrRemoteCallFailed, err)
	}
	p.mu.Lock()
	p.currentAlpha = alpha
	p.mu.Unlock()
	return nil
}

// rampAlpha drives SetAlpha from "from" to "to" over duration, ticking at
// AlphaRampInterval, with a final exact SetAlpha(to) call. Duration 0 is an
// instant set.
func (p *Player) rampAlpha(proxy playerProxy, from, to int64, duration time.Duration) {
	if duration <= 0 {
		_ = p.setAlphaInstant(proxy, to)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if p.fadeCancel != nil {
		p.fadeCancel()
	}
	p.fadeCancel = cancel
	p.mu.Unlock()
	defer cancel()

	ticker := time.NewTicker(AlphaRampInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(start)
			if elapsed >= duration {
				_ = p.setAlphaInstant(proxy, to)
				return
			}
			tRel := float64(elapsed) / float64(duration)
			alpha := float64(from) + float64(to-from)*tRel
			_ = proxy.SetAlpha(int64(alpha))
		}
	}
}
