// SPDX-License-Identifier: MIT

// Package orchestrator implements the Level Orchestrator: it owns one
// Player per configured level, wires change_play_level requests into
// crossfades between them, and replaces a non-zero Player with a freshly
// sampled one whenever its child exits on its own.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/vela-project/vela-daemon/internal/busname"
	"github.com/vela-project/vela-daemon/internal/eventbus"
	"github.com/vela-project/vela-daemon/internal/health"
	"github.com/vela-project/vela-daemon/internal/player"
	"github.com/vela-project/vela-daemon/internal/util"
)

// slogWriter adapts a *slog.Logger to the io.Writer util.SafeGo expects for
// its panic log line.
type slogWriter struct{ logger *slog.Logger }

func (w slogWriter) Write(p []byte) (int, error) {
	w.logger.Error(string(p))
	return len(p), nil
}

// playerHandle is the subset of *player.Player the Orchestrator depends on,
// narrowed to an interface so tests can drive the policy logic with fakes
// instead of real child processes and a real bus.
type playerHandle interface {
	Spawn(ctx context.Context, endHook func(exitCode int)) error
	Play(ctx context.Context, skipFadein bool) error
	FadeoutAndStop(ctx context.Context) error
	Restart(ctx context.Context) error
	Stop(ctx context.Context, skipBus bool, timeout time.Duration) error
	BusName() string
}

// LevelConfig describes one configured level: its number, the folder its
// media items are drawn from, and its fade timings.
type LevelConfig struct {
	Number       int
	Folder       string
	FadeIn       time.Duration
	FadeOut      time.Duration
	InitialAlpha int64
}

// Deps bundles the collaborators needed to construct Players for each
// level: the player binary path, the bus connection and name tracker
// Players borrow, and the event bus requests arrive on.
type Deps struct {
	PlayerBin string
	Bus       *dbus.Conn
	Tracker   *busname.Tracker
	Events    *eventbus.Bus
	Logger    *slog.Logger

	// newPlayer and pickMedia are overridable for tests.
	newPlayer func(cfg player.Config, bus *dbus.Conn, tracker *busname.Tracker, logger *slog.Logger) playerHandle
	pickMedia func(folder string) (string, error)
}

// Orchestrator owns the level→Player map and the currently-active non-zero
// Player, if any.
type Orchestrator struct {
	deps   Deps
	levels []LevelConfig
	maxLvl int
	logger *slog.Logger

	mu           sync.Mutex
	players      map[int]playerHandle
	spawnedAt    map[int]time.Time
	restarts     map[int]int
	failures     map[int]int
	current      playerHandle
	currentLevel int
	shuttingDown bool

	handler eventbus.Handler
}

// New constructs an Orchestrator for the given levels. levels need not be
// sorted; the level numbered 0 is the rest loop and is never crossfaded.
func New(levels []LevelConfig, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.newPlayer == nil {
		deps.newPlayer = func(cfg player.Config, bus *dbus.Conn, tracker *busname.Tracker, logger *slog.Logger) playerHandle {
			return player.New(cfg, bus, tracker, logger)
		}
	}
	if deps.pickMedia == nil {
		deps.pickMedia = PickMediaItem
	}

	sorted := make([]LevelConfig, len(levels))
	copy(sorted, levels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	maxLvl := 0
	for _, l := range sorted {
		if l.Number > maxLvl {
			maxLvl = l.Number
		}
	}

	return &Orchestrator{
		deps:      deps,
		levels:    sorted,
		maxLvl:    maxLvl,
		logger:    deps.Logger,
		players:   make(map[int]playerHandle),
		spawnedAt: make(map[int]time.Time),
		restarts:  make(map[int]int),
		failures:  make(map[int]int),
	}
}

// Start pre-spawns one Player per configured level, serially (to avoid a
// bus-name-change stampede), then plays the level-0 rest loop and begins
// accepting change_play_level requests.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, lvl := range o.levels {
		p, err := o.spawnForLevel(ctx, lvl)
		if err != nil {
			return fmt.Errorf("orchestrator: spawning level %d: %w", lvl.Number, err)
		}
		o.mu.Lock()
		o.players[lvl.Number] = p
		o.spawnedAt[lvl.Number] = time.Now()
		o.mu.Unlock()
	}

	o.mu.Lock()
	rest, ok := o.players[0]
	o.mu.Unlock()
	if ok {
		if err := rest.Play(ctx, false); err != nil {
			return fmt.Errorf("orchestrator: starting rest loop: %w", err)
		}
	}

	o.handler = func(args ...any) {
		if len(args) < 2 {
			return
		}
		level, _ := args[0].(int)
		source, _ := args[1].(string)
		o.handleChangePlayLevel(context.Background(), level, source)
	}
	o.deps.Events.Attach(eventbus.ChannelChangePlayLevel, o.handler)

	return nil
}

func (o *Orchestrator) spawnForLevel(ctx context.Context, lvl LevelConfig) (playerHandle, error) {
	media, err := o.deps.pickMedia(lvl.Folder)
	if err != nil {
		return nil, err
	}

	cfg := player.Config{
		PlayerBin:    o.deps.PlayerBin,
		MediaPath:    media,
		Layer:        lvl.Number,
		Loop:         lvl.Number == 0,
		InitialAlpha: 0,
		FadeIn:       lvl.FadeIn,
		FadeOut:      lvl.FadeOut,
	}

	p := o.deps.newPlayer(cfg, o.deps.Bus, o.deps.Tracker, o.logger)

	endHook := func(exitCode int) { o.onPlayerEnded(lvl.Number, p, exitCode) }
	if err := p.Spawn(ctx, endHook); err != nil {
		return nil, err
	}
	return p, nil
}

// handleChangePlayLevel implements the policy from spec §4.7: ignore level
// 0, refuse to override the max-level Player while it is current, retrigger
// the current Player if the same level is requested again, otherwise
// crossfade into the requested level's pre-spawned Player.
func (o *Orchestrator) handleChangePlayLevel(ctx context.Context, level int, source string) {
	if level == 0 {
		return
	}

	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return
	}
	if o.currentLevel == level && o.current != nil {
		current := o.current
		o.mu.Unlock()
		if err := current.Restart(ctx); err != nil {
			o.logger.Warn("retrigger failed", "level", level, "err", err)
		}
		return
	}
	if o.currentLevel == o.maxLvl && o.current != nil {
		o.mu.Unlock()
		o.logger.Info("refusing level change while max level is active", "requested", level, "source", source)
		return
	}

	next, ok := o.players[level]
	if !ok {
		o.mu.Unlock()
		o.logger.Warn("change_play_level for unconfigured level, ignoring", "level", level)
		return
	}
	previous := o.current
	o.current = next
	o.currentLevel = level
	o.mu.Unlock()

	if err := next.Play(ctx, false); err != nil {
		o.logger.Warn("play failed during level change", "level", level, "err", err)
	}
	if previous != nil {
		util.SafeGo("crossfade-fadeout", slogWriter{o.logger}, func() {
			if err := previous.FadeoutAndStop(ctx); err != nil {
				o.logger.Warn("fadeout_and_stop failed during crossfade", "err", err)
			}
		}, nil)
	}
}

// onPlayerEnded handles a non-zero-level Player's child exiting, whether on
// its own or after being stopped by a crossfade: unless shutting down, it is
// replaced with a freshly sampled Player for the same level.
func (o *Orchestrator) onPlayerEnded(level int, ended playerHandle, exitCode int) {
	o.mu.Lock()
	shuttingDown := o.shuttingDown
	wasCurrent := o.current == ended
	if wasCurrent {
		o.current = nil
		o.currentLevel = 0
	}
	o.mu.Unlock()

	if shuttingDown || level == 0 {
		return
	}

	var lvlCfg LevelConfig
	found := false
	for _, l := range o.levels {
		if l.Number == level {
			lvlCfg, found = l, true
			break
		}
	}
	if !found {
		return
	}

	fresh, err := o.spawnForLevel(context.Background(), lvlCfg)
	if err != nil {
		o.mu.Lock()
		o.failures[level]++
		o.mu.Unlock()
		o.logger.Error("failed to respawn ended player", "level", level, "exit_code", exitCode, "err", err)
		return
	}

	o.mu.Lock()
	o.players[level] = fresh
	o.spawnedAt[level] = time.Now()
	o.restarts[level]++
	o.mu.Unlock()
}

// Services implements health.StatusProvider, reporting one ServiceInfo per
// configured level's current Player.
func (o *Orchestrator) Services() []health.ServiceInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	services := make([]health.ServiceInfo, 0, len(o.levels))
	for _, lvl := range o.levels {
		p, ok := o.players[lvl.Number]
		state := "idle"
		if o.currentLevel == lvl.Number && o.current != nil {
			state = "active"
		}
		info := health.ServiceInfo{
			Name:     fmt.Sprintf("level-%d", lvl.Number),
			State:    state,
			Healthy:  ok,
			Restarts: o.restarts[lvl.Number],
			Failures: o.failures[lvl.Number],
		}
		if ok {
			info.Name = p.BusName()
			if spawned, has := o.spawnedAt[lvl.Number]; has {
				info.Uptime = time.Since(spawned)
			}
		} else {
			info.Error = "player not running"
		}
		services = append(services, info)
	}
	return services
}

// CurrentLevel returns the level number of the currently-active non-zero
// Player, or 0 if the rest loop is implicitly active.
func (o *Orchestrator) CurrentLevel() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentLevel
}

// Shutdown detaches the change-level handler and stops every Player.
// Per-Player errors are logged, never propagated.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	o.shuttingDown = true
	if o.handler != nil {
		o.mu.Unlock()
		o.deps.Events.Detach(eventbus.ChannelChangePlayLevel, o.handler)
		o.mu.Lock()
	}
	players := make([]playerHandle, 0, len(o.players))
	for _, p := range o.players {
		players = append(players, p)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range players {
		p := p
		wg.Add(1)
		util.SafeGo("shutdown-stop-player", slogWriter{o.logger}, func() {
			defer wg.Done()
			if err := p.Stop(ctx, false, time.Second); err != nil {
				o.logger.Warn("error stopping player during shutdown", "player", p.BusName(), "err", err)
			}
		}, nil)
	}
	wg.Wait()
}
