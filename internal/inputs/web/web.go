// SPDX-License-Identifier: MIT

// Package web implements the WebSocket control and telemetry adapter: it
// upgrades incoming HTTP connections, decodes action-tagged JSON client
// messages into the corresponding daemon operations, and fans AGD/threshold/
// log events back out to every connected client.
//
// The broadcaster never blocks on a slow client: a client whose outbound
// buffer is full is dropped rather than stalling every other subscriber,
// the same non-blocking-fan-out shape used by vincent99-velocipi's DVR
// broadcaster.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vela-project/vela-daemon/internal/eventbus"
)

// clientSendBuffer bounds how many outbound frames a client may lag behind
// before it is dropped.
const clientSendBuffer = 32

// Deps bundles the collaborators a web Adapter dispatches client actions
// to. SetThreshold and SetLogLevel are direct calls rather than bus
// publications because the AGD detector and the log-level registry are not
// themselves event-bus subscribers.
type Deps struct {
	Events       *eventbus.Bus
	SetThreshold func(level int, value float64)
	SetLogLevel  func(namespace, level string)
	Logger       *slog.Logger
}

// clientMessage is the envelope for action-tagged JSON sent by a browser
// client, per spec §6.
type clientMessage struct {
	Action    string  `json:"action"`
	Level     int     `json:"level"`
	Value     float64 `json:"value"`
	Namespace string  `json:"namespace"`
	LevelName string  `json:"level_name"`
}

// chartDataFrame is broadcast whenever the AGD detector emits a reading.
type chartDataFrame struct {
	Type string  `json:"type"`
	TS   string  `json:"ts"`
	Raw  float64 `json:"raw"`
	AGD  float64 `json:"agd"`
}

// chartThresholdFrame is broadcast whenever a threshold changes.
type chartThresholdFrame struct {
	Type  string  `json:"type"`
	Level int     `json:"level"`
	Value float64 `json:"value"`
}

// logMessageFrame fans a formatted log line out to every client.
type logMessageFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Adapter owns the set of currently-connected WebSocket clients and the
// event-bus subscriptions that feed them.
type Adapter struct {
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	onOutput    eventbus.Handler
	onThreshold eventbus.Handler
	onLog       eventbus.Handler
}

// New constructs an Adapter and subscribes it to agd_output, threshold_changed,
// and the log fan-out channel.
func New(deps Deps) *Adapter {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	a := &Adapter{
		deps:    deps,
		logger:  deps.Logger,
		clients: make(map[*client]struct{}),
	}

	a.onOutput = func(args ...any) {
		if len(args) < 2 {
			return
		}
		raw, _ := args[0].(float64)
		sum, _ := args[1].(float64)
		a.broadcast(chartDataFrame{Type: "chart-data", TS: nowRFC3339(), Raw: raw, AGD: sum})
	}
	a.onThreshold = func(args ...any) {
		if len(args) < 2 {
			return
		}
		level, _ := args[0].(int)
		value, _ := args[1].(float64)
		a.broadcast(chartThresholdFrame{Type: "chart-threshold", Level: level, Value: value})
	}
	a.onLog = func(args ...any) {
		if len(args) < 3 {
			return
		}
		text, _ := args[2].(string)
		a.broadcast(logMessageFrame{Type: "log-message", Message: text})
	}

	deps.Events.Attach(eventbus.ChannelAGDOutput, a.onOutput)
	deps.Events.Attach(eventbus.ChannelThresholdChanged, a.onThreshold)
	deps.Events.Attach(eventbus.ChannelLog, a.onLog)

	return a
}

// nowRFC3339 is overridable so tests can assert deterministic timestamps.
var nowRFC3339 = func() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Close detaches every event-bus subscription and disconnects every
// connected client. Safe to call once.
func (a *Adapter) Close() {
	a.deps.Events.Detach(eventbus.ChannelAGDOutput, a.onOutput)
	a.deps.Events.Detach(eventbus.ChannelThresholdChanged, a.onThreshold)
	a.deps.Events.Detach(eventbus.ChannelLog, a.onLog)

	a.mu.Lock()
	clients := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		clients = append(clients, c)
	}
	a.clients = make(map[*client]struct{})
	a.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		_ = c.conn.Close()
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and serves it
// until the client disconnects.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("web: upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	a.mu.Lock()
	a.clients[c] = struct{}{}
	a.mu.Unlock()

	go a.writePump(c)
	a.readPump(c)
}

func (a *Adapter) readPump(c *client) {
	defer a.disconnect(c)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.logger.Warn("web: malformed client message, dropping", "err", err)
			continue
		}
		a.dispatch(msg)
	}
}

func (a *Adapter) dispatch(msg clientMessage) {
	switch msg.Action {
	case "change_level":
		a.deps.Events.PublishLevelChange(msg.Level, "web")
	case "set_threshold":
		if a.deps.SetThreshold != nil {
			a.deps.SetThreshold(msg.Level, msg.Value)
		}
	case "set_log_level":
		if a.deps.SetLogLevel != nil {
			a.deps.SetLogLevel(msg.Namespace, msg.LevelName)
		}
	default:
		a.logger.Warn("web: unknown action, ignoring", "action", msg.Action)
	}
}

func (a *Adapter) writePump(c *client) {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (a *Adapter) disconnect(c *client) {
	a.mu.Lock()
	_, ok := a.clients[c]
	if ok {
		delete(a.clients, c)
	}
	a.mu.Unlock()
	if ok {
		close(c.send)
	}
	_ = c.conn.Close()
}

// broadcast marshals v and enqueues it on every connected client's send
// channel. A client whose buffer is already full is dropped: it is
// disconnected rather than allowed to stall the publisher.
func (a *Adapter) broadcast(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("web: failed to marshal broadcast frame", "err", err)
		return
	}

	a.mu.Lock()
	targets := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		targets = append(targets, c)
	}
	a.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			a.logger.Warn("web: client send buffer full, dropping client")
			a.disconnect(c)
		}
	}
}
