package logging

import (
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vela-project/vela-daemon/internal/eventbus"
)

func TestDefaultLevelGatesRecords(t *testing.T) {
	events := eventbus.New(nil)
	r := New(slog.LevelInfo, events)

	var lines []string
	events.Attach(eventbus.ChannelLog, func(args ...any) {
		lines = append(lines, args[2].(string))
	})

	logger := r.Logger("player")
	logger.Debug("should be filtered")
	logger.Info("should appear")

	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "should appear")
}

func TestSetLevelOverridesNamespace(t *testing.T) {
	events := eventbus.New(nil)
	r := New(slog.LevelWarn, events)

	var lines []string
	events.Attach(eventbus.ChannelLog, func(args ...any) {
		lines = append(lines, args[2].(string))
	})

	require.NoError(t, r.SetLevel("agd", "debug"))

	r.Logger("agd").Debug("visible now")
	r.Logger("player").Debug("still filtered")

	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "visible now")
}

func TestSetLevelRejectsUnknownName(t *testing.T) {
	r := New(slog.LevelInfo, eventbus.New(nil))
	err := r.SetLevel("agd", "verbose")
	require.Error(t, err)
}

var lineShape = regexp.MustCompile(`^[A-Z] \d{2}\.\d{6} \S+ .+$`)

func TestFormattedLineMatchesExpectedShape(t *testing.T) {
	events := eventbus.New(nil)
	r := New(slog.LevelInfo, events)

	var line string
	events.Attach(eventbus.ChannelLog, func(args ...any) {
		line = args[2].(string)
	})

	r.Logger("orchestrator").Info("level changed")

	require.Regexp(t, lineShape, line)
}

func TestLogChannelIsFlaggedNoLogOnFailure(t *testing.T) {
	events := eventbus.New(nil)
	New(slog.LevelInfo, events)

	events.Attach(eventbus.ChannelLog, func(args ...any) {
		panic("subscriber blew up")
	})

	require.NotPanics(t, func() {
		events.PublishLogRecord("x", "info", "y")
	})
}
