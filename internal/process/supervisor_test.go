package process

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vela-project/vela-daemon/internal/util"
)

func TestSpawnCapturesStdout(t *testing.T) {
	var out bytes.Buffer
	s, err := Spawn(context.Background(), "echo", []string{"/bin/echo", "hello"}, &out, nil, nil, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := s.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := strings.TrimSpace(out.String()); got != "hello" {
		t.Fatalf("stdout = %q, want %q", got, "hello")
	}
}

func TestSpawnInvokesOnStartedAndOnStopped(t *testing.T) {
	var mu sync.Mutex
	var startedPID int
	var stopped bool

	s, err := Spawn(context.Background(), "true", []string{"/bin/true"}, nil, nil,
		func(pid int) {
			mu.Lock()
			startedPID = pid
			mu.Unlock()
		},
		func(err error) {
			mu.Lock()
			stopped = true
			mu.Unlock()
		},
	)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	<-s.Done()

	mu.Lock()
	defer mu.Unlock()
	if startedPID == 0 {
		t.Fatalf("onStarted was not called with a PID")
	}
	if !stopped {
		t.Fatalf("onStopped was not called")
	}
}

func TestSpawnEmptyArgvFails(t *testing.T) {
	if _, err := Spawn(context.Background(), "empty", nil, nil, nil, nil, nil); err == nil {
		t.Fatalf("expected error for empty argv")
	}
}

func TestStopSendsTermAndReaps(t *testing.T) {
	s, err := Spawn(context.Background(), "sleep", []string{"/bin/sleep", "30"}, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	s.SetStopTimeout(2 * time.Second)

	start := time.Now()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Stop took too long: %v", elapsed)
	}

	if !s.Exited() {
		t.Fatalf("process should have exited after Stop")
	}
}

func TestStopOnAlreadyExitedProcessIsNoop(t *testing.T) {
	s, err := Spawn(context.Background(), "true", []string{"/bin/true"}, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-s.Done()

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on exited process: %v", err)
	}
}

func TestStopEscalatesToKillOnTimeout(t *testing.T) {
	// /bin/sh ignoring SIGTERM via trap, to exercise the kill escalation path.
	s, err := Spawn(context.Background(), "trap-sleep",
		[]string{"/bin/sh", "-c", "trap '' TERM; sleep 30"}, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	s.SetStopTimeout(300 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = s.Stop(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop did not escalate to kill within expected window")
	}

	if !s.Exited() {
		t.Fatalf("process should have been killed")
	}
}

func TestStopLeavesNoTrackedProcessBehind(t *testing.T) {
	s, err := Spawn(context.Background(), "sleep", []string{"/bin/sleep", "30"}, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	s.SetStopTimeout(2 * time.Second)

	tracker := util.NewResourceTracker()
	proc, err := os.FindProcess(s.PID())
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}
	tracker.TrackProcess(s.Name(), proc)

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	tracker.UntrackProcess(s.Name())

	if leaked := tracker.LeakedResources(); len(leaked) != 0 {
		t.Fatalf("leaked resources after Stop: %v", leaked)
	}
}
