package process

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sua-org/aibox-bus/internal/logging"
)

func testSupervisor(term, kill time.Duration) *Supervisor {
	return NewSupervisor(Options{
		TerminateTimeout: term,
		KillTimeout:      kill,
		Logger:           logging.Discard(),
	})
}

func shell(script string) Spec {
	return Spec{Name: "test", Path: "sh", Args: []string{"-c", script}}
}

func waitForDone(t *testing.T, c *Child, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(timeout):
		t.Fatalf("process %d did not exit within %s", c.PID(), timeout)
	}
}

func TestChildExitsNormally(t *testing.T) {
	sup := testSupervisor(time.Second, time.Second)
	c, err := sup.Spawn(shell("exit 0"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitForDone(t, c, 2*time.Second)
	if err := c.ExitErr(); err != nil {
		t.Errorf("ExitErr = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("Stop after exit = %v", err)
	}
	if n := sup.Running(); n != 0 {
		t.Errorf("Running = %d", n)
	}
}

func TestStopGraceful(t *testing.T) {
	sup := testSupervisor(2*time.Second, time.Second)
	c, err := sup.Spawn(shell("trap 'exit 0' TERM; while :; do sleep 0.05; done"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("graceful stop took %s", elapsed)
	}
	if !c.Exited() {
		t.Fatal("child not reaped after Stop")
	}
	if n := sup.Running(); n != 0 {
		t.Errorf("Running = %d", n)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	sup := testSupervisor(150*time.Millisecond, 2*time.Second)
	c, err := sup.Spawn(shell("trap '' TERM; sleep 30"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 150*time.Millisecond {
		t.Errorf("kill happened before terminate timeout (%s)", elapsed)
	}
	if !c.Exited() {
		t.Fatal("child not reaped")
	}
	if c.ExitErr() == nil {
		t.Error("killed child should report an exit error")
	}
	if n := sup.Running(); n != 0 {
		t.Errorf("Running = %d", n)
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	sup := testSupervisor(time.Second, time.Second)
	_, err := sup.Spawn(Spec{Name: "missing", Path: "/nonexistent/ffmpeg-binary"})
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("err = %v, want ErrSpawn", err)
	}
	if n := sup.Running(); n != 0 {
		t.Errorf("Running = %d", n)
	}
}

func TestScopeReapsOnError(t *testing.T) {
	sup := testSupervisor(time.Second, time.Second)
	boom := errors.New("boom")
	var child *Child
	err := sup.Scope(context.Background(), shell("sleep 30"), func(_ context.Context, c *Child) error {
		child = c
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if child == nil || !child.Exited() {
		t.Fatal("child not reaped by Scope")
	}
	if n := sup.Running(); n != 0 {
		t.Errorf("Running = %d", n)
	}
}

func TestScopeReapsOnPanic(t *testing.T) {
	sup := testSupervisor(time.Second, time.Second)
	func() {
		defer func() { _ = recover() }()
		_ = sup.Scope(context.Background(), shell("sleep 30"), func(context.Context, *Child) error {
			panic("handler exploded")
		})
	}()
	if n := sup.Running(); n != 0 {
		t.Errorf("Running = %d after panic", n)
	}
}

func TestStderrTail(t *testing.T) {
	sup := testSupervisor(time.Second, time.Second)
	c, err := sup.Spawn(shell("echo 'rtsp: connection refused' >&2; exit 1"))
	if err != nil {
		t.Fatal(err)
	}
	waitForDone(t, c, 2*time.Second)
	if !strings.Contains(c.Stderr(), "connection refused") {
		t.Errorf("stderr = %q", c.Stderr())
	}
	if c.ExitErr() == nil {
		t.Error("expected exit error")
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := &tailBuffer{max: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	if got := tb.String(); got != "456789ab" {
		t.Errorf("tail = %q", got)
	}
}

func TestStatsOfRunningChild(t *testing.T) {
	sup := testSupervisor(time.Second, time.Second)
	c, err := sup.Spawn(shell("sleep 30"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	st, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.PID != c.PID() {
		t.Errorf("pid = %d, want %d", st.PID, c.PID())
	}
}
