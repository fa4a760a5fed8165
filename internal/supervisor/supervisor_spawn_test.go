//go:build integration
// +build integration

package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func buildFakeRuntime(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fake_ollama")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fake_ollama.go")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake_ollama: %v: %s", err, out)
	}
	return bin
}

func TestSpawnReadyAndStop(t *testing.T) {
	bin := buildFakeRuntime(t)
	logPath := filepath.Join(t.TempDir(), "ollama.log")
	pub := NewMemoryPublisher()
	s := New(Config{Bin: bin, Port: freePort(t), LogPath: logPath, Publisher: pub, ReadyTimeout: 10 * time.Second})

	if err := s.Start(testCtx(t)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Adopted() || s.PID() == 0 {
		t.Fatalf("expected a spawned child")
	}
	if !s.Ready(testCtx(t)) {
		t.Fatalf("not ready after Start")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if s.PID() != 0 || s.Ready(testCtx(t)) {
		t.Fatalf("runtime still up after Stop")
	}
	for _, name := range []string{"spawn_start", "spawn_ready", "spawn_stop"} {
		if !pub.Has(name) {
			t.Fatalf("missing %s in %+v", name, pub.Events())
		}
	}
	if pub.Has("spawn_exit") {
		t.Fatalf("requested stop must not publish spawn_exit")
	}
	b, _ := os.ReadFile(logPath)
	if !strings.Contains(string(b), "listening on") {
		t.Fatalf("log file: %q", b)
	}
	if !strings.Contains(s.Tail(), "listening on") {
		t.Fatalf("tail after stop: %q", s.Tail())
	}
}

func TestSpawnEarlyExitIncludesTail(t *testing.T) {
	bin := buildFakeRuntime(t)
	pub := NewMemoryPublisher()
	s := New(Config{
		Bin:       bin,
		Port:      freePort(t),
		Env:       []string{"FAKE_OLLAMA_EXIT=model store is locked"},
		Publisher: pub,
	})
	err := s.Start(testCtx(t))
	if err == nil {
		t.Fatalf("expected early exit error")
	}
	if !strings.Contains(err.Error(), "model store is locked") {
		t.Fatalf("stderr tail missing: %v", err)
	}
	if !pub.Has("spawn_start") || !pub.Has("spawn_exit") {
		t.Fatalf("events: %+v", pub.Events())
	}
	if s.PID() != 0 {
		t.Fatalf("pid should be cleared")
	}
}
