package supervisor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, _ := strconv.Atoi(p)
	return h, port
}

// freePort returns a port nothing listens on.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, p := hostPort(t, l.Addr().String())
	l.Close()
	return p
}

func TestStartAdoptsRunningRuntime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.Listener.Addr().String())

	pub := NewMemoryPublisher()
	s := New(Config{Bin: "definitely-not-installed-runtime", Host: host, Port: port, Publisher: pub})
	if err := s.Start(testCtx(t)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.Adopted() || s.PID() != 0 {
		t.Fatalf("adopted=%v pid=%d", s.Adopted(), s.PID())
	}
	if !pub.Has("adopted") {
		t.Fatalf("events: %+v", pub.Events())
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !s.Ready(testCtx(t)) {
		t.Fatalf("adopted runtime must survive Stop")
	}
}

func TestStartMissingBinary(t *testing.T) {
	s := New(Config{Bin: "definitely-not-installed-runtime", Port: freePort(t)})
	err := s.Start(testCtx(t))
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop without start: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	s := New(Config{})
	if s.BaseURL() != "http://127.0.0.1:11434" {
		t.Fatalf("base=%s", s.BaseURL())
	}
	if s.cfg.ReadyTimeout != DefaultReadyTimeout || s.cfg.StopTimeout != DefaultStopTimeout || s.cfg.Args[0] != "serve" {
		t.Fatalf("cfg=%+v", s.cfg)
	}
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	b := newTailBuffer(8)
	b.Write([]byte("hello "))
	b.Write([]byte("world"))
	if got := b.String(); got != "lo world" {
		t.Fatalf("tail=%q", got)
	}
	b.Write([]byte(strings.Repeat("z", 20)))
	if got := b.String(); got != strings.Repeat("z", 8) {
		t.Fatalf("tail=%q", got)
	}
}

func TestTailEmptyBeforeStart(t *testing.T) {
	if got := New(Config{}).Tail(); got != "" {
		t.Fatalf("tail=%q", got)
	}
}
