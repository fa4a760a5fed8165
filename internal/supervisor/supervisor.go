// Package supervisor owns the local Ollama process: it adopts a runtime that
// is already listening or spawns `ollama serve`, waits for readiness and stops
// the child on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"cloid/internal/logging"
)

const (
	DefaultBin           = "ollama"
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 11434
	DefaultReadyTimeout  = 30 * time.Second
	DefaultStopTimeout   = 5 * time.Second
	DefaultProbeInterval = 100 * time.Millisecond

	tailSize = 4096
)

// Config configures a Supervisor. Zero values pick the defaults above.
type Config struct {
	Bin  string
	Args []string // defaults to ["serve"]
	Host string
	Port int
	// LogPath receives the child's stdout and stderr when set.
	LogPath       string
	ReadyTimeout  time.Duration
	StopTimeout   time.Duration
	ProbeInterval time.Duration
	// Env is appended to the inherited environment.
	Env []string
	// Detach wires the child's output straight to LogPath (or discards it)
	// so the runtime keeps running after this process exits. Tail is empty.
	Detach    bool
	Logger    *zerolog.Logger
	Publisher EventPublisher
}

// Supervisor manages at most one runtime process.
type Supervisor struct {
	cfg     Config
	baseURL string
	http    *http.Client
	log     zerolog.Logger
	pub     EventPublisher

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	waitErr  error
	logFile  *os.File
	tail     *tailBuffer
	adopted  bool
	stopping atomic.Bool
}

// New returns a Supervisor for cfg. Nothing is started.
func New(cfg Config) *Supervisor {
	if cfg.Bin == "" {
		cfg.Bin = DefaultBin
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"serve"}
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	var pub EventPublisher = noopPublisher{}
	if cfg.Publisher != nil {
		pub = cfg.Publisher
	}
	l := logging.OrNop(cfg.Logger)
	return &Supervisor{
		cfg:     cfg,
		baseURL: "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		// Timeout=0: probes carry their own context deadline.
		http: &http.Client{Timeout: 0},
		log:  l.With().Str("component", "supervisor").Logger(),
		pub:  pub,
	}
}

// BaseURL is the address the runtime listens on.
func (s *Supervisor) BaseURL() string { return s.baseURL }

// Adopted reports whether Start found a runtime it did not spawn.
func (s *Supervisor) Adopted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adopted
}

// PID returns the child's process id, or 0 when nothing is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Tail returns the last bytes of the child's output.
func (s *Supervisor) Tail() string {
	s.mu.Lock()
	t := s.tail
	s.mu.Unlock()
	if t == nil {
		return ""
	}
	return t.String()
}

// Ready probes GET /api/tags.
func (s *Supervisor) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode == http.StatusOK
}

// Start makes the runtime available. A runtime that already answers the
// probe is adopted and never stopped by this Supervisor. Otherwise the binary
// is spawned and Start blocks until it is ready, exits, or ReadyTimeout passes.
// Calling Start again after success is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adopted || s.cmd != nil {
		return nil
	}
	if s.Ready(ctx) {
		s.adopted = true
		s.log.Info().Str("url", s.baseURL).Msg("adopted running runtime")
		s.pub.Publish(Event{Name: "adopted", Fields: map[string]any{"url": s.baseURL}})
		return nil
	}

	bin, err := exec.LookPath(s.cfg.Bin)
	if err != nil {
		return ErrDependencyUnavailable(fmt.Sprintf("runtime binary %q not found: %v", s.cfg.Bin, err))
	}

	tail := newTailBuffer(tailSize)
	var out io.Writer = tail
	var logFile *os.File
	if s.cfg.LogPath != "" {
		f, err := os.OpenFile(s.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open runtime log: %w", err)
		}
		logFile = f
		out = io.MultiWriter(f, tail)
		if s.cfg.Detach {
			out = f
		}
	} else if s.cfg.Detach {
		out = nil
	}

	cmd := exec.Command(bin, s.cfg.Args...)
	cmd.Env = append(os.Environ(), "OLLAMA_HOST="+net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	cmd.Env = append(cmd.Env, s.cfg.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return fmt.Errorf("start runtime: %w", err)
	}
	pid := cmd.Process.Pid
	s.log.Info().Int("pid", pid).Str("url", s.baseURL).Str("bin", bin).Msg("runtime spawned")
	s.pub.Publish(Event{Name: "spawn_start", Fields: map[string]any{"pid": pid, "host": s.cfg.Host, "port": s.cfg.Port}})

	s.stopping.Store(false)
	exited := make(chan struct{})
	s.cmd, s.exited, s.tail, s.logFile = cmd, exited, tail, logFile
	go func() {
		err := cmd.Wait()
		s.waitErr = err
		if !s.stopping.Load() {
			f := map[string]any{"pid": pid}
			if err != nil {
				f["error"] = err.Error()
			}
			s.log.Warn().Err(err).Int("pid", pid).Msg("runtime exited")
			s.pub.Publish(Event{Name: "spawn_exit", Fields: f})
		}
		close(exited)
	}()

	if err := s.waitReady(ctx, exited); err != nil {
		s.cleanupLocked()
		return err
	}
	s.log.Info().Int("pid", pid).Msg("runtime ready")
	s.pub.Publish(Event{Name: "spawn_ready", Fields: map[string]any{"pid": pid, "url": s.baseURL}})
	return nil
}

func (s *Supervisor) waitReady(ctx context.Context, exited <-chan struct{}) error {
	deadline := time.NewTimer(s.cfg.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.ProbeInterval)
	defer tick.Stop()
	for {
		select {
		case <-exited:
			return fmt.Errorf("runtime exited before ready: %v; output tail: %s", s.waitErr, s.tail.String())
		case <-ctx.Done():
			s.killLocked()
			return ctx.Err()
		case <-deadline.C:
			s.killLocked()
			s.log.Warn().Dur("timeout", s.cfg.ReadyTimeout).Msg("runtime not ready in time")
			s.pub.Publish(Event{Name: "spawn_timeout", Fields: map[string]any{"url": s.baseURL}})
			return fmt.Errorf("runtime not ready within %s at %s; output tail: %s", s.cfg.ReadyTimeout, s.baseURL, s.tail.String())
		case <-tick.C:
			if s.Ready(ctx) {
				return nil
			}
		}
	}
}

// killLocked force-kills the child and waits for it to be reaped.
func (s *Supervisor) killLocked() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	s.stopping.Store(true)
	s.cmd.Process.Kill()
	<-s.exited
}

func (s *Supervisor) cleanupLocked() {
	if s.logFile != nil {
		s.logFile.Close()
	}
	s.cmd, s.exited, s.logFile = nil, nil, nil
}

// Stop terminates a spawned runtime: SIGTERM, then kill after StopTimeout.
// It does nothing for adopted runtimes and is safe to call repeatedly.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adopted || s.cmd == nil {
		return nil
	}
	pid := s.cmd.Process.Pid
	s.stopping.Store(true)
	graceful := true
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.cmd.Process.Kill()
		graceful = false
	}
	select {
	case <-s.exited:
	case <-time.After(s.cfg.StopTimeout):
		s.cmd.Process.Kill()
		<-s.exited
		graceful = false
	}
	s.cleanupLocked()
	s.log.Info().Int("pid", pid).Bool("graceful", graceful).Msg("runtime stopped")
	s.pub.Publish(Event{Name: "spawn_stop", Fields: map[string]any{"pid": pid, "graceful": graceful}})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer { return &tailBuffer{max: n} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
