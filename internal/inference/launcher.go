package inference

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jack-braga/kitchen-sync/internal/protocol"
)

// ProcessConfig describes how to spawn the engine binary
type ProcessConfig struct {
	// Path to the detect-engine binary
	Path string
	Args []string
	// Codec used on stdin/stdout (default msgpack)
	Codec protocol.Codec
	// StopTimeout bounds the graceful exit before the process is killed
	StopTimeout time.Duration
}

// Process is a running engine subprocess. Messages flow over its stdin and
// stdout; its stderr carries engine logs.
type Process struct {
	cmd    *exec.Cmd
	conn   *protocol.StreamConn
	stdin  io.WriteCloser
	stderr io.ReadCloser

	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	exited   chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// StartProcess spawns the engine and returns once it is running
func StartProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("inference: engine binary path is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.MsgpackCodec{}
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}

	p := &Process{
		timeout: cfg.StopTimeout,
		exited:  make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	args := append([]string{"-codec", cfg.Codec.Name()}, cfg.Args...)
	p.cmd = exec.CommandContext(p.ctx, cfg.Path, args...)

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		p.cancel()
		return nil, fmt.Errorf("inference: create stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		p.cancel()
		return nil, fmt.Errorf("inference: create stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		p.cancel()
		return nil, fmt.Errorf("inference: create stderr pipe: %w", err)
	}
	p.stdin = stdin
	p.stderr = stderr

	if err := p.cmd.Start(); err != nil {
		p.cancel()
		return nil, fmt.Errorf("inference: start engine process: %w", err)
	}

	p.conn = protocol.NewStreamConn(stdout, stdin, stdin, cfg.Codec)

	slog.Info("inference: engine process spawned",
		"path", cfg.Path,
		"pid", p.cmd.Process.Pid,
		"codec", cfg.Codec.Name(),
	)

	p.wg.Add(2)
	go p.logStderr()
	go p.waitProcess()

	return p, nil
}

// Conn returns the message connection to the engine
func (p *Process) Conn() protocol.Conn {
	return p.conn
}

// Exited is closed once the process has exited
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Stop closes stdin so the engine exits on its own, and kills it if it has
// not exited within the stop timeout. Idempotent.
func (p *Process) Stop() error {
	if !p.stopping.CompareAndSwap(false, true) {
		return nil
	}

	slog.Info("inference: stopping engine process", "pid", p.cmd.Process.Pid)
	p.conn.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("inference: engine process stopped cleanly")
	case <-time.After(p.timeout):
		slog.Warn("inference: engine stop timeout, killing process", "pid", p.cmd.Process.Pid)
		p.cancel()
		<-done
	}
	p.cancel()
	return nil
}

// logStderr relays engine log lines at a matching level
func (p *Process) logStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, `"level":"ERROR"`, "level=ERROR"):
			slog.Error("inference: engine error", "log", line)
		case containsAny(line, `"level":"WARN"`, "level=WARN"):
			slog.Warn("inference: engine warning", "log", line)
		default:
			slog.Debug("inference: engine log", "log", line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("inference: engine stderr closed", "error", err)
	}
}

func (p *Process) waitProcess() {
	defer p.wg.Done()
	defer close(p.exited)

	err := p.cmd.Wait()
	pid := p.cmd.Process.Pid
	switch {
	case err == nil:
		slog.Info("inference: engine process exited cleanly", "pid", pid)
	case p.stopping.Load() || p.ctx.Err() != nil:
		slog.Debug("inference: engine process exited (shutdown)", "pid", pid, "error", err)
	default:
		slog.Error("inference: engine process exited unexpectedly", "pid", pid, "error", err)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
