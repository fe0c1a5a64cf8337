// Package ffmpeg runs ffmpeg child processes for encoding and audio capture.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/recorder/internal/logging"
)

var log = logging.L("ffmpeg")

const queryTimeout = 5 * time.Second

// ErrNotFound is returned when the ffmpeg binary cannot be resolved.
var ErrNotFound = errors.New("ffmpeg binary not found")

// Locate resolves the ffmpeg binary. An empty path searches $PATH for
// "ffmpeg".
func Locate(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return resolved, nil
}

// Version returns the first line of `ffmpeg -version`.
func Version(path string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-hide_banner", "-version").Output()
	if ctx.Err() != nil {
		return "", fmt.Errorf("ffmpeg -version timeout after %s", queryTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("ffmpeg -version failed: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// Encoders lists the encoder names ffmpeg was built with, keyed by name.
func Encoders(path string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg -encoders timeout after %s", queryTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders failed: %w", err)
	}
	return parseEncoders(out), nil
}

// parseEncoders reads `ffmpeg -encoders` output. The legend above the
// " ------" separator uses the same flag column, so anything seen before the
// separator is discarded.
func parseEncoders(out []byte) map[string]struct{} {
	encoders := make(map[string]struct{})
	for _, line := range strings.Split(string(out), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "---") {
			clear(encoders)
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 2 || fields[1] == "=" {
			continue
		}
		// " V....D libx264  libx264 H.264 ..." : flags column then name.
		flags := fields[0]
		if len(flags) != 6 || strings.Trim(flags, "VASFXBD.") != "" {
			continue
		}
		if flags[0] == 'V' || flags[0] == 'A' {
			encoders[fields[1]] = struct{}{}
		}
	}
	return encoders
}

// Process is a running ffmpeg child with piped stdio. The owner must drain
// Stdout to EOF before calling Wait.
type Process struct {
	cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	stderr *TailBuffer

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// Start launches ffmpeg with the given arguments. When withStdin is false
// the child's stdin is /dev/null.
func Start(path string, args []string, withStdin bool) (*Process, error) {
	cmd := exec.Command(path, args...)
	configureChild(cmd)

	p := &Process{
		cmd:    cmd,
		stderr: NewTailBuffer(4096),
		done:   make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	var err error
	if withStdin {
		if p.Stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("ffmpeg stdin pipe: %w", err)
		}
	}
	if p.Stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	log.Debug("ffmpeg started", "pid", cmd.Process.Pid, "args", strings.Join(args, " "))
	return p, nil
}

// Wait reaps the child once. Later calls return the first result.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err != nil {
			if tail := p.StderrTail(); tail != "" {
				err = fmt.Errorf("%w: %s", err, tail)
			}
		}
		p.waitErr = err
		close(p.done)
	})
	return p.waitErr
}

// Done is closed once Wait has returned.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Interrupt asks ffmpeg to stop with SIGINT and kills it if it has not been
// reaped within grace.
func (p *Process) Interrupt(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.Kill()
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		log.Warn("ffmpeg did not exit after interrupt, killing", "pid", p.cmd.Process.Pid)
		p.Kill()
	}
}

// Kill terminates the child and its process group.
func (p *Process) Kill() {
	if err := killChild(p.cmd); err != nil {
		log.Debug("kill ffmpeg", "error", err.Error())
	}
}

// StderrTail returns the last lines ffmpeg wrote to stderr.
func (p *Process) StderrTail() string {
	return strings.TrimSpace(p.stderr.String())
}

// TailBuffer keeps the last max bytes written to it.
type TailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func NewTailBuffer(max int) *TailBuffer {
	return &TailBuffer{max: max}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
		// Start at a line boundary when one is available.
		if i := bytes.IndexByte(t.buf, '\n'); i >= 0 && i < len(t.buf)-1 {
			t.buf = t.buf[i+1:]
		}
	}
	return len(p), nil
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
