package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/zjrosen/banshee/internal/log"
)

// maxLineSize bounds a single stdout line. Exec events can carry large
// aggregated command output.
const maxLineSize = 64 * 1024 * 1024

// ErrStdinClosed is returned by writes after the input stream was dropped.
var ErrStdinClosed = errors.New("stdin is closed")

// LineFunc receives one line without its trailing newline. The slice is only
// valid for the duration of the call.
type LineFunc func(line []byte)

// Process is a started child with its pipes.
type Process struct {
	name   string
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu      sync.RWMutex
	status  Status
	writeMu sync.Mutex

	readers  sync.WaitGroup
	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
	stopOnce sync.Once
}

func newProcess(ctx context.Context, cancel context.CancelFunc, name string, cmd *exec.Cmd,
	stdin io.WriteCloser, stdout, stderr io.ReadCloser) *Process {
	return &Process{
		name:   name,
		cmd:    cmd,
		ctx:    ctx,
		cancel: cancel,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		status: StatusRunning,
		exited: make(chan struct{}),
	}
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Status returns the current lifecycle state.
func (p *Process) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Exited is closed once the child has been waited on.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// WriteLine writes data followed by a newline to stdin. Concurrent callers
// are serialized so lines never interleave.
func (p *Process) WriteLine(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.stdin == nil {
		return ErrStdinClosed
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := p.stdin.Write(buf); err != nil {
		return fmt.Errorf("write to %s stdin: %w", p.name, err)
	}
	return nil
}

// Write writes raw bytes to stdin.
func (p *Process) Write(data []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.stdin == nil {
		return 0, ErrStdinClosed
	}
	return p.stdin.Write(data)
}

// StartReaders starts one goroutine per piped output stream. Blank lines are
// skipped. Each callback runs on its stream's goroutine, so lines of one
// stream are delivered in order. Once both streams end the child is reaped.
func (p *Process) StartReaders(onStdout, onStderr LineFunc) {
	if p.stdout != nil {
		p.readers.Add(1)
		go p.readLines(p.stdout, "stdout", onStdout)
	}
	if p.stderr != nil {
		p.readers.Add(1)
		go p.readLines(p.stderr, "stderr", onStderr)
	}
	go func() {
		p.readers.Wait()
		p.reap()
	}()
}

func (p *Process) readLines(r io.Reader, stream string, fn LineFunc) {
	defer p.readers.Done()

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if fn != nil {
			fn(line)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Debug(log.CatProcess, "scanner error",
			"subsystem", p.name, "stream", stream, "error", err)
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

// reap waits for the child exactly once and records its final status.
func (p *Process) reap() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.mu.Lock()
		if p.status == StatusRunning {
			if p.waitErr != nil {
				p.status = StatusFailed
			} else {
				p.status = StatusExited
			}
		}
		p.mu.Unlock()
		log.Debug(log.CatProcess, "process exited",
			"subsystem", p.name, "status", p.status, "error", p.waitErr)
		close(p.exited)
	})
	return p.waitErr
}

// Wait blocks until the readers have finished and the child was reaped.
func (p *Process) Wait() error {
	p.readers.Wait()
	return p.reap()
}

// CloseStdin drops the input stream, signalling EOF to the child.
func (p *Process) CloseStdin() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.stdin == nil {
		return nil
	}
	err := p.stdin.Close()
	p.stdin = nil
	return err
}

// Signal delivers sig to the child.
func (p *Process) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

// Stop kills the child, waits for it, drops stdin and joins the reader
// goroutines. It is safe to call more than once.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		if !p.status.IsTerminal() {
			p.status = StatusKilled
		}
		p.mu.Unlock()

		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		p.cancel()
		_ = p.CloseStdin()

		// Grandchildren may still hold the write ends; closing ours
		// unblocks the readers.
		if p.stdout != nil {
			_ = p.stdout.Close()
		}
		if p.stderr != nil {
			_ = p.stderr.Close()
		}
		_ = p.Wait()
	})
}

// Interrupt sends SIGINT and kills the child if it has not exited within grace.
func (p *Process) Interrupt(grace time.Duration) {
	if err := p.Signal(syscall.SIGINT); err != nil {
		log.Debug(log.CatProcess, "interrupt failed", "subsystem", p.name, "error", err)
	}
	select {
	case <-p.exited:
	case <-time.After(grace):
	}
	p.Stop()
}
