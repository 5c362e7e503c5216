package pty

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/muxpanel/muxpanel/internal/logging"
)

// LocalFactory spawns real shell processes on the local machine.
type LocalFactory struct {
	logger *logging.Logger
}

// NewLocalFactory creates a factory that spawns local PTYs.
func NewLocalFactory(logger *logging.Logger) *LocalFactory {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LocalFactory{logger: logger}
}

// Spawn starts a shell under a PTY and begins pumping its output.
func (f *LocalFactory) Spawn(opts Options) (Handle, error) {
	shell := opts.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/bash"
		}
	}

	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = os.Getenv("HOME")
		if workingDir == "" {
			workingDir = "/tmp"
		}
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd := exec.Command(shell)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for key, value := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	h := &localHandle{
		cmd:      cmd,
		ptmx:     ptmx,
		logger:   f.logger,
		dataSubs: make(map[int]func([]byte)),
		exitSubs: make(map[int]func(int)),
	}

	go h.readLoop()
	go h.waitLoop()

	return h, nil
}

type localHandle struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	logger *logging.Logger

	mu       sync.Mutex
	closed   bool
	exited   bool
	exitCode int
	nextSub  int
	dataSubs map[int]func([]byte)
	exitSubs map[int]func(int)
}

func (h *localHandle) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.dispatchData(chunk)
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Debug("pty read ended", zap.Error(err))
			}
			return
		}
	}
}

func (h *localHandle) waitLoop() {
	err := h.cmd.Wait()

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	subs := make([]func(int), 0, len(h.exitSubs))
	for _, fn := range h.exitSubs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	h.ptmx.Close()

	for _, fn := range subs {
		fn(code)
	}
}

func (h *localHandle) dispatchData(chunk []byte) {
	h.mu.Lock()
	subs := make([]func([]byte), 0, len(h.dataSubs))
	for _, fn := range h.dataSubs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(chunk)
	}
}

// OnData registers a data subscriber. A process that already exited never
// delivers further data.
func (h *localHandle) OnData(fn func([]byte)) func() {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.dataSubs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.dataSubs, id)
		h.mu.Unlock()
	}
}

// OnExit registers an exit subscriber. If the process already exited the
// callback fires immediately with the recorded code.
func (h *localHandle) OnExit(fn func(int)) func() {
	h.mu.Lock()
	if h.exited {
		code := h.exitCode
		h.mu.Unlock()
		fn(code)
		return func() {}
	}
	id := h.nextSub
	h.nextSub++
	h.exitSubs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.exitSubs, id)
		h.mu.Unlock()
	}
}

// Write sends input to the shell.
func (h *localHandle) Write(data []byte) error {
	h.mu.Lock()
	closed := h.closed || h.exited
	h.mu.Unlock()
	if closed {
		return fmt.Errorf("pty is closed")
	}
	_, err := h.ptmx.Write(data)
	return err
}

// Resize changes the terminal dimensions.
func (h *localHandle) Resize(cols, rows int) error {
	h.mu.Lock()
	closed := h.closed || h.exited
	h.mu.Unlock()
	if closed {
		return fmt.Errorf("pty is closed")
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Kill terminates the shell process and closes the PTY. Idempotent.
func (h *localHandle) Kill() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	return h.ptmx.Close()
}
