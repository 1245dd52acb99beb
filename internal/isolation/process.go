package isolation

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

const defaultWaitDelay = 5 * time.Second

var _ Isolator = (*ProcessIsolator)(nil)

// ProcessIsolator runs the command as a separate OS process and enforces the
// outer timeout by killing it.
type ProcessIsolator struct{}

// NewProcessIsolator creates a ProcessIsolator.
func NewProcessIsolator() *ProcessIsolator {
	return &ProcessIsolator{}
}

// Wrap clones cmd onto a context-aware exec.Cmd carrying the timeout.
// The returned cleanup function must always be called after the process
// completes. The caller must use the returned *exec.Cmd, not the original.
func (p *ProcessIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// exec.Cmd.Cancel is only honored for cmds created via exec.CommandContext.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr

	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = limits.WaitDelay
	if wrapped.WaitDelay <= 0 {
		wrapped.WaitDelay = defaultWaitDelay
	}

	var once sync.Once
	cleanup := func() { once.Do(cancel) }
	return wrapped, cleanup, nil
}

// Capabilities reports timeout enforcement only.
func (p *ProcessIsolator) Capabilities() IsolatorCaps {
	return IsolatorCaps{CanTimeout: true}
}
