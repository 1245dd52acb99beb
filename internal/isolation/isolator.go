package isolation

import (
	"context"
	"os/exec"
	"time"
)

// ResourceLimits constrains an isolated child process.
type ResourceLimits struct {
	// Timeout is the hard outer deadline; the child is killed when it elapses.
	Timeout time.Duration `json:"timeout,omitempty"`
	// WaitDelay bounds how long pipes may drain after the child is killed.
	WaitDelay time.Duration `json:"wait_delay,omitempty"`
}

// IsolatorCaps describes what an isolator can enforce.
type IsolatorCaps struct {
	CanTimeout     bool `json:"can_timeout"`
	CanLimitMemory bool `json:"can_limit_memory"`
}

// Isolator wraps a command so it runs behind a process boundary with
// enforced limits.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error)
	Capabilities() IsolatorCaps
}

// NewIsolator returns the default Isolator.
func NewIsolator() Isolator {
	return NewProcessIsolator()
}
