package isolation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rendis/hookflow/pkg/schema"
)

const maxStderrTail = 4096

// Exchange runs cmd behind iso, writes req as JSON to its stdin and decodes
// its stdout into resp. A child killed by the outer timeout yields a
// TIMEOUT_ERROR; any other abnormal exit carries the tail of stderr.
func Exchange(ctx context.Context, iso Isolator, cmd *exec.Cmd, limits ResourceLimits, req, resp any) error {
	in, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}
	defer cancel()

	wrapped, cleanup, err := iso.Wrap(runCtx, cmd, ResourceLimits{WaitDelay: limits.WaitDelay})
	if err != nil {
		return err
	}
	defer cleanup()

	runErr := wrapped.Run()
	if runErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return schema.NewErrorf(schema.ErrCodeTimeout,
				"isolated execution exceeded %s and was terminated", limits.Timeout).WithCause(runErr)
		}
		// The child reports failures on stdout; only treat an empty stdout as fatal.
		if stdout.Len() == 0 {
			return fmt.Errorf("isolated process failed: %w: %s", runErr, tail(stderr.String()))
		}
	}

	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), resp); err != nil {
		return fmt.Errorf("decode isolated response: %w: %s", err, tail(stderr.String()))
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrTail {
		s = s[len(s)-maxStderrTail:]
	}
	return s
}
