package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// runShell executes command under /bin/sh, honouring ctx cancellation.
// Output is only surfaced on failure, as part of the recorded error.
func runShell(ctx context.Context, command string) error {
	if command == "" {
		return errors.New("shell job: empty command")
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if trimmed := bytes.TrimSpace(out); len(trimmed) > 0 {
			return fmt.Errorf("shell job: %w: %s", err, trimmed)
		}
		return fmt.Errorf("shell job: %w", err)
	}
	return nil
}
