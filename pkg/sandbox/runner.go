package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// execRunner shells out to the container runtime CLI.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed != "" {
			return "", fmt.Errorf("%s %s: %w: %s", name, args[0], err, trimmed)
		}
		return "", fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return string(out), nil
}
