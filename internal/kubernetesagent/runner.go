package kubernetesagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// DefaultMaxOutputBytes caps how much kubectl output is returned per command.
const DefaultMaxOutputBytes = 1 << 20

const truncatedMarker = "\n[output truncated]"

// Runner executes validated kubectl arguments. Args never include the binary name.
type Runner interface {
	Run(ctx context.Context, args []string) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, args []string) (string, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, args []string) (string, error) { return f(ctx, args) }

// KubectlRunner runs the kubectl binary with combined stdout and stderr.
type KubectlRunner struct {
	Path           string
	Kubeconfig     string
	Context        string
	MaxOutputBytes int
}

// Run executes kubectl. The process is killed when ctx ends.
func (k KubectlRunner) Run(ctx context.Context, args []string) (string, error) {
	path := strings.TrimSpace(k.Path)
	if path == "" {
		path = "kubectl"
	}
	full := make([]string, 0, len(args)+4)
	if k.Kubeconfig != "" {
		full = append(full, "--kubeconfig", k.Kubeconfig)
	}
	if k.Context != "" {
		full = append(full, "--context", k.Context)
	}
	full = append(full, args...)

	out := &cappedBuffer{limit: k.MaxOutputBytes}
	if out.limit <= 0 {
		out.limit = DefaultMaxOutputBytes
	}

	cmd := exec.CommandContext(ctx, path, full...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(cmd.Environ(), "KUBECTL_INTERACTIVE_DELETE=false")

	err := cmd.Run()
	output := out.String()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return output, fmt.Errorf("kubectl did not finish: %w", ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, fmt.Errorf("kubectl exited with status %d", exitErr.ExitCode())
	}
	if err != nil {
		return output, fmt.Errorf("run kubectl: %w", err)
	}
	return output, nil
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + truncatedMarker
	}
	return c.buf.String()
}
