package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandRunner abstracts invocation of the container CLI so tests can
// substitute a fake runtime.
type CommandRunner interface {
	// Run executes name with args and returns captured stdout, stderr and
	// the exit code. A non-zero exit code is not an error; err is reserved
	// for failures to run the command at all (or context expiry).
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// cliRunner is the production CommandRunner backed by os/exec.
type cliRunner struct{}

// NewCLIRunner returns the default runner that shells out to the container
// CLI.
func NewCLIRunner() CommandRunner {
	return cliRunner{}
}

func (cliRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		// Context expiry wins over the synthetic exit error the runtime
		// reports for a killed process.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout.String(), stderr.String(), -1, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

// detectRuntimeCommand prefers docker, falling back to podman when only
// podman is installed.
func detectRuntimeCommand() string {
	const (
		dockerCommand = "docker"
		podmanCommand = "podman"
	)
	if _, err := exec.LookPath(podmanCommand); err == nil {
		if _, err := exec.LookPath(dockerCommand); err != nil {
			return podmanCommand
		}
	}
	return dockerCommand
}
