package sandbox

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"codeforge/pkg/faults"
)

// CloneRepository clones a remote repository for read-only inspection. The
// clone runs inside an isolated environment with network access, never on
// the host directly, and only TLS URLs are accepted. The caller owns the
// returned session and must destroy it when done.
func (m *Manager) CloneRepository(ctx context.Context, spec CloneSpec) (CloneResult, error) {
	cloneURL, err := validateCloneURL(spec.URL)
	if err != nil {
		return CloneResult{}, err
	}

	if spec.Credentials != "" {
		// Credentials travel only inside the sandbox, embedded in the
		// clone URL for the single git invocation.
		cloneURL.User = url.User(spec.Credentials)
	}

	sessionID, err := m.CreateSession(ctx, SessionSpec{
		Network: NetworkBridge,
	})
	if err != nil {
		return CloneResult{}, err
	}

	script := buildCloneScript(cloneURL.String(), spec)
	result, err := m.Exec(ctx, sessionID, []string{"sh", "-c", script}, m.defaultTimeout, containerWorkdir)
	if err != nil {
		m.DestroySession(ctx, sessionID)
		return CloneResult{}, err
	}
	if result.ExitCode != 0 {
		m.DestroySession(ctx, sessionID)
		return CloneResult{}, faults.New(faults.KindInfrastructure, "clone of %s failed (exit %d): %s",
			spec.URL, result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	sessionDir, err := m.SessionDir(sessionID)
	if err != nil {
		return CloneResult{}, err
	}

	return CloneResult{
		SessionID:     sessionID,
		SessionDir:    sessionDir,
		ContainerPath: containerWorkdir + "/repo",
	}, nil
}

// validateCloneURL refuses anything that is not an https URL.
func validateCloneURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, faults.Wrap(faults.KindSecurityViolation, err, "invalid repository URL %q", raw)
	}
	if parsed.Scheme != "https" {
		return nil, faults.New(faults.KindSecurityViolation, "repository URL %q is not TLS (scheme %q)", raw, parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, faults.New(faults.KindSecurityViolation, "repository URL %q has no host", raw)
	}
	return parsed, nil
}

func buildCloneScript(cloneURL string, spec CloneSpec) string {
	var sb strings.Builder
	sb.WriteString("git clone")
	if spec.Depth > 0 {
		fmt.Fprintf(&sb, " --depth %d", spec.Depth)
	}
	if spec.Branch != "" {
		fmt.Fprintf(&sb, " --branch %s", shellQuote(spec.Branch))
	}
	fmt.Fprintf(&sb, " %s %s/repo", shellQuote(cloneURL), containerWorkdir)
	if spec.Commit != "" {
		fmt.Fprintf(&sb, " && git -C %s/repo checkout %s", containerWorkdir, shellQuote(spec.Commit))
	}
	return sb.String()
}

// shellQuote single-quotes a value for POSIX sh.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
