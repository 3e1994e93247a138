package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"codeforge/pkg/config"
	"codeforge/pkg/faults"
	"codeforge/pkg/logx"
	"codeforge/pkg/metrics"
)

const containerPrefix = "codeforge-session-"

// Manager owns the active-session table and drives the container runtime
// through its CLI. It is constructed explicitly and passed by reference;
// there is no process-wide session registry.
type Manager struct {
	logger     *logx.Logger
	runner     CommandRunner
	metrics    *metrics.Recorder
	runtimeCmd string
	workRoot   string

	defaultImage   string
	defaultNetwork NetworkMode
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits

	mu       sync.RWMutex
	sessions map[string]*Session
	pulled   map[string]bool
}

// NewManager creates a sandbox manager rooted at the configured host work
// directory.
func NewManager(cfg *config.SandboxConfig) (*Manager, error) {
	return NewManagerWithRunner(cfg, NewCLIRunner())
}

// NewManagerWithRunner creates a manager with an injected CLI runner.
// Tests use this to substitute a fake container runtime.
func NewManagerWithRunner(cfg *config.SandboxConfig, runner CommandRunner) (*Manager, error) {
	workRoot, err := filepath.Abs(cfg.HostWorkRoot)
	if err != nil {
		return nil, faults.Wrap(faults.KindInfrastructure, err, "failed to resolve host work root %s", cfg.HostWorkRoot)
	}
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return nil, faults.Wrap(faults.KindInfrastructure, err, "failed to create host work root %s", workRoot)
	}

	network := NetworkMode(cfg.DefaultNetworkMode)
	if network == "" {
		network = NetworkNone
	}

	return &Manager{
		logger:         logx.NewLogger("sandbox"),
		runner:         runner,
		metrics:        metrics.Default(),
		runtimeCmd:     detectRuntimeCommand(),
		workRoot:       workRoot,
		defaultImage:   cfg.DefaultImage,
		defaultNetwork: network,
		defaultTimeout: time.Duration(cfg.DefaultCommandTimeoutMS) * time.Millisecond,
		defaultLimits: ResourceLimits{
			CPUs:   cfg.CPUs,
			Memory: cfg.Memory,
			PIDs:   cfg.PIDs,
		},
		sessions: make(map[string]*Session),
		pulled:   make(map[string]bool),
	}, nil
}

// CreateSession starts an isolated environment and returns its session id.
// The environment idles until Exec is called and lives until
// DestroySession.
func (m *Manager) CreateSession(ctx context.Context, spec SessionSpec) (string, error) {
	image := spec.Image
	if image == "" {
		image = m.defaultImage
	}
	if err := m.ensureImage(ctx, image); err != nil {
		return "", err
	}

	sessionID := uuid.NewString()
	hostDir := filepath.Join(m.workRoot, sessionID)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return "", faults.Wrap(faults.KindInfrastructure, err, "failed to create session directory")
	}

	containerName := containerPrefix + sessionID
	args := m.buildRunArgs(containerName, hostDir, image, spec)

	stdout, stderr, exitCode, err := m.runner.Run(ctx, m.runtimeCmd, args...)
	if err != nil || exitCode != 0 {
		_ = os.RemoveAll(hostDir)
		if err == nil {
			err = fmt.Errorf("runtime exited %d: %s", exitCode, strings.TrimSpace(stderr))
		}
		return "", faults.Wrap(faults.KindInfrastructure, err, "sandbox creation failed for image %s", image).
			WithContext("image", image)
	}
	_ = stdout

	session := &Session{
		ID:            sessionID,
		HostWorkDir:   hostDir,
		ContainerName: containerName,
		CreatedAt:     time.Now().UTC(),
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	m.metrics.ObserveSessionCreated()
	m.logger.Debug("Created session %s (image %s, network %s)", sessionID, image, spec.Network)
	return sessionID, nil
}

// buildRunArgs constructs the container run invocation with the security
// hardening every session carries.
func (m *Manager) buildRunArgs(containerName, hostDir, image string, spec SessionSpec) []string {
	args := []string{"run", "-d", "--name", containerName}

	args = append(args, "--security-opt", "no-new-privileges")

	if !spec.WritableRoot {
		args = append(args, "--read-only")
	}

	network := spec.Network
	if network == "" {
		network = m.defaultNetwork
	}
	args = append(args, "--network", string(network))

	limits := spec.Limits
	if limits == nil {
		limits = &m.defaultLimits
	}
	args = append(args, "--cpus", limits.CPUs)
	args = append(args, "--memory", limits.Memory)
	args = append(args, "--pids-limit", strconv.FormatInt(limits.PIDs, 10))

	user := spec.User
	if user == "" {
		user = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	}
	args = append(args, "--user", user)

	args = append(args, "--volume", fmt.Sprintf("%s:%s:rw", hostDir, containerWorkdir))
	args = append(args, "--workdir", containerWorkdir)
	args = append(args, "--tmpfs", "/tmp:exec,nodev,nosuid,size=100m")

	args = append(args, image)
	// Idle entrypoint; work happens through exec.
	args = append(args, "sleep", "infinity")
	return args
}

// Exec runs a command inside a session, capturing both streams and racing
// execution against the timeout. On expiry the container is killed so the
// underlying process is forcibly terminated, and a timeout error is
// returned. The exit code is authoritative; the caller decides pass/fail.
func (m *Manager) Exec(ctx context.Context, sessionID string, command []string, timeout time.Duration, workingDir string) (Result, error) {
	if len(command) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}

	session, err := m.lookup(sessionID)
	if err != nil {
		return Result{}, err
	}

	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"exec"}
	if workingDir != "" {
		args = append(args, "--workdir", workingDir)
	}
	args = append(args, session.ContainerName)
	args = append(args, command...)

	start := time.Now()
	stdout, stderr, exitCode, runErr := m.runner.Run(execCtx, m.runtimeCmd, args...)
	duration := time.Since(start)

	result := Result{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Duration: duration,
	}

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			// Killing the client process does not stop the contained
			// process, so kill the container itself.
			m.killContainer(session.ContainerName)
			m.metrics.ObserveExec("timeout", duration)
			return result, faults.New(faults.KindTimeout, "command timed out after %s in session %s", timeout, sessionID).
				WithContext("session_id", sessionID).
				WithContext("timeout", timeout.String())
		}
		m.metrics.ObserveExec("error", duration)
		return result, faults.Wrap(faults.KindInfrastructure, runErr, "failed to exec in session %s", sessionID)
	}

	m.metrics.ObserveExec("completed", duration)
	return result, nil
}

// MountFiles writes each file under the session's private host directory
// and returns mount descriptors. Every target path is validated before
// anything is written: a single path escaping the session directory
// rejects the whole set with a security violation and writes nothing.
func (m *Manager) MountFiles(sessionID string, files map[string]string) ([]MountSpec, error) {
	session, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	type target struct {
		rel     string
		host    string
		content string
	}
	targets := make([]target, 0, len(files))
	for path, content := range files {
		hostPath, relPath, err := resolveWithin(session.HostWorkDir, path)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target{rel: relPath, host: hostPath, content: content})
	}

	specs := make([]MountSpec, 0, len(targets))
	for _, t := range targets {
		if err := os.MkdirAll(filepath.Dir(t.host), 0o755); err != nil {
			return nil, faults.Wrap(faults.KindInfrastructure, err, "failed to create directory for %s", t.rel)
		}
		if err := os.WriteFile(t.host, []byte(t.content), 0o644); err != nil {
			return nil, faults.Wrap(faults.KindInfrastructure, err, "failed to write file %s", t.rel)
		}
		specs = append(specs, MountSpec{
			HostPath:      t.host,
			ContainerPath: filepath.ToSlash(filepath.Join(containerWorkdir, t.rel)),
			Mode:          "rw",
		})
	}

	m.mu.Lock()
	for _, spec := range specs {
		session.MountedFiles = append(session.MountedFiles, spec.ContainerPath)
	}
	m.mu.Unlock()

	return specs, nil
}

// resolveWithin joins a relative path onto root and rejects anything that
// resolves outside it.
func resolveWithin(root, path string) (hostPath, relPath string, err error) {
	if filepath.IsAbs(path) {
		return "", "", faults.New(faults.KindSecurityViolation, "absolute path %q not permitted in session mount", path)
	}
	joined := filepath.Join(root, filepath.FromSlash(path))
	rel, relErr := filepath.Rel(root, joined)
	if relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", faults.New(faults.KindSecurityViolation, "path %q escapes the session directory", path)
	}
	return joined, path, nil
}

// DestroySession stops and removes a session's container and host
// directory. It is idempotent: destroying an unknown or already-destroyed
// session is a no-op. Removal failures are logged and swallowed because
// cleanup must not block forward progress.
func (m *Manager) DestroySession(ctx context.Context, sessionID string) {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if exists {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !exists {
		return
	}

	m.removeContainer(ctx, session.ContainerName)
	m.removeHostDir(session.HostWorkDir)
	m.metrics.ObserveSessionDestroyed()
	m.logger.Debug("Destroyed session %s", sessionID)
}

// DestroyAll tears down every tracked session in parallel, best-effort.
// Used on shutdown; it never fails, it only runs out of patience.
func (m *Manager) DestroyAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			m.DestroySession(ctx, sessionID)
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Session cleanup interrupted: %v", ctx.Err())
	}
}

// ActiveSessions returns the number of tracked sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SessionDir returns the host work directory for a session id.
func (m *Manager) SessionDir(sessionID string) (string, error) {
	session, err := m.lookup(sessionID)
	if err != nil {
		return "", err
	}
	return session.HostWorkDir, nil
}

func (m *Manager) lookup(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, faults.New(faults.KindInfrastructure, "unknown session %s", sessionID)
	}
	return session, nil
}

// ensureImage checks for the image locally and pulls it when absent.
func (m *Manager) ensureImage(ctx context.Context, image string) error {
	m.mu.RLock()
	known := m.pulled[image]
	m.mu.RUnlock()
	if known {
		return nil
	}

	stdout, _, exitCode, err := m.runner.Run(ctx, m.runtimeCmd, "images", "-q", image)
	if err != nil {
		return faults.Wrap(faults.KindInfrastructure, err, "failed to check for image %s", image)
	}
	if exitCode == 0 && strings.TrimSpace(stdout) != "" {
		m.markPulled(image)
		return nil
	}

	m.logger.Info("Pulling image %s", image)
	_, stderr, exitCode, err := m.runner.Run(ctx, m.runtimeCmd, "pull", image)
	if err != nil || exitCode != 0 {
		if err == nil {
			err = fmt.Errorf("pull exited %d: %s", exitCode, strings.TrimSpace(stderr))
		}
		return faults.Wrap(faults.KindInfrastructure, err, "failed to pull image %s", image)
	}
	m.markPulled(image)
	return nil
}

func (m *Manager) markPulled(image string) {
	m.mu.Lock()
	m.pulled[image] = true
	m.mu.Unlock()
}

// killContainer forcibly terminates a container's processes. Best-effort;
// the session teardown removes the container afterwards.
func (m *Manager) killContainer(containerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, stderr, exitCode, err := m.runner.Run(ctx, m.runtimeCmd, "kill", containerName); err != nil || exitCode != 0 {
		m.logger.Debug("Failed to kill container %s: %v %s", containerName, err, stderr)
	}
}

// removeContainer stops and removes a container, logging failures.
func (m *Manager) removeContainer(ctx context.Context, containerName string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, stderr, exitCode, err := m.runner.Run(rmCtx, m.runtimeCmd, "rm", "-f", containerName); err != nil || exitCode != 0 {
		m.logger.Warn("Failed to remove container %s: %v %s", containerName, err, strings.TrimSpace(stderr))
	}
}

// removeHostDir deletes a session directory, refusing anything that is not
// a descendant of the configured work root.
func (m *Manager) removeHostDir(dir string) {
	rel, err := filepath.Rel(m.workRoot, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		m.logger.Error("Refusing to remove directory outside work root: %s", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("Failed to remove session directory %s: %v", dir, err)
	}
}
