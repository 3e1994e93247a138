// Package sandbox manages isolated, resource-bounded execution
// environments. Each session is one container plus a private host work
// directory; sessions are created per operation and always destroyed when
// the operation finishes, on success and failure alike.
//
// Security invariants: network isolation by default, read-only root
// filesystem unless explicitly overridden, unprivileged execution user,
// resource ceilings always present, and every host-side path operation
// validated against its expected root directory.
package sandbox

import (
	"time"
)

// NetworkMode selects the container network configuration.
type NetworkMode string

const (
	// NetworkNone is the default and most restrictive mode.
	NetworkNone NetworkMode = "none"
	// NetworkBridge enables outbound network access, needed only for
	// repository clones.
	NetworkBridge NetworkMode = "bridge"
)

// ResourceLimits defines the mandatory resource ceilings for a session.
type ResourceLimits struct {
	// CPUs is the number of CPU cores to allocate (e.g. "2" or "1.5").
	CPUs string
	// Memory is the memory limit (e.g. "2g", "512m").
	Memory string
	// PIDs is the maximum number of processes/threads.
	PIDs int64
}

// SessionSpec describes the environment to create.
type SessionSpec struct {
	// Image is the container image; pulled if absent.
	Image string
	// Network defaults to NetworkNone when empty.
	Network NetworkMode
	// Limits defaults to the manager's configured ceilings when nil.
	Limits *ResourceLimits
	// User overrides the execution user; defaults to the invoking
	// uid:gid so nothing runs as root.
	User string
	// WritableRoot disables the read-only root filesystem. The session
	// workspace stays writable either way.
	WritableRoot bool
}

// Session is the ephemeral record of one live environment.
type Session struct {
	ID            string
	HostWorkDir   string
	ContainerName string
	MountedFiles  []string
	CreatedAt     time.Time
}

// Result captures one command execution inside a session.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// MountSpec describes one file materialized into a session workspace.
type MountSpec struct {
	HostPath      string
	ContainerPath string
	Mode          string
}

// CloneSpec describes a repository clone request. Clones always run inside
// an isolated environment, never on the host directly.
type CloneSpec struct {
	URL         string
	Branch      string
	Commit      string
	Depth       int
	Credentials string
}

// CloneResult reports where a clone landed.
type CloneResult struct {
	SessionID     string
	SessionDir    string
	ContainerPath string
}

// containerWorkdir is where the session host directory is mounted inside
// every container.
const containerWorkdir = "/workspace"
