// Package driver abstracts the container runtime. The orchestrator only
// needs three capabilities: bring a compose-style topology up or down, run a
// command inside a running service, and open an interactive (PTY) exec for
// console streaming.
package driver

import (
	"context"
	"io"
)

// ServiceStatus describes one service of a project topology.
type ServiceStatus struct {
	Service     string // compose service name
	ContainerID string
	State       string // "running", "exited", ...
	Running     bool
}

// ExecResult is the outcome of a non-interactive exec.
type ExecResult struct {
	ExitCode int
	Output   string // combined stdout+stderr
}

// Driver is the container runtime boundary. Implementations must return
// orcerr.KindDriverUnavailable for connectivity errors (retry-safe) and
// orcerr.KindDriverFailure when the runtime completed but the operation
// failed (not retry-safe).
type Driver interface {
	// Up brings the project topology up (idempotent for already-running
	// services).
	Up(ctx context.Context, project string, composeYAML []byte) error
	// Down tears the project topology down. Unknown projects are a no-op.
	Down(ctx context.Context, project string) error
	// Status lists the project's services and their container state.
	Status(ctx context.Context, project string) ([]ServiceStatus, error)
	// Exec runs cmd inside the named running service and waits for it.
	Exec(ctx context.Context, project, service string, cmd []string, env []string) (ExecResult, error)
	// AttachInteractive opens a PTY exec inside the named service. The
	// returned stream carries raw terminal bytes both ways; Close ends the
	// session.
	AttachInteractive(ctx context.Context, project, service string, cmd []string) (io.ReadWriteCloser, error)
}
