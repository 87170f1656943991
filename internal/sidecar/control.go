// Package sidecar is the control channel into agent containers. Each agent
// container runs a sidecar listener tailing a named pipe; commands are
// injected by exec'ing a minimal shell that copies an environment variable
// into the pipe, so the payload never passes through shell quoting.
package sidecar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crewhall/crewhall/internal/driver"
)

// DefaultOpTimeout bounds every non-attach sidecar operation.
const DefaultOpTimeout = 15 * time.Second

// Control issues commands to sidecars. Addressing is by compose project
// (one per team) and service (one per agent).
type Control struct {
	drv      driver.Driver
	pipePath string
	timeout  time.Duration

	ptys *ptyManager
}

// New creates a Control writing to pipePath inside agent containers.
func New(drv driver.Driver, pipePath string, consoleCmd []string) *Control {
	if pipePath == "" {
		pipePath = "/run/crew/control"
	}
	return &Control{
		drv:      drv,
		pipePath: pipePath,
		timeout:  DefaultOpTimeout,
		ptys:     newPTYManager(drv, consoleCmd),
	}
}

// Nudge asks a stalled agent to take a look at its channels.
func (c *Control) Nudge(ctx context.Context, project, service, text string) error {
	return c.command(ctx, project, service, "nudge "+text)
}

// Interrupt cancels the agent's in-flight turn.
func (c *Control) Interrupt(ctx context.Context, project, service string) error {
	return c.command(ctx, project, service, "interrupt")
}

// Directive injects an operator instruction into the agent's prompt stream.
func (c *Control) Directive(ctx context.Context, project, service, text string) error {
	return c.command(ctx, project, service, "directive "+text)
}

// Exec asks the sidecar to run a command in the agent's workspace. argv is
// joined with spaces; the sidecar owns tokenization.
func (c *Control) Exec(ctx context.Context, project, service string, argv []string) error {
	return c.command(ctx, project, service, "exec "+strings.Join(argv, " "))
}

// command writes one newline-terminated line to the sidecar FIFO. The line
// travels in CREW_CMD; the shell only ever sees the variable reference.
func (c *Control) command(ctx context.Context, project, service, line string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.drv.Exec(ctx, project, service,
		[]string{"/bin/sh", "-c", fmt.Sprintf(`printf '%%s\n' "$CREW_CMD" > %s`, c.pipePath)},
		[]string{"CREW_CMD=" + line},
	)
	return err
}
