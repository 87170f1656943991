package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/crewhall/crewhall/internal/orcerr"
)

// Compose labels stamped by the compose CLI; used to find a project's
// containers through the engine API.
const (
	labelProject = "com.docker.compose.project"
	labelService = "com.docker.compose.service"
)

// ComposeDriver drives topologies with the docker compose CLI (up/down;
// compose has no Go SDK) and the engine API for everything per-container
// (status, exec, PTY attach).
type ComposeDriver struct {
	bin string // "docker"
	cli *client.Client
}

// NewCompose connects to the local engine. bin is the docker CLI binary
// used for compose invocations.
func NewCompose(bin string) (*ComposeDriver, error) {
	if bin == "" {
		bin = "docker"
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindDriverUnavailable, err, "docker engine client")
	}
	return &ComposeDriver{bin: bin, cli: cli}, nil
}

// Ping verifies engine connectivity (used by `crewhall doctor`).
func (d *ComposeDriver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return orcerr.Wrap(orcerr.KindDriverUnavailable, err, "docker engine unreachable")
	}
	return nil
}

// Close releases the engine client.
func (d *ComposeDriver) Close() error { return d.cli.Close() }

func (d *ComposeDriver) Up(ctx context.Context, project string, composeYAML []byte) error {
	return d.compose(ctx, project, composeYAML, "up", "-d", "--remove-orphans")
}

func (d *ComposeDriver) Down(ctx context.Context, project string) error {
	// Down needs no file when the project label is given.
	return d.compose(ctx, project, nil, "down", "--volumes", "--remove-orphans")
}

// compose runs `docker compose -p <project> [-f -] <args...>` with the YAML
// on stdin when provided.
func (d *ComposeDriver) compose(ctx context.Context, project string, composeYAML []byte, args ...string) error {
	argv := []string{"compose", "-p", project}
	if composeYAML != nil {
		argv = append(argv, "-f", "-")
	}
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, d.bin, argv...)
	if composeYAML != nil {
		cmd.Stdin = bytes.NewReader(composeYAML)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	slog.Debug("driver.compose", "project", project, "args", strings.Join(args, " "))
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return orcerr.Wrap(orcerr.KindDriverUnavailable, err, "%s not installed", d.bin)
	}
	if ctx.Err() != nil {
		return orcerr.Wrap(orcerr.KindDriverUnavailable, ctx.Err(), "compose %s timed out", args[0])
	}
	msg := strings.TrimSpace(stderr.String())
	if isConnectivity(msg) {
		return orcerr.New(orcerr.KindDriverUnavailable, "compose %s: %s", args[0], msg)
	}
	return orcerr.New(orcerr.KindDriverFailure, "compose %s: %s", args[0], msg)
}

func (d *ComposeDriver) Status(ctx context.Context, project string) ([]ServiceStatus, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelProject+"="+project)),
	})
	if err != nil {
		return nil, classifyEngineErr(err, "list containers")
	}

	out := make([]ServiceStatus, 0, len(list))
	for _, c := range list {
		out = append(out, ServiceStatus{
			Service:     c.Labels[labelService],
			ContainerID: c.ID,
			State:       c.State,
			Running:     c.State == "running",
		})
	}
	return out, nil
}

// findContainer resolves a running container for (project, service).
func (d *ComposeDriver) findContainer(ctx context.Context, project, service string) (string, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", labelProject+"="+project),
			filters.Arg("label", labelService+"="+service),
		),
	})
	if err != nil {
		return "", classifyEngineErr(err, "list containers")
	}
	if len(list) == 0 {
		return "", orcerr.New(orcerr.KindNotFound, "no running container for %s/%s", project, service)
	}
	return list[0].ID, nil
}

func (d *ComposeDriver) Exec(ctx context.Context, project, service string, cmd []string, env []string) (ExecResult, error) {
	id, err := d.findContainer(ctx, project, service)
	if err != nil {
		return ExecResult{}, err
	}

	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, classifyEngineErr(err, "exec create")
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, classifyEngineErr(err, "exec attach")
	}
	defer attach.Close()

	// Non-TTY exec output is stream-multiplexed.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attach.Reader); err != nil && !errors.Is(err, io.EOF) {
		return ExecResult{}, orcerr.Wrap(orcerr.KindDriverFailure, err, "exec read")
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, classifyEngineErr(err, "exec inspect")
	}
	res := ExecResult{ExitCode: inspect.ExitCode, Output: buf.String()}
	if res.ExitCode != 0 {
		return res, orcerr.New(orcerr.KindDriverFailure, "exec exited %d: %s",
			res.ExitCode, strings.TrimSpace(res.Output))
	}
	return res, nil
}

func (d *ComposeDriver) AttachInteractive(ctx context.Context, project, service string, cmd []string) (io.ReadWriteCloser, error) {
	id, err := d.findContainer(ctx, project, service)
	if err != nil {
		return nil, err
	}

	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, classifyEngineErr(err, "exec create")
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, classifyEngineErr(err, "exec attach")
	}
	return &hijackStream{resp: attach}, nil
}

// hijackStream adapts a hijacked exec connection to io.ReadWriteCloser.
// With a TTY the stream is raw (no stdcopy framing).
type hijackStream struct {
	resp types.HijackedResponse
}

func (s *hijackStream) Read(p []byte) (int, error)  { return s.resp.Reader.Read(p) }
func (s *hijackStream) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }
func (s *hijackStream) Close() error {
	s.resp.Close()
	return nil
}

func classifyEngineErr(err error, op string) error {
	if client.IsErrConnectionFailed(err) {
		return orcerr.Wrap(orcerr.KindDriverUnavailable, err, "%s", op)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return orcerr.Wrap(orcerr.KindDriverUnavailable, err, "%s", op)
	}
	return orcerr.Wrap(orcerr.KindDriverFailure, err, "%s", op)
}

func isConnectivity(stderr string) bool {
	for _, marker := range []string{
		"Cannot connect to the Docker daemon",
		"connection refused",
		"error during connect",
	} {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

var _ Driver = (*ComposeDriver)(nil)
