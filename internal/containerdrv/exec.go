package containerdrv

import (
	"bytes"
	"context"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/canyouhack-org/sandboxd/internal/apperr"
)

// ExecStream is the bidirectional, byte-oriented pipe into a running exec,
// returned by OpenExec. Reads yield shell output; writes deliver input.
type ExecStream struct {
	driver *Driver
	execID string
	conn   interface {
		io.ReadWriteCloser
	}
}

// OpenExec implements §4.1's open_exec: an interactive shell with a TTY,
// stdio merged, and the environment overridden per the contract in §4.1.
func (d *Driver) OpenExec(ctx context.Context, h Handle, argv []string, env []string, cols, rows uint) (ExecHandle, *ExecStream, error) {
	created, err := d.cli.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          argv,
		Env:          env,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workdir,
	})
	if err != nil {
		return ExecHandle{}, nil, apperr.Wrap(apperr.KindTransport, err, "creating exec in %s", h.Name)
	}

	hijacked, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return ExecHandle{}, nil, apperr.Wrap(apperr.KindTransport, err, "attaching exec in %s", h.Name)
	}

	eh := ExecHandle{ID: created.ID}
	if cols > 0 && rows > 0 {
		_ = d.cli.ContainerExecResize(ctx, eh.ID, container.ResizeOptions{Width: cols, Height: rows})
	}

	return eh, &ExecStream{driver: d, execID: eh.ID, conn: hijacked.Conn}, nil
}

// Read satisfies io.Reader, yielding raw exec output bytes.
func (s *ExecStream) Read(p []byte) (int, error) { return s.conn.Read(p) }

// Write satisfies io.Writer, delivering raw bytes as exec input.
func (s *ExecStream) Write(p []byte) (int, error) { return s.conn.Write(p) }

// Close tears down the underlying hijacked connection.
func (s *ExecStream) Close() error { return s.conn.Close() }

// Resize implements §4.1/§4.5's exec_resize.
func (d *Driver) Resize(ctx context.Context, eh ExecHandle, cols, rows uint) error {
	if err := d.cli.ContainerExecResize(ctx, eh.ID, container.ResizeOptions{Width: cols, Height: rows}); err != nil {
		return apperr.Wrap(apperr.KindTransport, err, "resizing exec %s", eh.ID)
	}
	return nil
}

// ExecOneshot runs argv to completion inside h and returns its exit code and
// combined stdout/stderr, used for health probes and the /run endpoint.
func (d *Driver) ExecOneshot(ctx context.Context, h Handle, argv []string) (int, []byte, error) {
	created, err := d.cli.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workdir,
	})
	if err != nil {
		return -1, nil, apperr.Wrap(apperr.KindTransport, err, "creating oneshot exec in %s", h.Name)
	}

	hijacked, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, nil, apperr.Wrap(apperr.KindTransport, err, "attaching oneshot exec in %s", h.Name)
	}
	defer hijacked.Close()

	// Without a TTY the attach stream is multiplexed; demux it so buf holds
	// only the program's stdout and stderr bytes.
	var buf bytes.Buffer
	_, _ = stdcopy.StdCopy(&buf, &buf, hijacked.Reader)

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, buf.Bytes(), apperr.Wrap(apperr.KindTransport, err, "inspecting oneshot exec in %s", h.Name)
	}
	return inspect.ExitCode, buf.Bytes(), nil
}

// installShellHook appends the interception snippet of §4.6 to the login
// profile. Failure here is logged by the caller and never fatal.
func (d *Driver) installShellHook(ctx context.Context, h Handle) error {
	script := shellHookScript(d.ideAPIBase())
	exitCode, out, err := d.ExecOneshot(ctx, h, []string{"/bin/sh", "-c", script})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return apperr.New(apperr.KindInternal, "shell hook install exited %d: %s", exitCode, string(out))
	}
	return nil
}

func (d *Driver) ideAPIBase() string {
	if d.ideAPI != "" {
		return d.ideAPI
	}
	return "http://host.docker.internal:3333"
}

// shellHookScript builds the append-to-.bashrc snippet described in §4.6:
// intercept touch/mkdir/rm/mv/cp/cd and POST {user_id, cmd, cwd} before
// running them.
func shellHookScript(ideAPIBase string) string {
	return `cat >> ~/.bashrc <<'HOOK'
__sandboxd_intercept() {
  local cmd="$BASH_COMMAND"
  local verb="${cmd%% *}"
  case "$verb" in
    touch|mkdir|rm|mv|cp|cd)
      curl -s -o /dev/null -X POST "` + ideAPIBase + `/api/fs-event" \
        -H 'Content-Type: application/json' \
        -d "$(printf '{"user_id":"%s","cmd":%s,"cwd":"%s"}' "$USER_ID" "$(printf '%s' "$cmd" | sed 's/\\/\\\\/g; s/"/\\"/g' | sed 's/^/"/; s/$/"/)" "$PWD")" \
        >/dev/null 2>&1 &
      ;;
  esac
}
trap '__sandboxd_intercept' DEBUG
HOOK
`
}
