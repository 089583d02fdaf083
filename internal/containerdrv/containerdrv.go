// Package containerdrv talks to the local container runtime: it creates,
// reuses, heals, and removes the one managed container per user, and opens
// exec streams and archive transfers into it.
//
// The teacher shelled out to the docker CLI (docker_manager.go); this driver
// talks to the Engine API directly through github.com/docker/docker/client,
// the style used by jesseduffield-lazydocker's pkg/commands and by the
// clement-tourriere/debux runtime driver.
package containerdrv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/canyouhack-org/sandboxd/internal/apperr"
)

const (
	labelManagedBy = "managed_by"
	labelUserID    = "user_id"
	managedByValue = "terminal"

	workdir        = "/workspace"
	memLimitBytes  = 1 << 30 // 1 GiB
	cpuQuota       = 50000
	cpuPeriod      = 100000
	healthProbeCmd = "echo test"
)

// Handle identifies a managed container to every other operation in this
// package. It is opaque to callers beyond carrying the runtime container id.
type Handle struct {
	ID   string
	Name string
}

// ExecHandle identifies a live exec session inside a container.
type ExecHandle struct {
	ID string
}

// Driver wraps a Docker Engine API client configured for this process.
type Driver struct {
	cli    *client.Client
	image  string
	ideAPI string
	log    zerolog.Logger
}

// New builds a Driver against the local Docker daemon (DOCKER_HOST /
// defaults, same as client.FromEnv) and pins the image new containers are
// created from. ideAPIBase is baked into each container's shell hook so it
// knows where to POST intercepted commands (§4.6).
func New(image, ideAPIBase string, log zerolog.Logger) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, err, "connecting to container runtime")
	}
	return &Driver{cli: cli, image: image, ideAPI: ideAPIBase, log: log}, nil
}

func containerName(userID string) string {
	return "terminal-" + userID
}

// EnsureContainer implements §4.1: reuse a running container, heal a
// stopped one, or create a fresh one — always returning exactly one managed
// container for userID.
func (d *Driver) EnsureContainer(ctx context.Context, userID string) (Handle, error) {
	existing, err := d.findManaged(ctx, userID)
	if err != nil {
		return Handle{}, apperr.Wrap(apperr.KindTransport, err, "listing managed containers")
	}

	if existing != nil {
		if existing.State == "running" {
			return Handle{ID: existing.ID, Name: containerName(userID)}, nil
		}
		h := Handle{ID: existing.ID, Name: containerName(userID)}
		if err := d.cli.ContainerStart(ctx, h.ID, container.StartOptions{}); err != nil {
			d.log.Warn().Err(err).Str("user_id", userID).Msg("starting existing container failed, recreating")
			return d.recreate(ctx, userID, h.ID)
		}
		if d.waitHealthy(ctx, h) {
			return h, nil
		}
		d.log.Warn().Str("user_id", userID).Msg("heal: existing container unresponsive, recreating")
		return d.recreate(ctx, userID, h.ID)
	}

	return d.create(ctx, userID)
}

func (d *Driver) recreate(ctx context.Context, userID, staleID string) (Handle, error) {
	logs, _ := d.cli.ContainerLogs(ctx, staleID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if logs != nil {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, logs)
		logs.Close()
		d.log.Warn().Str("user_id", userID).Str("logs", buf.String()).Msg("unhealthy container logs")
	}
	_ = d.cli.ContainerRemove(ctx, staleID, container.RemoveOptions{Force: true})
	return d.create(ctx, userID)
}

func (d *Driver) create(ctx context.Context, userID string) (Handle, error) {
	name := containerName(userID)

	cfg := &container.Config{
		Image:      d.image,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		Tty:        true,
		WorkingDir: workdir,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelUserID:    userID,
		},
		Env: []string{
			"USER_ID=" + userID,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "bridge",
		Resources: container.Resources{
			Memory:     memLimitBytes,
			CPUQuota:   cpuQuota,
			CPUPeriod:  cpuPeriod,
		},
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: 3,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return Handle{}, apperr.Wrap(apperr.KindContainerUnavailable, err, "creating container for %s", userID)
	}
	h := Handle{ID: resp.ID, Name: name}

	if err := d.cli.ContainerStart(ctx, h.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true})
		return Handle{}, apperr.Wrap(apperr.KindContainerUnavailable, err, "starting container for %s", userID)
	}

	if !d.waitHealthy(ctx, h) {
		logs, _ := d.cli.ContainerLogs(ctx, h.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
		if logs != nil {
			var buf bytes.Buffer
			_, _ = io.Copy(&buf, logs)
			logs.Close()
			d.log.Error().Str("user_id", userID).Str("logs", buf.String()).Msg("container never became healthy")
		}
		_ = d.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true})
		return Handle{}, apperr.New(apperr.KindContainerUnavailable, "container for %s did not become healthy", userID)
	}

	if err := d.installShellHook(ctx, h); err != nil {
		d.log.Warn().Err(err).Str("user_id", userID).Msg("installing shell hook failed (non-fatal)")
	}

	return h, nil
}

// waitHealthy polls for up to 30s, probing with a shell oneshot.
func (d *Driver) waitHealthy(ctx context.Context, h Handle) bool {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		info, err := d.cli.ContainerInspect(ctx, h.ID)
		if err == nil && info.State != nil && info.State.Running {
			if _, out, err := d.ExecOneshot(ctx, h, []string{"/bin/sh", "-c", healthProbeCmd}); err == nil && strings.Contains(string(out), "test") {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
	return false
}

func (d *Driver) findManaged(ctx context.Context, userID string) (*container.Summary, error) {
	f := filters.NewArgs()
	f.Add("label", fmt.Sprintf("%s=%s", labelManagedBy, managedByValue))
	f.Add("label", fmt.Sprintf("%s=%s", labelUserID, userID))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return &containers[0], nil
}

// ListManaged returns every container this driver manages, across all users.
func (d *Driver) ListManaged(ctx context.Context) ([]Handle, error) {
	f := filters.NewArgs()
	f.Add("label", fmt.Sprintf("%s=%s", labelManagedBy, managedByValue))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, err, "listing managed containers")
	}
	out := make([]Handle, 0, len(containers))
	for _, c := range containers {
		name := strings.TrimPrefix(firstOr(c.Names, c.ID[:12]), "/")
		out = append(out, Handle{ID: c.ID, Name: name})
	}
	return out, nil
}

// UserOf returns the user_id label of a managed container, or "" if absent.
func (d *Driver) UserOf(ctx context.Context, h Handle) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, h.ID)
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransport, err, "inspecting container %s", h.ID)
	}
	return info.Config.Labels[labelUserID], nil
}

// DeleteContainer force-removes the container for userID, if any.
func (d *Driver) DeleteContainer(ctx context.Context, userID string) error {
	existing, err := d.findManaged(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, err, "listing managed containers")
	}
	if existing == nil {
		return nil
	}
	if err := d.cli.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true}); err != nil {
		return apperr.Wrap(apperr.KindTransport, err, "removing container %s", existing.ID)
	}
	return nil
}

func firstOr(names []string, fallback string) string {
	if len(names) > 0 {
		return names[0]
	}
	return fallback
}
