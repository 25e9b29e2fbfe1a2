package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"dockwatch/internal/docker"
	"dockwatch/internal/target"
)

// Runtime is the capability surface the orchestrator drives.
type Runtime interface {
	InspectContainer(ctx context.Context, id string) (docker.ContainerInspect, error)
	PullImage(ctx context.Context, ref string) (io.ReadCloser, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	CreateContainer(ctx context.Context, name string, opts docker.CreateOptions) (string, error)
	StartContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error
}

// Orchestrator executes the destructive container operations. One mutex
// serializes restarts and upgrades across all sessions: the replace-in-place
// sequence must never race another mutation of the same logical container.
type Orchestrator struct {
	mu    sync.Mutex
	rt    Runtime
	cache *target.Cache
	log   *slog.Logger
}

func New(rt Runtime, cache *target.Cache, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{rt: rt, cache: cache, log: logger}
}

// Restart restarts the monitored container and refreshes the inspection
// side-cache. On failure the cache is invalidated and re-resolved once so the
// caller reports against whatever actually exists.
func (o *Orchestrator) Restart(ctx context.Context, notify func(string)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	h, err := o.cache.Resolve(ctx)
	if err != nil {
		return err
	}
	if err := o.rt.RestartContainer(ctx, h.ID); err != nil {
		o.reresolve(ctx)
		return fmt.Errorf("restart failed: %w", err)
	}
	// Re-resolve to refresh the cached status after the restart.
	o.cache.Invalidate()
	if _, err := o.cache.Resolve(ctx); err != nil {
		return err
	}
	o.log.Info("container restarted", "container", h.Name)
	return nil
}

// Upgrade replaces the monitored container in place with the latest image of
// the same repository: inspect, pull, stop, remove, create, start. Progress is
// narrated through notify. The sequence is linear and not atomic: a failure
// aborts the remaining steps, invalidates the handle cache, and attempts one
// re-resolution; nothing is rolled back.
func (o *Orchestrator) Upgrade(ctx context.Context, notify func(string)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	h, err := o.cache.Resolve(ctx)
	if err != nil {
		return err
	}

	notify("Inspecting current container...")
	info, err := o.rt.InspectContainer(ctx, h.ID)
	if err != nil {
		o.reresolve(ctx)
		return fmt.Errorf("inspect failed: %w", err)
	}
	rec := capture(info)
	image := LatestImage(info.Config.Image)

	notify(fmt.Sprintf("Pulling image %s...", image))
	if err := o.pull(ctx, image, notify); err != nil {
		o.reresolve(ctx)
		return fmt.Errorf("pull %s failed: %w", image, err)
	}
	notify(fmt.Sprintf("Image %s pulled.", image))

	notify("Stopping current container...")
	if err := o.rt.StopContainer(ctx, h.ID); err != nil {
		o.reresolve(ctx)
		return fmt.Errorf("stop failed: %w", err)
	}

	notify("Removing current container...")
	if err := o.rt.RemoveContainer(ctx, h.ID); err != nil {
		o.reresolve(ctx)
		return fmt.Errorf("remove failed: %w", err)
	}
	// The logical identifier now refers to nothing. Invalidate before create
	// can fail so an interruption here reads as "no container" rather than a
	// stale handle.
	o.cache.Invalidate()

	notify("Creating new container...")
	opts := rec.createOptions(image)
	newID, err := o.rt.CreateContainer(ctx, rec.name, opts)
	if err != nil {
		o.reresolve(ctx)
		return fmt.Errorf("create failed: %w", err)
	}

	notify("Starting new container...")
	if err := o.rt.StartContainer(ctx, newID); err != nil {
		o.reresolve(ctx)
		return fmt.Errorf("start failed: %w", err)
	}

	if err := o.cache.Adopt(ctx, newID); err != nil {
		o.reresolve(ctx)
		return err
	}
	notify("Upgrade process completed successfully.")
	o.log.Info("container upgraded", "container", rec.name, "image", image, "id", target.ShortID(newID))
	return nil
}

// pull streams the image pull, forwarding progress events as notices.
func (o *Orchestrator) pull(ctx context.Context, image string, notify func(string)) error {
	rc, err := o.rt.PullImage(ctx, image)
	if err != nil {
		return err
	}
	defer rc.Close()
	dec := json.NewDecoder(rc)
	for {
		var ev docker.PullEvent
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if ev.Error != "" {
			return fmt.Errorf("%s", ev.Error)
		}
		if ev.Status != "" {
			notify(strings.TrimSpace(fmt.Sprintf("Pull: %s %s", ev.Status, ev.Progress)))
		}
	}
}

func (o *Orchestrator) reresolve(ctx context.Context) {
	o.cache.Invalidate()
	if _, err := o.cache.Resolve(ctx); err != nil {
		o.log.Warn("re-resolution after failed operation", "err", err)
	}
}

// record is the pre-upgrade configuration snapshot reused to create the
// replacement container.
type record struct {
	name         string
	cmd          []string
	env          []string
	labels       map[string]string
	exposedPorts json.RawMessage
	hostConfig   json.RawMessage
}

func capture(info docker.ContainerInspect) record {
	return record{
		name:         strings.TrimPrefix(info.Name, "/"),
		cmd:          info.Config.Cmd,
		env:          info.Config.Env,
		labels:       info.Config.Labels,
		exposedPorts: info.Config.ExposedPorts,
		hostConfig:   info.HostConfig,
	}
}

func (r record) createOptions(image string) docker.CreateOptions {
	return docker.CreateOptions{
		Image:        image,
		Cmd:          r.cmd,
		Env:          r.env,
		Labels:       r.labels,
		ExposedPorts: r.exposedPorts,
		HostConfig:   r.hostConfig,
	}
}

// LatestImage strips any tag from an image reference and appends :latest.
// Upgrade always means "latest of the same repository". The colon of a
// registry port is not a tag separator.
func LatestImage(ref string) string {
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		ref = ref[:i]
	}
	return ref + ":latest"
}
