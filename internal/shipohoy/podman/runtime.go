package podman

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/appwatch/internal/shipohoy"
	"pkt.systems/pslog"
)

const (
	labelManaged       = "appwatch.managed"
	defaultPullTimeout = 5 * time.Minute
	stopGraceSeconds   = "10"
)

// Config configures the Podman runtime.
type Config struct {
	Address     string
	UserNSMode  string
	PullTimeout time.Duration
}

// Runtime implements shipohoy.Runtime using Podman's HTTP API.
type Runtime struct {
	client      *client
	pullTimeout time.Duration
	usernsMode  string
}

// New connects to the first Podman socket that answers a ping.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "podman")
	cl, err := dial(ctx, candidateAddresses(cfg.Address))
	if err != nil {
		log.Warn("podman runtime unavailable", "err", err)
		return nil, err
	}
	rt := &Runtime{
		client:      cl,
		pullTimeout: cfg.PullTimeout,
		usernsMode:  strings.TrimSpace(cfg.UserNSMode),
	}
	if rt.pullTimeout <= 0 {
		rt.pullTimeout = defaultPullTimeout
	}
	log.Info("podman runtime ready", "address", cl.address)
	return rt, nil
}

// Close is a no-op. The HTTP client keeps no session state.
func (r *Runtime) Close() error { return nil }

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "podman")
}

// EnsureRunning creates the container if needed and starts it.
func (r *Runtime) EnsureRunning(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	switch {
	case strings.TrimSpace(spec.Name) == "":
		return nil, errors.New("container name is required")
	case strings.TrimSpace(spec.Image) == "":
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)

	var state containerState
	status, err := r.client.fetch(ctx, get(containerPath("/containers/%s/json", spec.Name)).accept(http.StatusNotFound), &state)
	if err != nil {
		log.Warn("podman inspect failed", "err", err)
		return nil, err
	}
	if status == http.StatusNotFound {
		var created createResponse
		if _, err := r.client.fetch(ctx, post("/containers/create", r.createRequest(spec)).with(url.Values{"name": {spec.Name}}), &created); err != nil {
			log.Warn("podman create failed", "err", err)
			return nil, err
		}
		if created.ID == "" {
			return nil, errors.New("podman create did not return container id")
		}
		for _, warning := range created.Warnings {
			log.Warn("podman create warning", "warning", warning)
		}
		state.ID = created.ID
		log.Debug("podman container created", "id", created.ID)
	}
	if !state.State.Running {
		start := post(containerPath("/containers/%s/start", state.ID), nil).accept(http.StatusNotModified)
		if _, err := r.client.fetch(ctx, start, nil); err != nil {
			log.Warn("podman start failed", "err", err)
			return nil, err
		}
	}
	log.Info("podman container running", "id", state.ID)
	return &handle{name: spec.Name, id: state.ID}, nil
}

func (r *Runtime) createRequest(spec shipohoy.ContainerSpec) containerCreate {
	labels := map[string]string{labelManaged: "true"}
	maps.Copy(labels, spec.Labels)
	host := hostConfig{
		AutoRemove: spec.AutoRemove,
		UsernsMode: r.usernsMode,
		Binds:      bindsFor(spec.Mounts),
	}
	req := containerCreate{
		Image:      spec.Image,
		Cmd:        spec.Command,
		WorkingDir: spec.WorkingDir,
		User:       spec.User,
		Env:        shipohoy.EnvList(spec.Env),
		Labels:     labels,
	}
	if !host.empty() {
		req.HostConfig = &host
	}
	return req
}

// Stop stops a running container. Missing or already stopped containers
// are not an error.
func (r *Runtime) Stop(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name())
	req := post(containerPath("/containers/%s/stop", h.ID()), nil).
		with(url.Values{"timeout": {stopGraceSeconds}}).
		accept(http.StatusNotModified, http.StatusNotFound)
	status, err := r.client.fetch(ctx, req, nil)
	if err != nil {
		log.Warn("podman stop failed", "err", err)
		return err
	}
	log.Info("podman container stopped", "status", status)
	return nil
}

// Remove force-removes a container. A missing container is not an error.
func (r *Runtime) Remove(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name())
	req := call{Method: http.MethodDelete, Path: containerPath("/containers/%s", h.ID())}.
		with(url.Values{"force": {"1"}}).
		accept(http.StatusNotFound)
	if _, err := r.client.fetch(ctx, req, nil); err != nil {
		log.Warn("podman remove failed", "err", err)
		return err
	}
	log.Info("podman container removed")
	return nil
}

func bindsFor(mounts []shipohoy.Mount) []string {
	var out []string
	for _, m := range mounts {
		if strings.TrimSpace(m.Source) == "" || strings.TrimSpace(m.Target) == "" {
			continue
		}
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		out = append(out, bind)
	}
	return out
}

type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
