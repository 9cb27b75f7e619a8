package containerd

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"pkt.systems/appwatch/internal/shipohoy"
	"pkt.systems/pslog"
)

const (
	labelManaged       = "appwatch.managed"
	defaultNamespace   = "appwatch"
	defaultPullTimeout = 5 * time.Minute
	stopGrace          = 10 * time.Second
)

// Config configures the containerd runtime.
type Config struct {
	Address     string
	Namespace   string
	PullTimeout time.Duration
}

// Runtime implements shipohoy.Runtime using containerd. All objects live in
// one namespace, "appwatch" unless configured otherwise.
type Runtime struct {
	client      *containerd.Client
	namespace   string
	pullTimeout time.Duration
}

// New connects to the first containerd socket that accepts a client.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	rt := &Runtime{
		namespace:   cmp.Or(strings.TrimSpace(cfg.Namespace), defaultNamespace),
		pullTimeout: cfg.PullTimeout,
	}
	if rt.pullTimeout <= 0 {
		rt.pullTimeout = defaultPullTimeout
	}
	log := pslog.Ctx(ctx).With("runtime", "containerd", "namespace", rt.namespace)
	var errs []error
	for _, addr := range candidateAddresses(cfg.Address, "containerd") {
		client, err := containerd.New(addr, containerd.WithDefaultNamespace(rt.namespace))
		if err != nil {
			log.Debug("containerd connect failed", "address", addr, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		rt.client = client
		log.Info("containerd runtime ready", "address", addr)
		return rt, nil
	}
	if len(errs) == 0 {
		return nil, errors.New("containerd address not configured")
	}
	err := errors.Join(errs...)
	log.Warn("containerd runtime unavailable", "err", err)
	return nil, err
}

// Close releases the containerd client.
func (r *Runtime) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "containerd")
}

func (r *Runtime) scoped(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// lookup loads a container and its task by name. A missing container or
// task comes back nil without an error.
func (r *Runtime) lookup(ctx context.Context, name string) (containerd.Container, containerd.Task, error) {
	container, err := r.client.LoadContainer(ctx, name)
	switch {
	case errdefs.IsNotFound(err):
		return nil, nil, nil
	case err != nil:
		return nil, nil, fmt.Errorf("load container %s: %w", name, err)
	}
	task, err := container.Task(ctx, nil)
	switch {
	case errdefs.IsNotFound(err):
		return container, nil, nil
	case err != nil:
		return container, nil, fmt.Errorf("load task %s: %w", name, err)
	}
	return container, task, nil
}

// EnsureRunning creates the container if needed and starts its task.
// Container output is discarded.
func (r *Runtime) EnsureRunning(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	switch {
	case strings.TrimSpace(spec.Name) == "":
		return nil, errors.New("container name is required")
	case strings.TrimSpace(spec.Image) == "":
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	ctx = r.scoped(ctx)

	container, task, err := r.lookup(ctx, spec.Name)
	if err == nil && container == nil {
		container, err = r.create(ctx, spec)
	}
	if err == nil && task == nil {
		task, err = container.NewTask(ctx, cio.NullIO)
	}
	if err == nil {
		err = startTask(ctx, task)
	}
	if err != nil {
		log.Warn("containerd ensure running failed", "err", err)
		return nil, err
	}
	log.Info("containerd container running", "id", container.ID(), "pid", task.Pid())
	return &handle{name: spec.Name, id: container.ID()}, nil
}

func (r *Runtime) create(ctx context.Context, spec shipohoy.ContainerSpec) (containerd.Container, error) {
	image, err := r.ensureImage(ctx, spec.Image)
	if err != nil {
		return nil, err
	}
	labels := map[string]string{labelManaged: "true"}
	maps.Copy(labels, spec.Labels)
	opts := append([]oci.SpecOpts{oci.WithImageConfig(image)}, specOptions(spec)...)
	container, err := r.client.NewContainer(ctx, spec.Name,
		containerd.WithImage(image),
		containerd.WithContainerLabels(labels),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	pslog.Ctx(ctx).Debug("containerd container created", "id", container.ID())
	return container, nil
}

func startTask(ctx context.Context, task containerd.Task) error {
	status, err := task.Status(ctx)
	if err != nil {
		return fmt.Errorf("task status: %w", err)
	}
	if status.Status == containerd.Running {
		return nil
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		return fmt.Errorf("start task: %w", err)
	}
	return nil
}

// Stop sends SIGTERM to the container task, escalating to SIGKILL after a
// grace period, and deletes the task.
func (r *Runtime) Stop(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name())
	ctx = r.scoped(ctx)
	_, task, err := r.lookup(ctx, h.Name())
	if err == nil && task != nil {
		err = terminate(ctx, log, task)
	}
	if err != nil {
		log.Warn("containerd stop failed", "err", err)
		return err
	}
	log.Info("containerd container stopped")
	return nil
}

func terminate(ctx context.Context, log pslog.Logger, task containerd.Task) error {
	exited, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait task: %w", err)
	}
	if err := task.Kill(ctx, unix.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		log.Debug("containerd sigterm failed", "err", err)
	}
	grace := time.NewTimer(stopGrace)
	defer grace.Stop()
	select {
	case <-exited:
	case <-grace.C:
		log.Warn("containerd stop escalating", "signal", "SIGKILL")
		_ = task.Kill(ctx, unix.SIGKILL)
		<-exited
	case <-ctx.Done():
		return ctx.Err()
	}
	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Remove deletes the container, its task and its snapshot.
func (r *Runtime) Remove(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name())
	ctx = r.scoped(ctx)
	container, task, err := r.lookup(ctx, h.Name())
	if err == nil && container != nil {
		if task != nil {
			_, _ = task.Delete(ctx, containerd.WithProcessKill)
		}
		err = container.Delete(ctx, containerd.WithSnapshotCleanup)
	}
	if err != nil {
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	log.Info("containerd container removed")
	return nil
}

func specOptions(spec shipohoy.ContainerSpec) []oci.SpecOpts {
	var opts []oci.SpecOpts
	add := func(ok bool, opt oci.SpecOpts) {
		if ok {
			opts = append(opts, opt)
		}
	}
	env := shipohoy.EnvList(spec.Env)
	mounts := mapMounts(spec.Mounts)
	add(len(env) > 0, oci.WithEnv(env))
	add(spec.WorkingDir != "", oci.WithProcessCwd(spec.WorkingDir))
	add(len(spec.Command) > 0, oci.WithProcessArgs(spec.Command...))
	add(spec.User != "", oci.WithUser(spec.User))
	add(len(mounts) > 0, oci.WithMounts(mounts))
	return opts
}

func mapMounts(mounts []shipohoy.Mount) []specs.Mount {
	var out []specs.Mount
	for _, m := range mounts {
		if strings.TrimSpace(m.Source) == "" || strings.TrimSpace(m.Target) == "" {
			continue
		}
		access := "rw"
		if m.ReadOnly {
			access = "ro"
		}
		out = append(out, specs.Mount{Type: "bind", Source: m.Source, Destination: m.Target, Options: []string{"rbind", access}})
	}
	return out
}

// candidateAddresses lists socket paths to try: the configured one, then the
// rootless and system default locations for the named daemon.
func candidateAddresses(primary, daemon string) []string {
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		addr = strings.TrimPrefix(strings.TrimPrefix(addr, "unix://"), "unix:")
		if addr != "" && !slices.Contains(out, addr) {
			out = append(out, addr)
		}
	}
	socket := filepath.Join(daemon, daemon+".sock")
	add(primary)
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		add(filepath.Join(dir, socket))
	}
	add(filepath.Join("/run", "user", fmt.Sprint(os.Getuid()), socket))
	add(filepath.Join("/run", socket))
	return out
}

type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
