package containerd

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"pkt.systems/appwatch/internal/shipohoy"
)

const defaultExecTimeout = 30 * time.Second

// Exec runs a command inside the container's running task.
func (r *Runtime) Exec(ctx context.Context, h shipohoy.Handle, spec shipohoy.ExecSpec) (shipohoy.ExecResult, error) {
	switch {
	case h == nil:
		return shipohoy.ExecResult{}, errors.New("container handle is required")
	case len(spec.Command) == 0:
		return shipohoy.ExecResult{}, errors.New("exec command is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "argv0", spec.Command[0], "user", spec.User)
	ctx, cancel := context.WithTimeout(r.scoped(ctx), cmp.Or(spec.Timeout, defaultExecTimeout))
	defer cancel()

	result := shipohoy.ExecResult{ExitCode: -1, Started: time.Now()}
	code, err := r.runExec(ctx, h.Name(), spec)
	result.Finished = time.Now()
	if err != nil {
		log.Warn("containerd exec failed", "err", err)
		return result, err
	}
	result.ExitCode = code
	log.Debug("containerd exec done", "exit_code", code, "duration_ms", result.Finished.Sub(result.Started).Milliseconds())
	return result, nil
}

func (r *Runtime) runExec(ctx context.Context, name string, spec shipohoy.ExecSpec) (int, error) {
	container, task, err := r.lookup(ctx, name)
	switch {
	case err != nil:
		return -1, err
	case container == nil:
		return -1, fmt.Errorf("container %s not found", name)
	case task == nil:
		return -1, fmt.Errorf("container %s has no running task", name)
	}
	proc, err := r.processSpec(ctx, container, spec)
	if err != nil {
		return -1, err
	}
	streams := cio.WithStreams(nil, orDiscard(spec.Stdout), orDiscard(spec.Stderr))
	execID := "exec-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	process, err := task.Exec(ctx, execID, proc, cio.NewCreator(streams))
	if err != nil {
		return -1, fmt.Errorf("exec %s: %w", execID, err)
	}
	exited, err := process.Wait(ctx)
	if err == nil {
		err = process.Start(ctx)
	}
	if err != nil {
		_, _ = process.Delete(ctx)
		return -1, fmt.Errorf("start %s: %w", execID, err)
	}
	select {
	case status := <-exited:
		_, _ = process.Delete(ctx)
		code, _, err := status.Result()
		if err != nil {
			return -1, err
		}
		return int(code), nil
	case <-ctx.Done():
		cleanup := r.scoped(context.WithoutCancel(ctx))
		_ = process.Kill(cleanup, unix.SIGKILL)
		_, _ = process.Delete(cleanup)
		return -1, ctx.Err()
	}
}

// processSpec derives the exec process from the container spec. A user
// override is resolved against the container's own passwd database.
func (r *Runtime) processSpec(ctx context.Context, container containerd.Container, spec shipohoy.ExecSpec) (*specs.Process, error) {
	base, err := container.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("load spec: %w", err)
	}
	var inherited specs.Process
	if base.Process != nil {
		inherited = *base.Process
	}
	proc := &specs.Process{
		Args: spec.Command,
		Cwd:  cmp.Or(spec.WorkingDir, inherited.Cwd),
		Env:  mergeEnv(inherited.Env, spec.Env),
		User: inherited.User,
	}
	if spec.User == "" {
		return proc, nil
	}
	info, err := container.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("load container info: %w", err)
	}
	resolved := *base
	resolved.Process = &specs.Process{}
	if err := oci.WithUser(spec.User)(ctx, r.client, &info, &resolved); err != nil {
		return nil, fmt.Errorf("resolve user %q: %w", spec.User, err)
	}
	proc.User = resolved.Process.User
	return proc, nil
}

// mergeEnv overlays add on base and returns a sorted KEY=value list.
func mergeEnv(base []string, add map[string]string) []string {
	if len(add) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(add))
	for _, entry := range base {
		if key, value, ok := strings.Cut(entry, "="); ok {
			merged[key] = value
		}
	}
	maps.Copy(merged, add)
	out := make([]string, 0, len(merged))
	for _, key := range slices.Sorted(maps.Keys(merged)) {
		out = append(out, key+"="+merged[key])
	}
	return out
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
