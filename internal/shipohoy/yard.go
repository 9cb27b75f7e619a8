package shipohoy

import (
	"context"
	"errors"
	"sort"
	"sync"

	"pkt.systems/pslog"
)

// Yard tracks the containers it ships out so they can be discharged together.
type Yard struct {
	runtime Runtime
	builder Builder
	plan    YardPlan

	mu      sync.Mutex
	handles map[string]Handle
}

// Commission creates a yard over a runtime and an optional builder.
func Commission(plan YardPlan, runtime Runtime, builder Builder) *Yard {
	return &Yard{
		runtime: runtime,
		builder: builder,
		plan:    plan,
		handles: make(map[string]Handle),
	}
}

// Build runs the yard's builder, streaming events when the builder supports it.
// The caller owns events and closes it after Build returns.
func (y *Yard) Build(ctx context.Context, spec BuildSpec, events chan<- BuildEvent) (BuildResult, error) {
	if y.builder == nil {
		return BuildResult{}, errors.New("yard has no builder")
	}
	log := pslog.Ctx(ctx).With("tags", spec.Tags)
	log.Info("yard build start")
	var (
		res BuildResult
		err error
	)
	if streaming, ok := y.builder.(BuilderWithEvents); ok && events != nil {
		res, err = streaming.BuildWithEvents(ctx, spec, events)
	} else {
		res, err = y.builder.Build(ctx, spec)
	}
	if err != nil {
		log.Warn("yard build failed", "err", err)
		return BuildResult{}, err
	}
	log.Info("yard build ok", "images", res.ImageNames)
	return res, nil
}

// ShipOut starts the container described by spec with the yard defaults applied.
func (y *Yard) ShipOut(ctx context.Context, spec ContainerSpec) (Handle, error) {
	spec = mergeSpec(spec, y.plan)
	log := pslog.Ctx(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("yard ship out start")
	handle, err := y.runtime.EnsureRunning(ctx, spec)
	if err != nil {
		log.Warn("yard ship out failed", "err", err)
		return nil, err
	}
	y.mu.Lock()
	y.handles[handle.Name()] = handle
	y.mu.Unlock()
	log.Info("yard ship out ok", "id", handle.ID())
	return handle, nil
}

// Discharge stops and removes a container shipped out by this yard.
func (y *Yard) Discharge(ctx context.Context, handle Handle) error {
	if handle == nil {
		return nil
	}
	log := pslog.Ctx(ctx).With("container", handle.Name())
	log.Info("yard discharge start")
	y.mu.Lock()
	delete(y.handles, handle.Name())
	y.mu.Unlock()
	var errs []error
	if err := y.runtime.Stop(ctx, handle); err != nil {
		log.Warn("yard discharge stop failed", "err", err)
		errs = append(errs, err)
	}
	if err := y.runtime.Remove(ctx, handle); err != nil {
		log.Warn("yard discharge remove failed", "err", err)
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Info("yard discharge ok")
	return nil
}

// DischargeAll discharges every container still tracked by the yard.
func (y *Yard) DischargeAll(ctx context.Context) error {
	y.mu.Lock()
	names := make([]string, 0, len(y.handles))
	for name := range y.handles {
		names = append(names, name)
	}
	handles := make([]Handle, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		handles = append(handles, y.handles[name])
	}
	y.mu.Unlock()
	log := pslog.Ctx(ctx)
	log.Info("yard discharge all start", "count", len(handles))
	var errs []error
	for _, handle := range handles {
		if err := y.Discharge(ctx, handle); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info("yard discharge all ok", "count", len(handles))
	return errors.Join(errs...)
}

// Tracked returns the names of containers the yard has shipped out.
func (y *Yard) Tracked() []string {
	y.mu.Lock()
	defer y.mu.Unlock()
	out := make([]string, 0, len(y.handles))
	for name := range y.handles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
