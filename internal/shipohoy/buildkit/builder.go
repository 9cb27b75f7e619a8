package buildkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/buildkit/client"

	"pkt.systems/appwatch/internal/shipohoy"
	"pkt.systems/pslog"
)

const defaultTimeout = 20 * time.Minute

// Config configures the BuildKit builder.
type Config struct {
	Address string
}

// Builder implements shipohoy.Builder using a BuildKit daemon.
type Builder struct {
	addresses []string
}

// New constructs a BuildKit builder with fallback socket addresses.
func New(cfg Config) *Builder {
	return &Builder{addresses: candidateAddresses(cfg.Address)}
}

// Build builds an image using BuildKit.
func (b *Builder) Build(ctx context.Context, spec shipohoy.BuildSpec) (shipohoy.BuildResult, error) {
	return b.build(ctx, spec, nil)
}

// BuildWithEvents builds an image and streams progress events.
func (b *Builder) BuildWithEvents(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	return b.build(ctx, spec, events)
}

func (b *Builder) build(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	log := pslog.Ctx(ctx).With("backend", "buildkit")
	if len(spec.Tags) == 0 {
		log.Warn("buildkit build rejected", "reason", "missing tags")
		return shipohoy.BuildResult{}, errors.New("build tags are required")
	}
	if spec.ContextDir == "" {
		log.Warn("buildkit build rejected", "reason", "missing context")
		return shipohoy.BuildResult{}, errors.New("build context is required")
	}
	containerfile, cleanup, err := stageContainerfile(spec)
	if err != nil {
		return shipohoy.BuildResult{}, err
	}
	defer cleanup()

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	log.Info("buildkit build start", "tags", spec.Tags, "no_cache", spec.NoCache, "timeout_ms", timeout.Milliseconds())
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bk, err := b.dial(buildCtx)
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}
	defer func() { _ = bk.Close() }()

	exports, err := exportsFor(spec)
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}

	var (
		statusCh chan *client.SolveStatus
		wg       sync.WaitGroup
	)
	if events != nil {
		statusCh = make(chan *client.SolveStatus)
		tracker := newProgress(events)
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.consume(buildCtx, statusCh)
		}()
	}

	_, err = bk.Solve(buildCtx, nil, client.SolveOpt{
		Frontend:      "dockerfile.v0",
		FrontendAttrs: frontendAttrs(spec, filepath.Base(containerfile)),
		LocalDirs: map[string]string{
			"context":    spec.ContextDir,
			"dockerfile": filepath.Dir(containerfile),
		},
		Exports: exports,
	}, statusCh)
	wg.Wait()
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}
	log.Info("buildkit build ok", "tags", spec.Tags, "output", spec.OutputPath)
	return shipohoy.BuildResult{ImageNames: spec.Tags, OutputPath: spec.OutputPath}, nil
}

// stageContainerfile returns the Containerfile path to build from, writing
// inline BuildSpec data to a temp dir.
func stageContainerfile(spec shipohoy.BuildSpec) (string, func(), error) {
	noop := func() {}
	if len(spec.ContainerfileData) == 0 {
		if spec.ContainerfilePath != "" {
			return spec.ContainerfilePath, noop, nil
		}
		return filepath.Join(spec.ContextDir, "Containerfile"), noop, nil
	}
	dir, err := os.MkdirTemp("", "appwatch-containerfile-*")
	if err != nil {
		return "", noop, err
	}
	path := filepath.Join(dir, "Containerfile")
	if err := os.WriteFile(path, spec.ContainerfileData, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", noop, err
	}
	return path, func() { _ = os.RemoveAll(dir) }, nil
}

func frontendAttrs(spec shipohoy.BuildSpec, filename string) map[string]string {
	attrs := map[string]string{"filename": filename}
	for k, v := range spec.BuildArgs {
		attrs["build-arg:"+k] = v
	}
	for k, v := range spec.Labels {
		attrs["label:"+k] = v
	}
	if spec.NoCache {
		attrs["no-cache"] = ""
	}
	return attrs
}

func exportsFor(spec shipohoy.BuildSpec) ([]client.ExportEntry, error) {
	name := strings.Join(spec.Tags, ",")
	if strings.TrimSpace(spec.OutputPath) == "" {
		return []client.ExportEntry{{
			Type: client.ExporterImage,
			Attrs: map[string]string{
				"name":           name,
				"push":           "false",
				"store":          "true",
				"unpack":         "true",
				"oci-mediatypes": "true",
			},
		}}, nil
	}
	if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0o755); err != nil {
		return nil, err
	}
	return []client.ExportEntry{{
		Type: client.ExporterOCI,
		Output: func(map[string]string) (io.WriteCloser, error) {
			return os.Create(spec.OutputPath)
		},
		Attrs: map[string]string{
			"name":           name,
			"tar":            "true",
			"oci-mediatypes": "true",
		},
	}}, nil
}

type vertex struct {
	name      string
	started   bool
	completed bool
	lastError string
}

// progress turns BuildKit solve status updates into shipohoy build events.
type progress struct {
	events   chan<- shipohoy.BuildEvent
	vertices map[string]*vertex
}

func newProgress(events chan<- shipohoy.BuildEvent) *progress {
	return &progress{events: events, vertices: make(map[string]*vertex)}
}

func (p *progress) consume(ctx context.Context, statusCh <-chan *client.SolveStatus) {
	for {
		select {
		case <-ctx.Done():
			// Drain so Solve never blocks on a full status channel.
			for range statusCh {
			}
			return
		case status, ok := <-statusCh:
			if !ok {
				return
			}
			p.apply(ctx, status)
		}
	}
}

func (p *progress) apply(ctx context.Context, status *client.SolveStatus) {
	for _, v := range status.Vertexes {
		if v == nil {
			continue
		}
		id := v.Digest.String()
		state := p.vertex(id, v.Name)
		if v.Started != nil && !state.started {
			state.started = true
			p.send(ctx, shipohoy.BuildEvent{Kind: shipohoy.BuildEventVertexStarted, VertexID: id, Name: state.name, Timestamp: *v.Started})
		}
		if v.Completed != nil && !state.completed {
			state.completed = true
			state.lastError = v.Error
			p.send(ctx, shipohoy.BuildEvent{Kind: shipohoy.BuildEventVertexCompleted, VertexID: id, Name: state.name, Timestamp: *v.Completed, Error: v.Error})
		} else if v.Error != "" && v.Error != state.lastError {
			state.lastError = v.Error
			p.send(ctx, shipohoy.BuildEvent{Kind: shipohoy.BuildEventVertexCompleted, VertexID: id, Name: state.name, Error: v.Error})
		}
	}
	for _, entry := range status.Logs {
		if entry == nil {
			continue
		}
		msg := strings.TrimSpace(string(entry.Data))
		if msg == "" {
			continue
		}
		id := entry.Vertex.String()
		p.send(ctx, shipohoy.BuildEvent{Kind: shipohoy.BuildEventLog, VertexID: id, Name: p.name(id), Message: msg, Timestamp: entry.Timestamp})
	}
	for _, warn := range status.Warnings {
		if warn == nil {
			continue
		}
		msg := strings.TrimSpace(string(warn.Short))
		if warn.URL != "" {
			msg = strings.TrimSpace(msg + " (" + warn.URL + ")")
		}
		if msg == "" {
			continue
		}
		id := warn.Vertex.String()
		p.send(ctx, shipohoy.BuildEvent{Kind: shipohoy.BuildEventWarning, VertexID: id, Name: p.name(id), Message: msg})
	}
}

func (p *progress) vertex(id, name string) *vertex {
	state := p.vertices[id]
	if state == nil {
		state = &vertex{name: name}
		p.vertices[id] = state
	} else if state.name == "" {
		state.name = name
	}
	return state
}

func (p *progress) name(id string) string {
	if state := p.vertices[id]; state != nil {
		return state.name
	}
	return ""
}

func (p *progress) send(ctx context.Context, event shipohoy.BuildEvent) {
	select {
	case <-ctx.Done():
	case p.events <- event:
	default:
	}
}

func (b *Builder) dial(ctx context.Context) (*client.Client, error) {
	var errs []error
	for _, addr := range b.addresses {
		c, err := client.New(ctx, addr)
		if err == nil {
			return c, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	if len(errs) == 0 {
		return nil, errors.New("buildkit address not configured")
	}
	return nil, errors.Join(errs...)
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(strings.TrimSpace(primary))
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add("unix://" + filepath.Join(runtimeDir, "buildkit", "buildkitd.sock"))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprint(os.Getuid()))
	if userRunDir != runtimeDir {
		add("unix://" + filepath.Join(userRunDir, "buildkit", "buildkitd.sock"))
	}
	add("unix:///run/buildkit/buildkitd.sock")
	return out
}
