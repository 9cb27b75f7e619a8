package shipohoy

import (
	"context"
	"errors"
)

// ErrImageNotFound is returned when an image is not present locally.
var ErrImageNotFound = errors.New("image not found")

// Runtime manages container lifecycles.
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	ImageExists(ctx context.Context, image string) (bool, error)
	ImageConfig(ctx context.Context, image string) (ImageConfig, error)
	EnsureRunning(ctx context.Context, spec ContainerSpec) (Handle, error)
	Exec(ctx context.Context, handle Handle, spec ExecSpec) (ExecResult, error)
	Stop(ctx context.Context, handle Handle) error
	Remove(ctx context.Context, handle Handle) error
}

// Builder builds container images.
type Builder interface {
	Build(ctx context.Context, spec BuildSpec) (BuildResult, error)
}

// BuilderWithEvents streams build progress events.
type BuilderWithEvents interface {
	BuildWithEvents(ctx context.Context, spec BuildSpec, events chan<- BuildEvent) (BuildResult, error)
}

// Importer loads OCI archives produced by a builder into a runtime.
type Importer interface {
	Import(ctx context.Context, archivePath string, tags []string) ([]string, error)
}

// Handle represents a running container.
type Handle interface {
	Name() string
	ID() string
}
