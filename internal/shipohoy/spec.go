package shipohoy

import (
	"io"
	"sort"
	"strings"
	"time"
)

// YardPlan sets defaults applied to every container a yard ships out.
type YardPlan struct {
	NamePrefix string
	Env        map[string]string
	Labels     map[string]string
}

// Mount binds a host path into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a container to run.
type ContainerSpec struct {
	Name       string
	Image      string
	User       string
	Env        map[string]string
	Labels     map[string]string
	Command    []string
	WorkingDir string
	Mounts     []Mount
	AutoRemove bool
}

// BuildSpec describes an image build.
type BuildSpec struct {
	ContextDir        string
	ContainerfilePath string
	ContainerfileData []byte
	Tags              []string
	BuildArgs         map[string]string
	Labels            map[string]string
	NoCache           bool
	Timeout           time.Duration
	OutputPath        string
}

// BuildResult reports what a build produced.
type BuildResult struct {
	ImageNames []string
	OutputPath string
}

// BuildEventKind categorizes build progress updates.
type BuildEventKind string

const (
	// BuildEventVertexStarted marks a build step start.
	BuildEventVertexStarted BuildEventKind = "vertex_started"
	// BuildEventVertexCompleted marks a build step completion.
	BuildEventVertexCompleted BuildEventKind = "vertex_completed"
	// BuildEventLog carries build output.
	BuildEventLog BuildEventKind = "log"
	// BuildEventWarning carries a builder warning.
	BuildEventWarning BuildEventKind = "warning"
)

// BuildEvent reports a build progress update.
type BuildEvent struct {
	Kind      BuildEventKind
	VertexID  string
	Name      string
	Message   string
	Timestamp time.Time
	Error     string
}

// ExecSpec describes a command run inside a running container.
type ExecSpec struct {
	Command    []string
	Env        map[string]string
	User       string
	WorkingDir string
	Stdout     io.Writer
	Stderr     io.Writer
	Timeout    time.Duration
}

// ExecResult captures exec completion metadata.
type ExecResult struct {
	ExitCode int
	Started  time.Time
	Finished time.Time
}

// ImageConfig is the runtime configuration baked into an image.
type ImageConfig struct {
	User       string
	WorkingDir string
	Entrypoint []string
	Cmd        []string
	Env        []string
	Labels     map[string]string
}

// Argv returns the effective startup command: entrypoint followed by cmd.
func (c ImageConfig) Argv() []string {
	out := make([]string, 0, len(c.Entrypoint)+len(c.Cmd))
	out = append(out, c.Entrypoint...)
	return append(out, c.Cmd...)
}

// EnvValue returns the value of key in the image environment.
func (c ImageConfig) EnvValue(key string) (string, bool) {
	prefix := key + "="
	for _, kv := range c.Env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix), true
		}
	}
	return "", false
}

// mergeSpec fills unset ContainerSpec fields from the yard plan defaults.
func mergeSpec(spec ContainerSpec, plan YardPlan) ContainerSpec {
	out := spec
	out.Env = mergeMap(spec.Env, plan.Env)
	out.Labels = mergeMap(spec.Labels, plan.Labels)
	if plan.NamePrefix != "" && !strings.HasPrefix(out.Name, plan.NamePrefix) {
		out.Name = plan.NamePrefix + out.Name
	}
	return out
}

func mergeMap(own, defaults map[string]string) map[string]string {
	out := make(map[string]string, len(own)+len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range own {
		out[k] = v
	}
	return out
}

// EnvList flattens env into sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
