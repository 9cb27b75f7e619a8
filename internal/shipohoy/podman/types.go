package podman

import "pkt.systems/appwatch/internal/shipohoy"

type containerCreate struct {
	Image      string            `json:"Image"`
	Cmd        []string          `json:"Cmd,omitempty"`
	WorkingDir string            `json:"WorkingDir,omitempty"`
	User       string            `json:"User,omitempty"`
	Env        []string          `json:"Env,omitempty"`
	Labels     map[string]string `json:"Labels"`
	HostConfig *hostConfig       `json:"HostConfig,omitempty"`
}

type hostConfig struct {
	AutoRemove bool     `json:"AutoRemove,omitempty"`
	UsernsMode string   `json:"UsernsMode,omitempty"`
	Binds      []string `json:"Binds,omitempty"`
}

func (h hostConfig) empty() bool {
	return !h.AutoRemove && h.UsernsMode == "" && len(h.Binds) == 0
}

type createResponse struct {
	ID       string   `json:"Id"`
	Warnings []string `json:"Warnings"`
}

type containerState struct {
	ID    string `json:"Id"`
	State struct {
		Running bool `json:"Running"`
	} `json:"State"`
}

type imageInspect struct {
	Config struct {
		User       string            `json:"User"`
		WorkingDir string            `json:"WorkingDir"`
		Entrypoint []string          `json:"Entrypoint"`
		Cmd        []string          `json:"Cmd"`
		Env        []string          `json:"Env"`
		Labels     map[string]string `json:"Labels"`
	} `json:"Config"`
}

func (i imageInspect) toConfig() shipohoy.ImageConfig {
	return shipohoy.ImageConfig{
		User:       i.Config.User,
		WorkingDir: i.Config.WorkingDir,
		Entrypoint: i.Config.Entrypoint,
		Cmd:        i.Config.Cmd,
		Env:        i.Config.Env,
		Labels:     i.Config.Labels,
	}
}

type execCreate struct {
	AttachStdout bool     `json:"AttachStdout"`
	AttachStderr bool     `json:"AttachStderr"`
	Tty          bool     `json:"Tty"`
	Cmd          []string `json:"Cmd"`
	WorkingDir   string   `json:"WorkingDir,omitempty"`
	User         string   `json:"User,omitempty"`
	Env          []string `json:"Env,omitempty"`
}

type execStart struct {
	Detach bool `json:"Detach"`
	Tty    bool `json:"Tty"`
}

type idResponse struct {
	ID string `json:"Id"`
}

type execState struct {
	Running  bool `json:"Running"`
	ExitCode int  `json:"ExitCode"`
}

// buildMessage is one line of the JSON build stream.
type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m buildMessage) err() string {
	if m.Error != "" {
		return m.Error
	}
	return m.ErrorDetail.Message
}
