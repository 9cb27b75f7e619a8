package podman

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/appwatch/internal/shipohoy"
)

const (
	streamStdout = 1
	streamStderr = 2
)

// Exec runs a command inside a running container and waits for it to exit.
func (r *Runtime) Exec(ctx context.Context, h shipohoy.Handle, spec shipohoy.ExecSpec) (shipohoy.ExecResult, error) {
	switch {
	case h == nil:
		return shipohoy.ExecResult{}, errors.New("container handle is required")
	case len(spec.Command) == 0:
		return shipohoy.ExecResult{}, errors.New("exec command is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "argv0", spec.Command[0], "user", spec.User)
	ctx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()

	result := shipohoy.ExecResult{ExitCode: -1, Started: time.Now()}
	code, err := r.runExec(ctx, h.ID(), spec)
	result.Finished = time.Now()
	if err != nil {
		log.Warn("podman exec failed", "err", err)
		return result, err
	}
	result.ExitCode = code
	log.Debug("podman exec done", "exit_code", code, "duration_ms", result.Finished.Sub(result.Started).Milliseconds())
	return result, nil
}

// runExec creates the exec instance, attaches to its output until it ends and
// reads back the exit code.
func (r *Runtime) runExec(ctx context.Context, containerID string, spec shipohoy.ExecSpec) (int, error) {
	var created idResponse
	if _, err := r.client.fetch(ctx, post(containerPath("/containers/%s/exec", containerID), execCreate{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          spec.Command,
		WorkingDir:   spec.WorkingDir,
		User:         spec.User,
		Env:          shipohoy.EnvList(spec.Env),
	}), &created); err != nil {
		return -1, fmt.Errorf("create exec: %w", err)
	}
	if created.ID == "" {
		return -1, errors.New("create exec: no id returned")
	}

	res, err := r.client.send(ctx, post(containerPath("/exec/%s/start", created.ID), execStart{}))
	if err != nil {
		return -1, fmt.Errorf("start exec: %w", err)
	}
	err = demux(res.Body, spec.Stdout, spec.Stderr)
	_ = res.Body.Close()
	if err != nil {
		return -1, fmt.Errorf("read exec output: %w", err)
	}

	var state execState
	if _, err := r.client.fetch(ctx, get(containerPath("/exec/%s/json", created.ID)), &state); err != nil {
		return -1, fmt.Errorf("inspect exec: %w", err)
	}
	if state.Running {
		return -1, errors.New("exec still running after output closed")
	}
	return state.ExitCode, nil
}

// demux splits the multiplexed attach stream. Each frame has an 8-byte
// header: stream id in byte 0 and a big-endian payload size in bytes 4-7.
func demux(src io.Reader, stdout, stderr io.Writer) error {
	sinks := map[byte]io.Writer{streamStdout: stdout, streamStderr: stderr}
	var header [8]byte
	for {
		if _, err := io.ReadFull(src, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		dst := sinks[header[0]]
		if dst == nil {
			dst = io.Discard
		}
		if _, err := io.CopyN(dst, src, int64(binary.BigEndian.Uint32(header[4:]))); err != nil {
			return err
		}
	}
}
