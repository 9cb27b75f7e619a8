package podman

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/appwatch/internal/shipohoy"
	"pkt.systems/pslog"
)

// Builder implements shipohoy.Builder using the Podman build endpoint.
type Builder struct {
	addresses []string
}

// NewBuilder constructs a Podman builder with fallback socket addresses.
func NewBuilder(cfg Config) *Builder {
	return &Builder{addresses: candidateAddresses(cfg.Address)}
}

// Build builds an image using Podman.
func (b *Builder) Build(ctx context.Context, spec shipohoy.BuildSpec) (shipohoy.BuildResult, error) {
	return b.build(ctx, spec, nil)
}

// BuildWithEvents builds an image and streams build output as log events.
func (b *Builder) BuildWithEvents(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	return b.build(ctx, spec, events)
}

func (b *Builder) build(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	log := pslog.Ctx(ctx).With("backend", "podman")
	if len(spec.Tags) == 0 {
		log.Warn("podman build rejected", "reason", "missing tags")
		return shipohoy.BuildResult{}, errors.New("build tags are required")
	}
	if spec.ContextDir == "" {
		log.Warn("podman build rejected", "reason", "missing context")
		return shipohoy.BuildResult{}, errors.New("build context is required")
	}
	query, err := buildQuery(spec)
	if err != nil {
		log.Warn("podman build rejected", "err", err)
		return shipohoy.BuildResult{}, err
	}

	cl, err := dial(ctx, b.addresses)
	if err != nil {
		log.Warn("podman build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}
	ctx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()
	log.Info("podman build start", "tags", spec.Tags, "no_cache", spec.NoCache)

	body := contextTar(spec.ContextDir, query.Get("dockerfile"), spec.ContainerfileData)
	defer func() { _ = body.Close() }()
	res, err := cl.send(ctx, call{
		Method:      http.MethodPost,
		Path:        "/build",
		Query:       query,
		Body:        body,
		ContentType: "application/x-tar",
	})
	if err != nil {
		log.Warn("podman build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if err := decodeBuildStream(ctx, res.Body, events); err != nil {
		log.Warn("podman build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}
	if spec.OutputPath != "" {
		if err := exportImage(ctx, cl, spec.Tags[0], spec.OutputPath); err != nil {
			log.Warn("podman export failed", "err", err)
			return shipohoy.BuildResult{}, err
		}
	}
	log.Info("podman build ok", "tags", spec.Tags)
	return shipohoy.BuildResult{ImageNames: spec.Tags, OutputPath: spec.OutputPath}, nil
}

// buildQuery encodes the build parameters. The Containerfile is addressed
// relative to the context root.
func buildQuery(spec shipohoy.BuildSpec) (url.Values, error) {
	dockerfile := "Containerfile"
	if len(spec.ContainerfileData) == 0 && spec.ContainerfilePath != "" {
		rel, err := filepath.Rel(spec.ContextDir, spec.ContainerfilePath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("containerfile must be within context: %s", spec.ContainerfilePath)
		}
		dockerfile = filepath.ToSlash(rel)
	}
	query := url.Values{}
	query.Set("dockerfile", dockerfile)
	for _, tag := range spec.Tags {
		query.Add("t", tag)
	}
	if len(spec.BuildArgs) > 0 {
		args, err := json.Marshal(spec.BuildArgs)
		if err != nil {
			return nil, err
		}
		query.Set("buildargs", string(args))
	}
	if len(spec.Labels) > 0 {
		labels, err := json.Marshal(spec.Labels)
		if err != nil {
			return nil, err
		}
		query.Set("labels", string(labels))
	}
	if spec.NoCache {
		query.Set("nocache", "1")
	}
	return query, nil
}

// contextTar streams root as a tar archive. Inline Containerfile data
// replaces the file at dockerfile.
func contextTar(root, dockerfile string, inline []byte) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == root {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if len(inline) > 0 && rel == dockerfile {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			file, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, file)
			_ = file.Close()
			return err
		})
		if err == nil && len(inline) > 0 {
			err = tw.WriteHeader(&tar.Header{Name: dockerfile, Mode: 0o644, Size: int64(len(inline)), ModTime: time.Unix(0, 0)})
			if err == nil {
				_, err = tw.Write(inline)
			}
		}
		if err == nil {
			err = tw.Close()
		}
		_ = pw.CloseWithError(err)
	}()
	return pr
}

// decodeBuildStream forwards the build output as log events. The first
// error message in the stream fails the build.
func decodeBuildStream(ctx context.Context, body io.Reader, events chan<- shipohoy.BuildEvent) error {
	emit := func(msg string) {
		sendBuildEvent(ctx, events, shipohoy.BuildEvent{Kind: shipohoy.BuildEventLog, Name: "podman.build", Message: msg, Timestamp: time.Now()})
	}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg buildMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			emit(string(line))
			continue
		}
		if failure := strings.TrimSpace(msg.err()); failure != "" {
			return errors.New(failure)
		}
		if text := strings.TrimSpace(msg.Stream); text != "" {
			emit(text)
		}
	}
	return scanner.Err()
}

// exportImage saves image as an OCI archive. Servers that reject the format
// parameter get a second request for their default archive format.
func exportImage(ctx context.Context, cl *client, image, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	save := func(query url.Values) error {
		res, err := cl.send(ctx, get(imagePath("/images/%s/get", image)).with(query))
		if err != nil {
			return err
		}
		defer func() { _ = res.Body.Close() }()
		file, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(file, res.Body); err != nil {
			_ = file.Close()
			return fmt.Errorf("write %s: %w", outputPath, err)
		}
		return file.Close()
	}
	err := save(url.Values{"format": {"oci-archive"}})
	if apiErr := (*APIError)(nil); errors.As(err, &apiErr) {
		pslog.Ctx(ctx).Debug("podman oci export rejected, retrying", "status", apiErr.Status)
		err = save(nil)
	}
	return err
}

func sendBuildEvent(ctx context.Context, events chan<- shipohoy.BuildEvent, event shipohoy.BuildEvent) {
	if events == nil {
		return
	}
	select {
	case <-ctx.Done():
	case events <- event:
	default:
	}
}
