package podman

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"pkt.systems/appwatch/internal/shipohoy"
)

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	if strings.TrimSpace(image) == "" {
		return false, errors.New("image is required")
	}
	req := get(imagePath("/libpod/images/%s/exists", image)).accept(http.StatusNotFound)
	status, err := r.client.fetch(ctx, req, nil)
	if err != nil {
		r.logger(ctx).Warn("podman image check failed", "image", image, "err", err)
		return false, err
	}
	return status != http.StatusNotFound, nil
}

// EnsureImage pulls the image if it is not available locally.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	present, err := r.ImageExists(ctx, image)
	if err != nil || present {
		return err
	}
	log := r.logger(ctx).With("image", image)
	log.Info("podman image pull start")
	pullCtx, cancel := withTimeout(ctx, r.pullTimeout)
	defer cancel()

	name, tag := splitImageRef(image)
	query := url.Values{"fromImage": {name}}
	if tag != "" {
		query.Set("tag", tag)
	}
	// The pull endpoint streams progress until the pull completes; fetch
	// drains it before returning.
	if _, err := r.client.fetch(pullCtx, post("/images/create", nil).with(query), nil); err != nil {
		log.Warn("podman image pull failed", "err", err)
		return err
	}
	log.Info("podman image pull ok")
	return nil
}

// ImageConfig returns the runtime configuration recorded in a local image.
func (r *Runtime) ImageConfig(ctx context.Context, image string) (shipohoy.ImageConfig, error) {
	if strings.TrimSpace(image) == "" {
		return shipohoy.ImageConfig{}, errors.New("image is required")
	}
	var inspect imageInspect
	status, err := r.client.fetch(ctx, get(imagePath("/images/%s/json", image)).accept(http.StatusNotFound), &inspect)
	switch {
	case err != nil:
		return shipohoy.ImageConfig{}, err
	case status == http.StatusNotFound:
		return shipohoy.ImageConfig{}, fmt.Errorf("%w: %s", shipohoy.ErrImageNotFound, image)
	}
	return inspect.toConfig(), nil
}

// splitImageRef separates the tag from an image reference. Digest
// references and untagged names come back unchanged with an empty tag.
func splitImageRef(image string) (name, tag string) {
	image = strings.TrimSpace(image)
	if strings.Contains(image, "@") {
		return image, ""
	}
	colon := strings.LastIndex(image, ":")
	if colon <= strings.LastIndex(image, "/") {
		return image, ""
	}
	return image[:colon], image[colon+1:]
}
