package containerd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	transferimage "github.com/containerd/containerd/v2/core/transfer/image"
	"github.com/containerd/containerd/v2/core/transfer/registry"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"pkt.systems/appwatch/internal/shipohoy"
)

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	if strings.TrimSpace(image) == "" {
		return false, errors.New("image is required")
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	_, err := r.client.GetImage(ctx, image)
	switch {
	case err == nil:
		return true, nil
	case errdefs.IsNotFound(err):
		return false, nil
	default:
		r.logger(ctx).Warn("containerd image check failed", "image", image, "err", err)
		return false, err
	}
}

// EnsureImage pulls and unpacks the image if it is not available.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	_, err := r.ensureImage(namespaces.WithNamespace(ctx, r.namespace), image)
	return err
}

// ImageConfig reads the OCI image config of a local image.
func (r *Runtime) ImageConfig(ctx context.Context, image string) (shipohoy.ImageConfig, error) {
	if strings.TrimSpace(image) == "" {
		return shipohoy.ImageConfig{}, errors.New("image is required")
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	img, err := r.client.GetImage(ctx, image)
	if errdefs.IsNotFound(err) {
		return shipohoy.ImageConfig{}, fmt.Errorf("%w: %s", shipohoy.ErrImageNotFound, image)
	}
	if err != nil {
		return shipohoy.ImageConfig{}, err
	}
	spec, err := img.Spec(ctx)
	if err != nil {
		return shipohoy.ImageConfig{}, fmt.Errorf("read image config %s: %w", image, err)
	}
	return imageConfigFromSpec(spec), nil
}

func imageConfigFromSpec(spec ocispec.Image) shipohoy.ImageConfig {
	cfg := spec.Config
	return shipohoy.ImageConfig{
		User:       cfg.User,
		WorkingDir: cfg.WorkingDir,
		Entrypoint: cfg.Entrypoint,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		Labels:     cfg.Labels,
	}
}

// Import loads an OCI archive into the image store and points every tag at
// the imported image. It returns the resulting image names.
func (r *Runtime) Import(ctx context.Context, archivePath string, tags []string) ([]string, error) {
	if strings.TrimSpace(archivePath) == "" {
		return nil, errors.New("archive path is required")
	}
	log := r.logger(ctx).With("archive", archivePath)
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	ctx = namespaces.WithNamespace(ctx, r.namespace)
	imported, err := r.client.Import(ctx, file)
	if err != nil {
		log.Warn("containerd import failed", "err", err)
		return nil, err
	}
	if len(imported) == 0 {
		return nil, errors.New("import did not return any images")
	}
	names := make([]string, 0, len(imported)+len(tags))
	seen := map[string]struct{}{}
	for _, img := range imported {
		if img.Name == "" {
			continue
		}
		seen[img.Name] = struct{}{}
		names = append(names, img.Name)
	}
	target := imported[0].Target
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		if err := r.tagImage(ctx, tag, target); err != nil {
			log.Warn("containerd tag failed", "tag", tag, "err", err)
			return nil, err
		}
		seen[tag] = struct{}{}
		names = append(names, tag)
	}
	if os.Geteuid() == 0 {
		for _, name := range names {
			img, err := r.client.GetImage(ctx, name)
			if err == nil {
				err = img.Unpack(ctx, "")
			}
			if err != nil && !errdefs.IsAlreadyExists(err) {
				log.Warn("containerd unpack failed", "image", name, "err", err)
				return nil, err
			}
		}
	}
	log.Info("containerd import ok", "images", names)
	return names, nil
}

func (r *Runtime) tagImage(ctx context.Context, name string, target ocispec.Descriptor) error {
	svc := r.client.ImageService()
	_, err := svc.Create(ctx, images.Image{Name: name, Target: target})
	if errdefs.IsAlreadyExists(err) {
		_, err = svc.Update(ctx, images.Image{Name: name, Target: target}, "target")
	}
	return err
}

// ensureImage expects a namespaced context.
func (r *Runtime) ensureImage(ctx context.Context, image string) (containerd.Image, error) {
	if strings.TrimSpace(image) == "" {
		return nil, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	img, err := r.client.GetImage(ctx, image)
	if err == nil {
		return img, nil
	}
	if !errdefs.IsNotFound(err) {
		log.Warn("containerd image lookup failed", "err", err)
		return nil, err
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	rootless := os.Geteuid() != 0
	log.Info("containerd image pull start", "rootless", rootless)
	pulled, err := r.pullWithTransfer(pullCtx, image, !rootless)
	if err == nil {
		log.Info("containerd image pull ok", "method", "transfer")
		return pulled, nil
	}
	if rootless {
		log.Warn("containerd transfer pull failed", "err", err)
		return nil, fmt.Errorf("transfer pull failed: %w", err)
	}
	img, err = r.client.Pull(pullCtx, image, containerd.WithPullUnpack)
	if err != nil {
		log.Warn("containerd image pull failed", "err", err)
		return nil, err
	}
	log.Info("containerd image pull ok", "method", "pull")
	return img, nil
}

func (r *Runtime) pullWithTransfer(ctx context.Context, image string, unpack bool) (containerd.Image, error) {
	var storeOpts []transferimage.StoreOpt
	if unpack {
		storeOpts = append(storeOpts, transferimage.WithUnpack(platforms.DefaultSpec(), ""))
	}
	reg, err := registry.NewOCIRegistry(ctx, image)
	if err != nil {
		return nil, err
	}
	if err := r.client.Transfer(ctx, reg, transferimage.NewStore(image, storeOpts...)); err != nil {
		return nil, err
	}
	return r.client.GetImage(ctx, image)
}
