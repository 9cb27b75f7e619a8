package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pkt.systems/appwatch/internal/appconfig"
	"pkt.systems/appwatch/internal/shipohoy"
	"pkt.systems/appwatch/internal/shipohoy/buildkit"
	"pkt.systems/appwatch/internal/shipohoy/containerd"
	"pkt.systems/appwatch/internal/shipohoy/podman"
)

const (
	builderPodman   = "podman"
	builderBuildKit = "buildkit"
)

func selectRuntime(ctx context.Context, cfg appconfig.Config) (shipohoy.Runtime, func() error, error) {
	pullTimeout := time.Duration(cfg.Container.PullTimeout) * time.Minute
	switch cfg.Container.Runtime {
	case "podman":
		rt, err := podman.New(ctx, podman.Config{
			Address:     cfg.Container.Podman.Address,
			UserNSMode:  cfg.Container.Podman.UserNSMode,
			PullTimeout: pullTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("podman connection failed (%s): %w", cfg.Container.Podman.Address, err)
		}
		return rt, rt.Close, nil
	case "containerd":
		rt, err := containerd.New(ctx, containerd.Config{
			Address:     cfg.Container.Containerd.Address,
			Namespace:   cfg.Container.Containerd.Namespace,
			PullTimeout: pullTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("containerd connection failed (%s): %w", cfg.Container.Containerd.Address, err)
		}
		return rt, rt.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported container.runtime %q", cfg.Container.Runtime)
	}
}

// builderKind resolves the configured builder. An empty builder follows the
// runtime: podman builds natively, containerd builds through BuildKit.
func builderKind(cfg appconfig.Config) (string, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Container.Builder))
	if kind == "" {
		if cfg.Container.Runtime == "containerd" {
			kind = builderBuildKit
		} else {
			kind = builderPodman
		}
	}
	switch {
	case kind == builderPodman && cfg.Container.Runtime != "podman":
		return "", fmt.Errorf("podman builds require container.runtime podman, got %q", cfg.Container.Runtime)
	case kind == builderBuildKit && cfg.Container.Runtime != "containerd":
		return "", fmt.Errorf("buildkit builds are imported into containerd; set container.runtime to containerd or container.builder to podman")
	case kind != builderPodman && kind != builderBuildKit:
		return "", fmt.Errorf("unsupported container.builder %q", cfg.Container.Builder)
	}
	return kind, nil
}

func selectBuilder(cfg appconfig.Config) (shipohoy.Builder, string, error) {
	kind, err := builderKind(cfg)
	if err != nil {
		return nil, "", err
	}
	if kind == builderBuildKit {
		return buildkit.New(buildkit.Config{Address: cfg.Container.BuildKit.Address}), kind, nil
	}
	return podman.NewBuilder(podman.Config{Address: cfg.Container.Podman.Address}), kind, nil
}
