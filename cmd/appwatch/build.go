package main

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/appwatch/internal/appconfig"
	"pkt.systems/appwatch/internal/recipe"
	"pkt.systems/appwatch/internal/shipohoy"
	"pkt.systems/appwatch/internal/version"
	"pkt.systems/pslog"
)

type buildOptions struct {
	configPath    string
	envFiles      []string
	contextDir    string
	binPath       string
	preset        string
	variant       string
	tag           string
	output        string
	noCache       bool
	disableImport bool
}

func newBuildCmd() *cobra.Command {
	opts := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the runtime image from the recipe",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts.configPath, opts.envFiles)
			if err != nil {
				return err
			}
			configPath, err := resolveConfigPath(opts.configPath)
			if err != nil {
				return err
			}
			return runBuildCmd(cmd.Context(), cfg, configPath, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files to load before the config")
	cmd.Flags().StringVar(&opts.contextDir, "context", "", "directory holding the recipe inputs (default: stage the appwatch binary)")
	cmd.Flags().StringVar(&opts.binPath, "bin", "", "path to the appwatch binary for the self preset")
	cmd.Flags().StringVar(&opts.preset, "preset", "", "recipe preset (default: container.preset)")
	cmd.Flags().StringVar(&opts.variant, "variant", "", "privilege form (default: container.variant)")
	cmd.Flags().StringVarP(&opts.tag, "tag", "t", "", "image tag (default: version + latest)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "path to OCI tar export for buildkit (default: <config dir>/containers/<name>.oci.tar)")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "build without cache")
	cmd.Flags().BoolVar(&opts.disableImport, "disable-import", false, "skip importing the built image into containerd")
	return cmd
}

func runBuildCmd(ctx context.Context, cfg appconfig.Config, configPath string, opts *buildOptions) error {
	logger := pslog.Ctx(ctx)
	r, err := buildRecipe(cfg, opts.preset, opts.variant)
	if err != nil {
		return err
	}
	tags, err := buildTags(cfg.Container.Image, opts.tag)
	if err != nil {
		return err
	}
	src, cleanupSrc, err := resolveBuildSource(r, opts.contextDir, opts.binPath)
	if err != nil {
		return err
	}
	defer cleanupSrc()
	builder, kind, err := selectBuilder(cfg)
	if err != nil {
		return err
	}
	contextDir, rendered, err := r.PrepareContext(src)
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(contextDir) }()

	spec := shipohoy.BuildSpec{
		ContextDir:        contextDir,
		ContainerfileData: rendered.Containerfile,
		Tags:              tags,
		Labels:            buildLabels(r, rendered),
		NoCache:           opts.noCache,
		Timeout:           buildTimeout(cfg),
	}
	if kind == builderBuildKit {
		spec.OutputPath, err = resolveOutputPath(configPath, opts.output, r.Name+".oci.tar")
		if err != nil {
			return err
		}
	}
	logger.Info("build.start", "preset", r.Name, "variant", r.Variant, "builder", kind, "tags", tags, "recipe", rendered.Digest)
	yard := shipohoy.Commission(shipohoy.YardPlan{}, nil, builder)
	res, err := runBuild(ctx, yard, spec, logger)
	if err != nil {
		return err
	}
	return postBuild(ctx, cfg, kind, opts, res)
}

func buildRecipe(cfg appconfig.Config, preset, variant string) (recipe.Recipe, error) {
	if strings.TrimSpace(preset) == "" {
		preset = cfg.Container.Preset
	}
	if strings.TrimSpace(variant) == "" {
		variant = cfg.Container.Variant
	}
	v, err := recipe.ParseVariant(variant)
	if err != nil {
		return recipe.Recipe{}, err
	}
	r, err := recipe.Preset(preset, v)
	if err != nil {
		return recipe.Recipe{}, err
	}
	return r, r.Validate()
}

func buildLabels(r recipe.Recipe, rendered recipe.Rendered) map[string]string {
	labels := make(map[string]string, len(r.Labels)+3)
	for k, v := range r.Labels {
		labels[k] = v
	}
	labels["org.opencontainers.image.version"] = currentVersion()
	labels["systems.pkt.appwatch.recipe"] = rendered.Digest.String()
	labels["systems.pkt.appwatch.variant"] = string(r.Variant)
	return labels
}

// resolveBuildSource returns the directory the recipe inputs are read from.
// Without an explicit context the self preset stages the appwatch binary.
func resolveBuildSource(r recipe.Recipe, contextDir, binPath string) (string, func(), error) {
	noop := func() {}
	if dir := strings.TrimSpace(contextDir); dir != "" {
		if err := r.ValidateContext(dir); err != nil {
			return "", noop, err
		}
		return dir, noop, nil
	}
	if r.Executable != "appwatch" {
		return "", noop, fmt.Errorf("preset %s needs --context with %s", r.Name, strings.Join(r.Inputs(), " and "))
	}
	bin, err := resolveAppwatchBinary(binPath)
	if err != nil {
		return "", noop, err
	}
	if err := ensureELF(bin); err != nil {
		return "", noop, err
	}
	dir, err := os.MkdirTemp("", "appwatch-build-src-*")
	if err != nil {
		return "", noop, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	if err := copyFile(bin, filepath.Join(dir, r.Executable), 0o755); err != nil {
		cleanup()
		return "", noop, err
	}
	return dir, cleanup, nil
}

func runBuild(ctx context.Context, yard *shipohoy.Yard, spec shipohoy.BuildSpec, logger pslog.Logger) (shipohoy.BuildResult, error) {
	events := make(chan shipohoy.BuildEvent, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		logBuildEvents(ctx, logger, events)
	}()
	res, err := yard.Build(ctx, spec, events)
	close(events)
	<-done
	if err == nil {
		logger.Info("build.complete", "images", res.ImageNames)
	}
	return res, err
}

func logBuildEvents(ctx context.Context, logger pslog.Logger, events <-chan shipohoy.BuildEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := buildEventMessage(ev, "build.event")
			switch ev.Kind {
			case shipohoy.BuildEventVertexStarted:
				logger.Info(msg, "state", "started")
			case shipohoy.BuildEventVertexCompleted:
				if ev.Error != "" {
					logger.Error(msg, "vertex", ev.VertexID, "err", ev.Error)
				} else {
					logger.Info(msg, "state", "completed")
				}
			case shipohoy.BuildEventLog:
				if line := strings.TrimSpace(ev.Message); line != "" {
					msg = line
				}
				logger.Info(msg)
			case shipohoy.BuildEventWarning:
				logger.Warn(msg, "warning", ev.Message)
			default:
				logger.Info(msg, "kind", ev.Kind, "msg", ev.Message)
			}
		}
	}
}

func buildEventMessage(ev shipohoy.BuildEvent, fallback string) string {
	if strings.TrimSpace(ev.Name) != "" {
		return ev.Name
	}
	return fallback
}

func buildTimeout(cfg appconfig.Config) time.Duration {
	if cfg.Container.BuildTimeout <= 0 {
		return 0
	}
	return time.Duration(cfg.Container.BuildTimeout) * time.Minute
}

// postBuild makes the built image visible to the configured runtime and
// confirms every tag resolves there.
func postBuild(ctx context.Context, cfg appconfig.Config, kind string, opts *buildOptions, res shipohoy.BuildResult) error {
	logger := pslog.Ctx(ctx)
	if kind == builderBuildKit && opts.disableImport {
		logger.Info("build.import.skipped", "path", res.OutputPath)
		return nil
	}
	rt, closeRuntime, err := selectRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeRuntime() }()
	if kind == builderBuildKit {
		importer, ok := rt.(shipohoy.Importer)
		if !ok {
			return fmt.Errorf("runtime %s cannot import OCI archives", cfg.Container.Runtime)
		}
		logger.Info("build.import.start", "path", res.OutputPath)
		imported, err := importer.Import(ctx, res.OutputPath, res.ImageNames)
		if err != nil {
			return err
		}
		logger.Info("build.import.complete", "path", res.OutputPath, "images", imported)
	}
	return verifyImagesExist(ctx, rt, res.ImageNames)
}

func verifyImagesExist(ctx context.Context, rt shipohoy.Runtime, images []string) error {
	for _, image := range images {
		ok, err := rt.ImageExists(ctx, image)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("image %q not found after build; import failed or namespace mismatch", image)
		}
	}
	return nil
}

func resolveConfigPath(path string) (string, error) {
	if configPath := strings.TrimSpace(path); configPath != "" {
		return configPath, nil
	}
	return appconfig.DefaultConfigPath()
}

func resolveOutputPath(configPath, override, filename string) (string, error) {
	output := strings.TrimSpace(override)
	if output == "" {
		output = filepath.Join(filepath.Dir(configPath), "containers", filename)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", err
	}
	return output, nil
}

func currentVersion() string {
	if ver := strings.TrimSpace(version.Current()); ver != "" {
		return ver
	}
	return "v0.0.0-unknown"
}

func buildTags(baseImage, override string) ([]string, error) {
	if value := strings.TrimSpace(override); value != "" {
		return []string{value}, nil
	}
	base := stripImageTag(baseImage)
	if base == "" {
		return nil, errors.New("image name is required")
	}
	// "+" from pseudo versions is not valid in a tag.
	ver := strings.ReplaceAll(currentVersion(), "+", "-")
	return []string{base + ":" + ver, base + ":latest"}, nil
}

func stripImageTag(image string) string {
	image = strings.TrimSpace(image)
	if at := strings.LastIndex(image, "@"); at != -1 {
		image = image[:at]
	}
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon]
	}
	return image
}

func resolveAppwatchBinary(explicit string) (string, error) {
	if value := strings.TrimSpace(explicit); value != "" {
		return ensureFile(value)
	}
	if value := strings.TrimSpace(os.Getenv("APPWATCH_BIN")); value != "" {
		return ensureFile(value)
	}
	if exe, err := os.Executable(); err == nil && exe != "" {
		return ensureFile(exe)
	}
	if path, err := exec.LookPath("appwatch"); err == nil {
		return ensureFile(path)
	}
	return "", errors.New("appwatch binary not found; use --bin or set APPWATCH_BIN")
}

func ensureFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory: %s", path)
	}
	return path, nil
}

// ensureELF rejects binaries that cannot run in a Linux image.
func ensureELF(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()
	ef, err := elf.NewFile(file)
	if err != nil {
		return fmt.Errorf("appwatch binary is not a Linux ELF executable: %w", err)
	}
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		return fmt.Errorf("appwatch binary has ELF type %s, want an executable", ef.Type)
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
