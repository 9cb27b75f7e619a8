package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/appwatch/internal/appconfig"
	"pkt.systems/appwatch/internal/recipe"
	"pkt.systems/appwatch/internal/shipohoy"
	"pkt.systems/pslog"
)

const (
	verifyNamePrefix = "appwatch-verify-"
	verifyProbeFile  = ".appwatch-probe"
	verifyExecLimit  = 30 * time.Second
)

type verifyOptions struct {
	configPath string
	envFiles   []string
	image      string
	user       string
	variant    string
}

// verifyTarget names the image under test and the account it must run as.
type verifyTarget struct {
	Image    string
	Hardened bool
	User     string
	WorkDir  string
	DataDir  string
}

type checkResult struct {
	Name string
	Err  error
}

func newVerifyCmd() *cobra.Command {
	opts := &verifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a built image for the runtime properties the recipe promises",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts.configPath, opts.envFiles)
			if err != nil {
				return err
			}
			target, err := verifyTargetFor(cfg, opts)
			if err != nil {
				return err
			}
			rt, closeRuntime, err := selectRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeRuntime() }()
			return runVerify(cmd.Context(), rt, target, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files to load before the config")
	cmd.Flags().StringVar(&opts.image, "image", "", "image to verify (default: container.image)")
	cmd.Flags().StringVar(&opts.user, "user", recipe.DefaultUser, "expected account in the hardened form")
	cmd.Flags().StringVar(&opts.variant, "variant", "", "expected privilege form (default: container.variant)")
	return cmd
}

func verifyTargetFor(cfg appconfig.Config, opts *verifyOptions) (verifyTarget, error) {
	variantName := opts.variant
	if strings.TrimSpace(variantName) == "" {
		variantName = cfg.Container.Variant
	}
	variant, err := recipe.ParseVariant(variantName)
	if err != nil {
		return verifyTarget{}, err
	}
	image := strings.TrimSpace(opts.image)
	if image == "" {
		image = cfg.Container.Image
	}
	if image == "" {
		return verifyTarget{}, errors.New("image is required")
	}
	return verifyTarget{
		Image:    image,
		Hardened: variant == recipe.VariantHardened,
		User:     strings.TrimSpace(opts.user),
		WorkDir:  recipe.DefaultWorkDir,
		DataDir:  recipe.DefaultDataDir,
	}, nil
}

// runVerify inspects the image config, then runs a throwaway container to
// confirm the effective account and that the data dir is writable.
func runVerify(ctx context.Context, rt shipohoy.Runtime, target verifyTarget, out io.Writer) error {
	logger := pslog.Ctx(ctx).With("image", target.Image)
	logger.Info("verify.start", "hardened", target.Hardened)
	imgCfg, err := imageConfig(ctx, rt, target.Image)
	if err != nil {
		return err
	}
	results := staticChecks(imgCfg, target)
	results = append(results, dynamicChecks(ctx, rt, imgCfg, target)...)

	failed := 0
	for _, res := range results {
		var err error
		if res.Err != nil {
			failed++
			_, err = fmt.Fprintf(out, "FAIL %s: %v\n", res.Name, res.Err)
		} else {
			_, err = fmt.Fprintf(out, "PASS %s\n", res.Name)
		}
		if err != nil {
			return err
		}
	}
	if failed > 0 {
		logger.Warn("verify.failed", "failed", failed, "total", len(results))
		return fmt.Errorf("%d of %d checks failed for %s", failed, len(results), target.Image)
	}
	logger.Info("verify.complete", "total", len(results))
	return nil
}

func imageConfig(ctx context.Context, rt shipohoy.Runtime, image string) (shipohoy.ImageConfig, error) {
	cfg, err := rt.ImageConfig(ctx, image)
	if !errors.Is(err, shipohoy.ErrImageNotFound) {
		return cfg, err
	}
	pslog.Ctx(ctx).Info("verify.pull", "image", image)
	if err := rt.EnsureImage(ctx, image); err != nil {
		return shipohoy.ImageConfig{}, err
	}
	return rt.ImageConfig(ctx, image)
}

func staticChecks(cfg shipohoy.ImageConfig, target verifyTarget) []checkResult {
	return []checkResult{
		{Name: "entrypoint is a single exec-form invocation", Err: checkEntrypoint(cfg)},
		{Name: "working directory is " + target.WorkDir, Err: checkWorkDir(cfg, target.WorkDir)},
		{Name: "image user", Err: checkImageUser(cfg, target)},
	}
}

func checkEntrypoint(cfg shipohoy.ImageConfig) error {
	argv := cfg.Argv()
	if len(argv) == 0 {
		return errors.New("image has no entrypoint or cmd")
	}
	if strings.TrimSpace(argv[0]) == "" {
		return errors.New("empty executable")
	}
	if len(argv) >= 2 && (argv[0] == "/bin/sh" || argv[0] == "sh") && argv[1] == "-c" {
		return fmt.Errorf("shell form %q", strings.Join(argv, " "))
	}
	return nil
}

func checkWorkDir(cfg shipohoy.ImageConfig, want string) error {
	if path.Clean(cfg.WorkingDir) != want {
		return fmt.Errorf("got %q", cfg.WorkingDir)
	}
	return nil
}

func checkImageUser(cfg shipohoy.ImageConfig, target verifyTarget) error {
	user := strings.TrimSpace(cfg.User)
	if target.Hardened {
		if name, _, _ := strings.Cut(user, ":"); name != target.User {
			return fmt.Errorf("got %q, want %q", user, target.User)
		}
		return nil
	}
	switch user {
	case "", "root", "0", "0:0", "root:root":
		return nil
	default:
		return fmt.Errorf("default form runs as %q, want root", user)
	}
}

func dynamicChecks(ctx context.Context, rt shipohoy.Runtime, cfg shipohoy.ImageConfig, target verifyTarget) []checkResult {
	userCheck := "effective user is " + expectedUser(target)
	dataDir := target.DataDir
	if value, ok := cfg.EnvValue("DATA_DIR"); ok && strings.TrimSpace(value) != "" {
		dataDir = value
	}
	probeCheck := "data dir " + dataDir + " is writable"

	yard := shipohoy.Commission(shipohoy.YardPlan{
		NamePrefix: verifyNamePrefix,
		Labels:     map[string]string{"appwatch.verify": "true"},
	}, rt, nil)
	defer func() {
		if err := yard.DischargeAll(context.WithoutCancel(ctx)); err != nil {
			pslog.Ctx(ctx).Warn("verify.cleanup.failed", "err", err)
		}
	}()
	handle, err := yard.ShipOut(ctx, shipohoy.ContainerSpec{
		Name:       strconv.FormatInt(time.Now().UnixNano(), 36),
		Image:      target.Image,
		Command:    []string{"sleep", "300"},
		WorkingDir: cfg.WorkingDir,
	})
	if err != nil {
		err = fmt.Errorf("start container: %w", err)
		return []checkResult{{Name: userCheck, Err: err}, {Name: probeCheck, Err: err}}
	}

	results := make([]checkResult, 0, 2)
	name, err := execOutput(ctx, rt, handle, []string{"id", "-un"})
	if err == nil && name != expectedUser(target) {
		err = fmt.Errorf("got %q", name)
	}
	results = append(results, checkResult{Name: userCheck, Err: err})

	probe := path.Join(dataDir, verifyProbeFile)
	_, err = execOutput(ctx, rt, handle, []string{"sh", "-c", `touch "$1" && rm "$1"`, "sh", probe})
	return append(results, checkResult{Name: probeCheck, Err: err})
}

func expectedUser(target verifyTarget) string {
	if target.Hardened {
		return target.User
	}
	return "root"
}

func execOutput(ctx context.Context, rt shipohoy.Runtime, handle shipohoy.Handle, argv []string) (string, error) {
	var stdout, stderr bytes.Buffer
	res, err := rt.Exec(ctx, handle, shipohoy.ExecSpec{
		Command: argv,
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: verifyExecLimit,
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "no output"
		}
		return "", fmt.Errorf("%s exited %d: %s", argv[0], res.ExitCode, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}
