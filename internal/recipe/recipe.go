package recipe

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Variant selects the privilege form of a recipe.
type Variant string

const (
	// VariantDefault runs the entrypoint as the image's default account.
	VariantDefault Variant = "default"
	// VariantHardened creates an unprivileged account and runs as it.
	VariantHardened Variant = "hardened"
)

const (
	// DefaultWorkDir is the application directory inside the image.
	DefaultWorkDir = "/app"
	// DefaultDataDir is the runtime state directory inside the image.
	DefaultDataDir = "/app/data"
	// DefaultUser is the account created by the hardened variant.
	DefaultUser = "botuser"
)

var accountPattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// ParseVariant validates a variant name. Empty selects the default form.
func ParseVariant(value string) (Variant, error) {
	switch Variant(strings.ToLower(strings.TrimSpace(value))) {
	case "", VariantDefault:
		return VariantDefault, nil
	case VariantHardened:
		return VariantHardened, nil
	default:
		return "", fmt.Errorf("unknown variant %q (want default or hardened)", value)
	}
}

// Recipe describes how a runtime image is assembled.
type Recipe struct {
	Name           string
	BaseImage      string
	WorkDir        string
	DataDir        string
	Manifest       string
	InstallCommand string
	Executable     string
	Interpreter    []string
	UnbufferedFlag string
	Args           []string
	Env            map[string]string
	Labels         map[string]string
	User           string
	UserAddCommand string
	Variant        Variant
}

// PythonBot reproduces the original Python bot image.
func PythonBot(variant Variant) Recipe {
	return withVariant(Recipe{
		Name:           "appstore-bot",
		BaseImage:      "python:3.11-slim",
		WorkDir:        DefaultWorkDir,
		DataDir:        DefaultDataDir,
		Manifest:       "requirements.txt",
		InstallCommand: "pip install --no-cache-dir -r requirements.txt",
		Executable:     "bot.py",
		Interpreter:    []string{"python"},
		UnbufferedFlag: "-u",
		Env:            map[string]string{"DATA_DIR": DefaultDataDir},
		Labels: map[string]string{
			ocispec.AnnotationTitle:       "appstore-bot",
			ocispec.AnnotationDescription: "App Store version monitor (Python)",
		},
	}, variant)
}

// Self packages the appwatch binary. The binary has no dependency manifest;
// the install step only adds CA certificates for outbound TLS.
func Self(variant Variant) Recipe {
	return withVariant(Recipe{
		Name:           "appwatch",
		BaseImage:      "debian:bookworm-slim",
		WorkDir:        DefaultWorkDir,
		DataDir:        DefaultDataDir,
		InstallCommand: "apt-get update && apt-get install -y --no-install-recommends ca-certificates && rm -rf /var/lib/apt/lists/*",
		Executable:     "appwatch",
		Args:           []string{"serve"},
		Env:            map[string]string{"DATA_DIR": DefaultDataDir},
		Labels: map[string]string{
			ocispec.AnnotationTitle:       "appwatch",
			ocispec.AnnotationDescription: "App Store version monitor",
		},
	}, variant)
}

// Preset returns a named preset.
func Preset(name string, variant Variant) (Recipe, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "self", "appwatch":
		return Self(variant), nil
	case "python", "bot.py":
		return PythonBot(variant), nil
	default:
		return Recipe{}, fmt.Errorf("unknown preset %q (want self or python)", name)
	}
}

func withVariant(r Recipe, variant Variant) Recipe {
	r.Variant = variant
	if variant == VariantHardened {
		r.User = DefaultUser
	}
	return r
}

// Hardened reports whether the recipe drops privileges.
func (r Recipe) Hardened() bool {
	return r.Variant == VariantHardened
}

// Entrypoint returns the exec-form command of the image.
func (r Recipe) Entrypoint() []string {
	argv := make([]string, 0, len(r.Interpreter)+len(r.Args)+2)
	if len(r.Interpreter) > 0 {
		argv = append(argv, r.Interpreter...)
		if r.UnbufferedFlag != "" {
			argv = append(argv, r.UnbufferedFlag)
		}
		argv = append(argv, r.Executable)
	} else if r.Executable != "" {
		argv = append(argv, path.Join(r.WorkDir, r.Executable))
	}
	return append(argv, r.Args...)
}

// Validate checks the recipe for structural mistakes.
func (r Recipe) Validate() error {
	var errs []error
	if strings.TrimSpace(r.BaseImage) == "" {
		errs = append(errs, errors.New("base image is required"))
	}
	if !path.IsAbs(r.WorkDir) {
		errs = append(errs, fmt.Errorf("workdir must be absolute, got %q", r.WorkDir))
	}
	if !path.IsAbs(r.DataDir) {
		errs = append(errs, fmt.Errorf("data dir must be absolute, got %q", r.DataDir))
	} else if path.IsAbs(r.WorkDir) && !within(path.Clean(r.WorkDir), path.Clean(r.DataDir)) {
		errs = append(errs, fmt.Errorf("data dir %q must live under workdir %q", r.DataDir, r.WorkDir))
	}
	if err := validateInputName("executable", r.Executable, true); err != nil {
		errs = append(errs, err)
	}
	if err := validateInputName("manifest", r.Manifest, false); err != nil {
		errs = append(errs, err)
	}
	if r.Manifest != "" && r.InstallCommand == "" {
		errs = append(errs, errors.New("manifest declared without an install command"))
	}
	if len(r.Entrypoint()) == 0 {
		errs = append(errs, errors.New("entrypoint is empty"))
	}
	switch r.Variant {
	case VariantDefault, "":
		if r.User != "" {
			errs = append(errs, fmt.Errorf("default variant must not set user %q", r.User))
		}
	case VariantHardened:
		if !accountPattern.MatchString(r.User) || r.User == "root" {
			errs = append(errs, fmt.Errorf("invalid account name %q", r.User))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown variant %q", r.Variant))
	}
	return errors.Join(errs...)
}

func validateInputName(role, name string, required bool) error {
	if name == "" {
		if required {
			return fmt.Errorf("%s name is required", role)
		}
		return nil
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%s %q must be a file in the build context root", role, name)
	}
	return nil
}

func within(parent, child string) bool {
	if parent == child {
		return false
	}
	return strings.HasPrefix(child, strings.TrimSuffix(parent, "/")+"/")
}

func (r Recipe) userAddCommand() string {
	if r.UserAddCommand != "" {
		return r.UserAddCommand
	}
	return "useradd --create-home --shell /usr/sbin/nologin " + r.User
}
