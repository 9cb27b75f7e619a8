package recipe

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	composeName    = "compose.yaml"
	envExampleName = ".env.example"
	envFileName    = ".env"
)

// BundlePaths lists where WriteBundle wrote its outputs.
type BundlePaths struct {
	Containerfile string
	Compose       string
	EnvExample    string
}

// Bundle holds the deployable files for a recipe.
type Bundle struct {
	Rendered   Rendered
	Compose    []byte
	EnvExample []byte
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Build         composeBuild `yaml:"build"`
	Image         string       `yaml:"image"`
	ContainerName string       `yaml:"container_name"`
	Restart       string       `yaml:"restart"`
	EnvFile       []string     `yaml:"env_file"`
	Volumes       []string     `yaml:"volumes"`
}

type composeBuild struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile"`
}

// NewBundle renders the Containerfile, the compose file and the env example.
func (r Recipe) NewBundle(image string) (Bundle, error) {
	rendered, err := r.Render()
	if err != nil {
		return Bundle{}, err
	}
	if image == "" {
		image = "localhost/" + r.Name + ":latest"
	}
	compose := composeFile{Services: map[string]composeService{
		r.Name: {
			Build:         composeBuild{Context: ".", Dockerfile: ContainerfileName},
			Image:         image,
			ContainerName: r.Name,
			Restart:       "unless-stopped",
			EnvFile:       []string{envFileName},
			Volumes:       []string{"./data:" + r.DataDir},
		},
	}}
	composeYAML, err := yaml.Marshal(compose)
	if err != nil {
		return Bundle{}, fmt.Errorf("encode compose: %w", err)
	}
	env := fmt.Sprintf("TELEGRAM_BOT_TOKEN=your_token_here\nDATA_DIR=%s\n", r.DataDir)
	return Bundle{Rendered: rendered, Compose: composeYAML, EnvExample: []byte(env)}, nil
}

// WriteBundle writes the bundle files into dir. Existing files are kept
// unless overwrite is set.
func (r Recipe) WriteBundle(dir, image string, overwrite bool) (BundlePaths, error) {
	bundle, err := r.NewBundle(image)
	if err != nil {
		return BundlePaths{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return BundlePaths{}, err
	}
	paths := BundlePaths{
		Containerfile: filepath.Join(dir, ContainerfileName),
		Compose:       filepath.Join(dir, composeName),
		EnvExample:    filepath.Join(dir, envExampleName),
	}
	files := []struct {
		path string
		data []byte
	}{
		{paths.Containerfile, bundle.Rendered.Containerfile},
		{paths.Compose, bundle.Compose},
		{paths.EnvExample, bundle.EnvExample},
	}
	if !overwrite {
		for _, file := range files {
			if _, err := os.Stat(file.path); err == nil {
				return BundlePaths{}, fmt.Errorf("file already exists: %s", file.path)
			}
		}
	}
	for _, file := range files {
		if err := os.WriteFile(file.path, file.data, 0o644); err != nil {
			return BundlePaths{}, err
		}
	}
	return paths, nil
}
