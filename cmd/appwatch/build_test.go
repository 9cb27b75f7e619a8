package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pkt.systems/appwatch/internal/appconfig"
	"pkt.systems/appwatch/internal/recipe"
	"pkt.systems/appwatch/internal/shipohoy"
	"pkt.systems/pslog"
)

func TestResolveOutputPathDefaultsToConfigDir(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	got, err := resolveOutputPath(configPath, "", "appwatch.oci.tar")
	if err != nil {
		t.Fatalf("resolveOutputPath: %v", err)
	}
	want := filepath.Join(filepath.Dir(configPath), "containers", "appwatch.oci.tar")
	if got != want {
		t.Fatalf("resolveOutputPath = %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Dir(want)); err != nil {
		t.Fatalf("expected containers dir: %v", err)
	}
}

func TestResolveOutputPathOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	override := filepath.Join(t.TempDir(), "custom.oci.tar")
	got, err := resolveOutputPath(configPath, override, "ignored.oci.tar")
	if err != nil {
		t.Fatalf("resolveOutputPath override: %v", err)
	}
	if got != override {
		t.Fatalf("resolveOutputPath override = %q, want %q", got, override)
	}
}

func TestStripImageTag(t *testing.T) {
	tests := []struct {
		name  string
		image string
		want  string
	}{
		{name: "tagged", image: "localhost/appwatch:latest", want: "localhost/appwatch"},
		{name: "port", image: "registry:5000/repo:tag", want: "registry:5000/repo"},
		{name: "digest", image: "repo@sha256:deadbeef", want: "repo"},
		{name: "untagged", image: "pktsystems/appwatch", want: "pktsystems/appwatch"},
	}
	for _, tc := range tests {
		if got := stripImageTag(tc.image); got != tc.want {
			t.Fatalf("%s: stripImageTag(%q) = %q, want %q", tc.name, tc.image, got, tc.want)
		}
	}
}

func TestBuildTags(t *testing.T) {
	tags, err := buildTags("localhost/appwatch:latest", "")
	if err != nil {
		t.Fatalf("buildTags: %v", err)
	}
	if len(tags) != 2 || tags[1] != "localhost/appwatch:latest" || !strings.HasPrefix(tags[0], "localhost/appwatch:") {
		t.Fatalf("unexpected tags %v", tags)
	}
	if strings.Contains(tags[0], "+") {
		t.Fatalf("tag %q carries build metadata", tags[0])
	}
	tags, err = buildTags("localhost/appwatch:latest", "example/bot:1")
	if err != nil || len(tags) != 1 || tags[0] != "example/bot:1" {
		t.Fatalf("override tags = %v, %v", tags, err)
	}
	if _, err := buildTags(" ", ""); err == nil {
		t.Fatalf("expected empty image error")
	}
}

func TestBuilderKind(t *testing.T) {
	tests := []struct {
		name    string
		runtime string
		builder string
		want    string
		wantErr bool
	}{
		{name: "podman default", runtime: "podman", want: builderPodman},
		{name: "containerd default", runtime: "containerd", want: builderBuildKit},
		{name: "explicit buildkit", runtime: "containerd", builder: "BuildKit", want: builderBuildKit},
		{name: "buildkit on podman", runtime: "podman", builder: "buildkit", wantErr: true},
		{name: "podman on containerd", runtime: "containerd", builder: "podman", wantErr: true},
		{name: "unknown", runtime: "podman", builder: "kaniko", wantErr: true},
	}
	for _, tc := range tests {
		cfg := appconfig.DefaultConfig()
		cfg.Container.Runtime = tc.runtime
		cfg.Container.Builder = tc.builder
		got, err := builderKind(cfg)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error, got %q", tc.name, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: builderKind = %q, %v; want %q", tc.name, got, err, tc.want)
		}
	}
}

func TestBuildRecipeFlagsOverrideConfig(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	r, err := buildRecipe(cfg, "", "")
	if err != nil {
		t.Fatalf("buildRecipe: %v", err)
	}
	if r.Name != "appwatch" || !r.Hardened() {
		t.Fatalf("expected hardened self recipe from config, got %s/%s", r.Name, r.Variant)
	}
	r, err = buildRecipe(cfg, "python", "default")
	if err != nil {
		t.Fatalf("buildRecipe: %v", err)
	}
	if r.Executable != "bot.py" || r.Hardened() {
		t.Fatalf("expected default python recipe, got %+v", r)
	}
	if _, err := buildRecipe(cfg, "python", "rootless"); err == nil {
		t.Fatalf("expected variant error")
	}
}

func TestResolveBuildSourceValidatesContext(t *testing.T) {
	r := recipe.PythonBot(recipe.VariantDefault)
	if _, _, err := resolveBuildSource(r, "", ""); err == nil || !strings.Contains(err.Error(), "--context") {
		t.Fatalf("expected --context hint, got %v", err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bot.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatalf("write bot.py: %v", err)
	}
	_, _, err := resolveBuildSource(r, dir, "")
	var missing *recipe.MissingInputError
	if !errors.As(err, &missing) || missing.Role != "manifest" {
		t.Fatalf("expected missing manifest, got %v", err)
	}
}

func TestResolveBuildSourceRejectsNonELFBinary(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "appwatch")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write bin: %v", err)
	}
	_, _, err := resolveBuildSource(recipe.Self(recipe.VariantHardened), "", bin)
	if err == nil || !strings.Contains(err.Error(), "ELF") {
		t.Fatalf("expected ELF error, got %v", err)
	}
}

func TestResolveAppwatchBinaryExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appwatch")
	if err := os.WriteFile(path, []byte("bin"), 0o755); err != nil {
		t.Fatalf("write temp bin: %v", err)
	}
	got, err := resolveAppwatchBinary(path)
	if err != nil || got != path {
		t.Fatalf("resolveAppwatchBinary = %q, %v; want %q", got, err, path)
	}
	if _, err := resolveAppwatchBinary(filepath.Dir(path)); err == nil {
		t.Fatalf("expected directory rejected")
	}
}

func TestBuildLabels(t *testing.T) {
	r := recipe.Self(recipe.VariantHardened)
	rendered, err := r.Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	labels := buildLabels(r, rendered)
	if labels["systems.pkt.appwatch.recipe"] != rendered.Digest.String() {
		t.Fatalf("missing recipe digest label: %v", labels)
	}
	if labels["systems.pkt.appwatch.variant"] != "hardened" || labels["org.opencontainers.image.title"] != "appwatch" {
		t.Fatalf("unexpected labels %v", labels)
	}
}

func TestRunBuildDrainsEvents(t *testing.T) {
	builder := &eventBuilder{}
	yard := shipohoy.Commission(shipohoy.YardPlan{}, nil, builder)
	ctx := context.Background()
	res, err := runBuild(ctx, yard, shipohoy.BuildSpec{ContextDir: t.TempDir(), Tags: []string{"a:1"}}, pslog.Ctx(ctx))
	if err != nil {
		t.Fatalf("runBuild: %v", err)
	}
	if len(res.ImageNames) != 1 || res.ImageNames[0] != "a:1" {
		t.Fatalf("unexpected result %+v", res)
	}
	builder.mu.Lock()
	defer builder.mu.Unlock()
	if builder.sent != 4 {
		t.Fatalf("expected 4 events sent, got %d", builder.sent)
	}
}

func TestVerifyImagesExist(t *testing.T) {
	rt := &fakeRuntime{images: map[string]shipohoy.ImageConfig{"a:1": {}}}
	if err := verifyImagesExist(context.Background(), rt, []string{"a:1"}); err != nil {
		t.Fatalf("verifyImagesExist: %v", err)
	}
	if err := verifyImagesExist(context.Background(), rt, []string{"a:1", "a:latest"}); err == nil || !strings.Contains(err.Error(), "a:latest") {
		t.Fatalf("expected missing image error, got %v", err)
	}
}

type eventBuilder struct {
	mu   sync.Mutex
	sent int
}

func (b *eventBuilder) Build(ctx context.Context, spec shipohoy.BuildSpec) (shipohoy.BuildResult, error) {
	return shipohoy.BuildResult{ImageNames: spec.Tags}, nil
}

func (b *eventBuilder) BuildWithEvents(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	for _, ev := range []shipohoy.BuildEvent{
		{Kind: shipohoy.BuildEventVertexStarted, Name: "RUN mkdir -p /app/data"},
		{Kind: shipohoy.BuildEventLog, Message: "ok"},
		{Kind: shipohoy.BuildEventWarning, Message: "legacy"},
		{Kind: shipohoy.BuildEventVertexCompleted, Name: "RUN mkdir -p /app/data"},
	} {
		events <- ev
		b.mu.Lock()
		b.sent++
		b.mu.Unlock()
	}
	return shipohoy.BuildResult{ImageNames: spec.Tags}, nil
}
