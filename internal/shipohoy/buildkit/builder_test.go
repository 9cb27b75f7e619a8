package buildkit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/moby/buildkit/client"
	"github.com/opencontainers/go-digest"

	"pkt.systems/appwatch/internal/shipohoy"
)

func TestFrontendAttrs(t *testing.T) {
	attrs := frontendAttrs(shipohoy.BuildSpec{
		BuildArgs: map[string]string{"VERSION": "1.0"},
		Labels:    map[string]string{"org.opencontainers.image.title": "appwatch"},
		NoCache:   true,
	}, "Containerfile")
	want := map[string]string{
		"filename":                             "Containerfile",
		"build-arg:VERSION":                    "1.0",
		"label:org.opencontainers.image.title": "appwatch",
		"no-cache":                             "",
	}
	if len(attrs) != len(want) {
		t.Fatalf("unexpected attrs %v", attrs)
	}
	for k, v := range want {
		if got, ok := attrs[k]; !ok || got != v {
			t.Fatalf("attr %s = %q (%v), want %q", k, got, ok, v)
		}
	}
}

func TestExportsFor(t *testing.T) {
	exports, err := exportsFor(shipohoy.BuildSpec{Tags: []string{"a:1", "a:latest"}})
	if err != nil {
		t.Fatalf("exportsFor: %v", err)
	}
	if len(exports) != 1 || exports[0].Type != client.ExporterImage || exports[0].Attrs["name"] != "a:1,a:latest" {
		t.Fatalf("unexpected image export %+v", exports)
	}
	out := filepath.Join(t.TempDir(), "nested", "image.tar")
	exports, err = exportsFor(shipohoy.BuildSpec{Tags: []string{"a:1"}, OutputPath: out})
	if err != nil {
		t.Fatalf("exportsFor: %v", err)
	}
	if exports[0].Type != client.ExporterOCI || exports[0].Attrs["tar"] != "true" {
		t.Fatalf("unexpected oci export %+v", exports[0])
	}
	if _, err := os.Stat(filepath.Dir(out)); err != nil {
		t.Fatalf("expected output dir created: %v", err)
	}
}

func TestStageContainerfile(t *testing.T) {
	ctxDir := t.TempDir()
	path, cleanup, err := stageContainerfile(shipohoy.BuildSpec{ContextDir: ctxDir})
	if err != nil {
		t.Fatalf("stageContainerfile: %v", err)
	}
	cleanup()
	if path != filepath.Join(ctxDir, "Containerfile") {
		t.Fatalf("unexpected default path %q", path)
	}
	path, cleanup, err = stageContainerfile(shipohoy.BuildSpec{ContextDir: ctxDir, ContainerfileData: []byte("FROM scratch\n")})
	if err != nil {
		t.Fatalf("stageContainerfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "FROM scratch\n" {
		t.Fatalf("unexpected staged data %q (%v)", data, err)
	}
	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected staged file removed, got %v", err)
	}
}

func TestBuildRejectsIncompleteSpec(t *testing.T) {
	b := New(Config{Address: "unix:///nonexistent/buildkitd.sock"})
	if _, err := b.Build(context.Background(), shipohoy.BuildSpec{ContextDir: t.TempDir()}); err == nil {
		t.Fatalf("expected missing tags error")
	}
	if _, err := b.Build(context.Background(), shipohoy.BuildSpec{Tags: []string{"a:1"}}); err == nil {
		t.Fatalf("expected missing context error")
	}
}

func TestProgressEmitsEvents(t *testing.T) {
	events := make(chan shipohoy.BuildEvent, 10)
	p := newProgress(events)
	started := time.Unix(100, 0)
	completed := time.Unix(200, 0)
	vertexID := digest.FromString("step")
	p.apply(context.Background(), &client.SolveStatus{
		Vertexes: []*client.Vertex{{Digest: vertexID, Name: "RUN mkdir -p /app/data", Started: &started}},
	})
	p.apply(context.Background(), &client.SolveStatus{
		Vertexes: []*client.Vertex{{Digest: vertexID, Started: &started, Completed: &completed}},
		Logs:     []*client.VertexLog{{Vertex: vertexID, Data: []byte("done\n"), Timestamp: completed}},
		Warnings: []*client.VertexWarning{{Vertex: vertexID, Short: []byte("legacy syntax")}},
	})
	close(events)
	var kinds []shipohoy.BuildEventKind
	for event := range events {
		kinds = append(kinds, event.Kind)
		if event.Name != "RUN mkdir -p /app/data" {
			t.Fatalf("expected vertex name on %s event, got %q", event.Kind, event.Name)
		}
	}
	want := []shipohoy.BuildEventKind{
		shipohoy.BuildEventVertexStarted,
		shipohoy.BuildEventVertexCompleted,
		shipohoy.BuildEventLog,
		shipohoy.BuildEventWarning,
	}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestCandidateAddressesDeduplicates(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	addrs := candidateAddresses("unix:///run/buildkit/buildkitd.sock")
	seen := map[string]bool{}
	for _, addr := range addrs {
		if seen[addr] {
			t.Fatalf("duplicate address %q in %v", addr, addrs)
		}
		seen[addr] = true
	}
	if addrs[0] != "unix:///run/buildkit/buildkitd.sock" {
		t.Fatalf("expected primary first, got %v", addrs)
	}
}
