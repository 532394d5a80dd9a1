package checks

import (
	"strings"
	"testing"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/config"
	"github.com/compasproject/compas/internal/testutil"
)

func TestSurfaceCollectsExportedGoDeclarations(t *testing.T) {
	repoRoot := t.TempDir()
	testutil.WriteRepoFile(t, repoRoot, "src/api.go", `package api

func Exported() {}

func internal() {}

type Widget struct{}

const Version = "1"
`)

	result, err := RunSurface(repoRoot, config.SurfaceCheckConfig{
		ID:           "surface",
		MaxItems:     100,
		IncludeGlobs: []string{"src/**/*.go"},
		BaselinePath: "baseline.json",
	})
	if err != nil {
		t.Fatalf("run surface: %v", err)
	}
	if result.ItemsTotal != 3 {
		t.Fatalf("items = %d (%v), want 3", result.ItemsTotal, result.Items)
	}
	for _, item := range result.Items {
		if strings.Contains(item, "internal") {
			t.Fatalf("unexported decl leaked into surface: %s", item)
		}
		if !strings.HasPrefix(item, "src/api.go::") {
			t.Fatalf("item not qualified by path: %s", item)
		}
	}
	if len(result.Violations) != 0 {
		t.Fatalf("unexpected violations: %+v", result.Violations)
	}
}

func TestSurfaceMaxExceededIsObservation(t *testing.T) {
	repoRoot := t.TempDir()
	testutil.WriteRepoFile(t, repoRoot, "src/api.go", "package api\n\nfunc A() {}\n\nfunc B() {}\n")

	result, err := RunSurface(repoRoot, config.SurfaceCheckConfig{
		ID:           "surface",
		MaxItems:     1,
		IncludeGlobs: []string{"src/**/*.go"},
		BaselinePath: "baseline.json",
	})
	if err != nil {
		t.Fatalf("run surface: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(result.Violations))
	}
	if result.Violations[0].Code != "surface.max_exceeded" || result.Violations[0].Tier != api.TierObservation {
		t.Fatalf("violation = %+v", result.Violations[0])
	}
}

func TestSurfaceRustPubRule(t *testing.T) {
	repoRoot := t.TempDir()
	testutil.WriteRepoFile(t, repoRoot, "src/lib.rs", "pub fn run() {}\nfn private() {}\npub struct Gate;\n")

	result, err := RunSurface(repoRoot, config.SurfaceCheckConfig{
		ID:           "surface",
		MaxItems:     100,
		IncludeGlobs: []string{"src/**/*.rs"},
		BaselinePath: "baseline.json",
	})
	if err != nil {
		t.Fatalf("run surface: %v", err)
	}
	if result.ItemsTotal != 2 {
		t.Fatalf("items = %d (%v), want 2", result.ItemsTotal, result.Items)
	}
}
