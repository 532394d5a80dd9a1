package initplan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/repo"
	"github.com/compasproject/compas/internal/testutil"
)

func TestInitDryRunPreviewsWrites(t *testing.T) {
	repoRoot := t.TempDir()
	out := Init(repoRoot, api.InitRequest{Packs: []string{"builtin:go"}})
	if !out.OK || out.Applied {
		t.Fatalf("out = %+v", out)
	}
	if len(out.Plan.Writes) != 4 {
		t.Fatalf("writes = %d, want 4", len(out.Plan.Writes))
	}
	for _, write := range out.Plan.Writes {
		if write.ContentUTF8 == "" {
			t.Fatalf("dry-run must include file contents: %s", write.Path)
		}
		if _, err := os.Stat(filepath.Join(repoRoot, filepath.FromSlash(write.Path))); !os.IsNotExist(err) {
			t.Fatalf("dry-run wrote %s", write.Path)
		}
	}
}

func TestInitApplyProducesLoadableConfig(t *testing.T) {
	repoRoot := t.TempDir()
	out := Init(repoRoot, api.InitRequest{Packs: []string{"builtin:go"}, Apply: true})
	if !out.OK || !out.Applied {
		t.Fatalf("out = %+v", out)
	}
	for _, write := range out.Plan.Writes {
		if write.ContentUTF8 != "[omitted by compas.init apply; run with apply=false to preview]" {
			t.Fatalf("apply must omit contents: %q", write.ContentUTF8)
		}
	}

	cfg, cfgErr := repo.Load(repoRoot)
	if cfgErr != nil {
		t.Fatalf("generated config does not load: %v", cfgErr)
	}
	if _, known := cfg.Tools["go-test"]; !known {
		t.Fatalf("generated tools = %v", cfg.Tools)
	}
	if cfg.QualityContract == nil {
		t.Fatalf("generated contract missing")
	}
}

func TestInitApplyNeverOverwritesExistingFiles(t *testing.T) {
	repoRoot := t.TempDir()
	existing := ".agents/mcp/compas/quality_contract.toml"
	testutil.WriteRepoFile(t, repoRoot, existing, "# customized\n")

	out := Init(repoRoot, api.InitRequest{Packs: []string{"builtin:go"}, Apply: true})
	if !out.OK {
		t.Fatalf("out = %+v", out)
	}
	found := false
	for _, skipped := range out.Plan.Skipped {
		if skipped == existing {
			found = true
		}
	}
	if !found {
		t.Fatalf("existing file not reported as skipped: %v", out.Plan.Skipped)
	}
	content, err := os.ReadFile(filepath.Join(repoRoot, filepath.FromSlash(existing)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "# customized\n" {
		t.Fatalf("existing file was overwritten")
	}
}

func TestInitUnknownPackFailsClosed(t *testing.T) {
	out := Init(t.TempDir(), api.InitRequest{Packs: []string{"builtin:cobol"}})
	if out.OK {
		t.Fatalf("unknown pack must fail")
	}
	if out.Error == nil || out.Error.Code != "pack.unknown" {
		t.Fatalf("error = %+v", out.Error)
	}
}

func TestEveryBuiltinPackLoads(t *testing.T) {
	for packID := range builtinPacks {
		packID := packID
		t.Run(packID, func(t *testing.T) {
			repoRoot := t.TempDir()
			out := Init(repoRoot, api.InitRequest{Packs: []string{packID}, Apply: true})
			if !out.OK {
				t.Fatalf("apply %s: %+v", packID, out.Error)
			}
			if _, cfgErr := repo.Load(repoRoot); cfgErr != nil {
				t.Fatalf("pack %s generates unloadable config: %v", packID, cfgErr)
			}
		})
	}
}
