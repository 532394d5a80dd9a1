package failuremodes

import (
	"testing"

	"github.com/compasproject/compas/internal/testutil"
)

func TestMissingFileUsesDefaultCatalog(t *testing.T) {
	catalog, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(catalog) != 10 {
		t.Fatalf("default catalog size = %d", len(catalog))
	}
}

func TestValidFileIsLoaded(t *testing.T) {
	repoRoot := t.TempDir()
	testutil.WriteRepoFile(t, repoRoot, RelPath, `catalog = ["policy_theater", "unplugged_iron", "fail_open"]`)
	catalog, err := Load(repoRoot)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(catalog) != 3 || catalog[0] != "policy_theater" {
		t.Fatalf("catalog = %v", catalog)
	}
}

func TestInvalidFilesFailClosed(t *testing.T) {
	cases := map[string]string{
		"duplicate":     `catalog = ["policy_theater", "policy_theater"]`,
		"empty catalog": `catalog = []`,
		"bad id":        `catalog = ["Not Valid!"]`,
		"unknown field": `catalog = ["policy_theater"]` + "\nsurprise = 1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			repoRoot := t.TempDir()
			testutil.WriteRepoFile(t, repoRoot, RelPath, body)
			if _, err := Load(repoRoot); err == nil {
				t.Fatalf("expected fail-closed error")
			}
		})
	}
}
