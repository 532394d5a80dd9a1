package plugman

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/compasproject/compas/core/hashx"
	"github.com/compasproject/compas/internal/testutil"
)

// stageRegistry writes a registry manifest + archive pair into a temp dir and
// returns the resolved (unsigned) manifest.
func stageRegistry(t *testing.T, entries []tarEntry, tier string) *ResolvedManifest {
	t.Helper()
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	registryDir := t.TempDir()
	archivePath := buildTarGz(t, entries)
	archiveBytes, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if err := os.WriteFile(filepath.Join(registryDir, "registry.tar.gz"), archiveBytes, 0o600); err != nil {
		t.Fatalf("stage archive: %v", err)
	}

	manifest := map[string]any{
		"schema":  ManifestSchemaID,
		"version": "2026.08.0",
		"archive": map[string]any{
			"name":   "registry.tar.gz",
			"sha256": hashx.SHA256Hex(archiveBytes),
		},
		"plugins": []map[string]any{
			{
				"id":              "demo",
				"path_in_archive": "pack/plugins/demo",
				"tier":            tier,
				"maintainers":     []string{"registry-team"},
			},
		},
		"packs": []map[string]any{
			{"id": "starter", "description": "Starter pack containing demo.", "plugins": []string{"demo"}},
		},
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	manifestPath := filepath.Join(registryDir, "registry.manifest.v1.json")
	if err := os.WriteFile(manifestPath, raw, 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	resolved, err := LoadVerifiedManifest(manifestPath, LoadOptions{AllowUnsigned: true})
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	return resolved
}

func goodArchiveEntries() []tarEntry {
	return []tarEntry{
		{name: "pack/", typeflag: tar.TypeDir},
		{name: "pack/plugins/demo/plugin.toml", body: "[plugin]\nid = \"demo\"\ndescription = \"Demo plugin installed from registry fixture.\"\n\n[[tools]]\nid = \"demo-echo\"\ndescription = \"Echoes a demo marker for fixtures.\"\ncommand = \"echo\"\n"},
		{name: "pack/plugins/demo/tool.toml", body: "[tool]\nid = \"demo-extra\"\ndescription = \"Extra imported tool manifest fixture.\"\ncommand = \"echo\"\n"},
	}
}

func TestInstallHappyPathWritesLockfile(t *testing.T) {
	resolved := stageRegistry(t, goodArchiveEntries(), TierCommunity)
	repoRoot := t.TempDir()

	result, err := Install(resolved, InstallRequest{
		RepoRoot: repoRoot,
		Plugins:  []string{"demo"},
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if !result.OK || result.Blocked {
		t.Fatalf("result = %+v", result)
	}
	if result.FileCount != 2 {
		t.Fatalf("file count = %d, want 2", result.FileCount)
	}

	lock, err := ReadLockfile(repoRoot)
	if err != nil {
		t.Fatalf("read lockfile: %v", err)
	}
	if lock == nil {
		t.Fatalf("lockfile missing")
	}
	if len(lock.Selection.Plugins) != 1 || lock.Selection.Plugins[0] != "demo" {
		t.Fatalf("selection = %+v", lock.Selection)
	}
	if lock.Registry.ManifestSHA256 != resolved.ManifestSHA256 {
		t.Fatalf("registry sha = %s", lock.Registry.ManifestSHA256)
	}
	for _, entry := range lock.Files {
		abs := filepath.Join(repoRoot, filepath.FromSlash(entry.Path))
		actual, hashErr := hashx.SHA256File(abs)
		if hashErr != nil {
			t.Fatalf("hash installed file: %v", hashErr)
		}
		if actual != entry.SHA256 {
			t.Fatalf("installed file drifted immediately: %s", entry.Path)
		}
	}

	doctor, err := Doctor(repoRoot)
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if !doctor.OK {
		t.Fatalf("doctor = %+v", doctor)
	}
}

func TestInstallViaPackSelection(t *testing.T) {
	resolved := stageRegistry(t, goodArchiveEntries(), TierCommunity)
	repoRoot := t.TempDir()

	result, err := Install(resolved, InstallRequest{RepoRoot: repoRoot, Packs: []string{"starter"}})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if !result.OK || len(result.Plugins) != 1 || result.Plugins[0] != "demo" {
		t.Fatalf("result = %+v", result)
	}
}

// Seed scenario: malicious archive. A traversal entry fails the install,
// leaves the lockfile absent, and writes nothing into the plugin directory.
func TestInstallMaliciousArchiveFailsClosed(t *testing.T) {
	resolved := stageRegistry(t, []tarEntry{
		{name: "pack/plugins/demo/plugin.toml", body: "[plugin]\n"},
		{name: "pack/../escape/file", body: "evil"},
	}, TierCommunity)
	repoRoot := t.TempDir()

	if _, err := Install(resolved, InstallRequest{RepoRoot: repoRoot, Plugins: []string{"demo"}}); err == nil {
		t.Fatalf("malicious archive must fail the install")
	}

	lock, err := ReadLockfile(repoRoot)
	if err != nil {
		t.Fatalf("read lockfile: %v", err)
	}
	if lock != nil {
		t.Fatalf("lockfile must stay absent after failed install")
	}
	demoDir := filepath.Join(repoRoot, filepath.FromSlash(PluginsRootRel), "demo")
	if _, statErr := os.Stat(demoDir); !os.IsNotExist(statErr) {
		t.Fatalf("plugin dir must not exist after failed install")
	}
}

func TestInstallTierPolicyBlocksExperimental(t *testing.T) {
	resolved := stageRegistry(t, goodArchiveEntries(), TierExperimental)
	repoRoot := t.TempDir()

	result, err := Install(resolved, InstallRequest{RepoRoot: repoRoot, Plugins: []string{"demo"}})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if result.OK || !result.Blocked || len(result.BlockedPlugins) != 1 {
		t.Fatalf("result = %+v", result)
	}
	if lock, _ := ReadLockfile(repoRoot); lock != nil {
		t.Fatalf("blocked install must not write a lockfile")
	}

	allowed, err := Install(resolved, InstallRequest{
		RepoRoot:          repoRoot,
		Plugins:           []string{"demo"},
		AllowExperimental: true,
	})
	if err != nil {
		t.Fatalf("install with opt-in: %v", err)
	}
	if !allowed.OK {
		t.Fatalf("opt-in install failed: %+v", allowed)
	}
}

func TestInstallDetectsDriftAndForceOverrides(t *testing.T) {
	resolved := stageRegistry(t, goodArchiveEntries(), TierCommunity)
	repoRoot := t.TempDir()

	if _, err := Install(resolved, InstallRequest{RepoRoot: repoRoot, Plugins: []string{"demo"}}); err != nil {
		t.Fatalf("first install: %v", err)
	}

	drifted := filepath.Join(repoRoot, filepath.FromSlash(PluginsRootRel), "demo", "plugin.toml")
	testutil.WriteFile(t, drifted, []byte("tampered"))

	blocked, err := Install(resolved, InstallRequest{RepoRoot: repoRoot, Plugins: []string{"demo"}})
	if err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	if blocked.OK || !blocked.Blocked {
		t.Fatalf("drifted reinstall must block: %+v", blocked)
	}
	if len(blocked.Preflight.ModifiedFiles) == 0 {
		t.Fatalf("preflight must list the modified file: %+v", blocked.Preflight)
	}

	forced, err := Install(resolved, InstallRequest{RepoRoot: repoRoot, Plugins: []string{"demo"}, Force: true})
	if err != nil {
		t.Fatalf("forced reinstall: %v", err)
	}
	if !forced.OK {
		t.Fatalf("forced reinstall failed: %+v", forced)
	}
	restored, err := os.ReadFile(drifted)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(restored) == "tampered" {
		t.Fatalf("forced reinstall did not replace drifted file")
	}
}

func TestUninstallRemovesOnlyOwnedFiles(t *testing.T) {
	resolved := stageRegistry(t, goodArchiveEntries(), TierCommunity)
	repoRoot := t.TempDir()

	if _, err := Install(resolved, InstallRequest{RepoRoot: repoRoot, Plugins: []string{"demo"}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	unmanaged := filepath.Join(repoRoot, filepath.FromSlash(PluginsRootRel), "handwritten", "plugin.toml")
	testutil.WriteFile(t, unmanaged, []byte("[plugin]\n"))

	result, err := Uninstall(resolved, UninstallRequest{RepoRoot: repoRoot, Plugins: []string{"demo"}})
	if err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if !result.OK || len(result.RemovedFiles) != 2 {
		t.Fatalf("result = %+v", result)
	}

	if _, statErr := os.Stat(filepath.Join(repoRoot, filepath.FromSlash(PluginsRootRel), "demo")); !os.IsNotExist(statErr) {
		t.Fatalf("owned plugin dir must be pruned")
	}
	if _, statErr := os.Stat(unmanaged); statErr != nil {
		t.Fatalf("unmanaged file must survive: %v", statErr)
	}
	if lock, _ := ReadLockfile(repoRoot); lock != nil {
		t.Fatalf("empty lockfile must be removed")
	}
}

func TestUninstallBlocksOnDriftWithoutForce(t *testing.T) {
	resolved := stageRegistry(t, goodArchiveEntries(), TierCommunity)
	repoRoot := t.TempDir()
	if _, err := Install(resolved, InstallRequest{RepoRoot: repoRoot, Plugins: []string{"demo"}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	drifted := filepath.Join(repoRoot, filepath.FromSlash(PluginsRootRel), "demo", "plugin.toml")
	testutil.WriteFile(t, drifted, []byte("tampered"))

	blocked, err := Uninstall(resolved, UninstallRequest{RepoRoot: repoRoot, Plugins: []string{"demo"}})
	if err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if blocked.OK || !blocked.Blocked {
		t.Fatalf("drifted uninstall must block: %+v", blocked)
	}
	if _, statErr := os.Stat(drifted); statErr != nil {
		t.Fatalf("blocked uninstall must not delete files")
	}

	forced, err := Uninstall(resolved, UninstallRequest{RepoRoot: repoRoot, Plugins: []string{"demo"}, Force: true})
	if err != nil {
		t.Fatalf("forced uninstall: %v", err)
	}
	if !forced.OK {
		t.Fatalf("forced uninstall failed: %+v", forced)
	}
}

func TestDoctorReportsDrift(t *testing.T) {
	resolved := stageRegistry(t, goodArchiveEntries(), TierCommunity)
	repoRoot := t.TempDir()
	if _, err := Install(resolved, InstallRequest{RepoRoot: repoRoot, Plugins: []string{"demo"}}); err != nil {
		t.Fatalf("install: %v", err)
	}

	pluginDir := filepath.Join(repoRoot, filepath.FromSlash(PluginsRootRel), "demo")
	testutil.WriteFile(t, filepath.Join(pluginDir, "plugin.toml"), []byte("tampered"))
	testutil.WriteFile(t, filepath.Join(pluginDir, "stray.txt"), []byte("unmanaged"))
	if err := os.Remove(filepath.Join(pluginDir, "tool.toml")); err != nil {
		t.Fatalf("remove managed file: %v", err)
	}

	doctor, err := Doctor(repoRoot)
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if doctor.OK {
		t.Fatalf("doctor must report drift")
	}
	if len(doctor.ModifiedFiles) != 1 || len(doctor.MissingFiles) != 1 || len(doctor.UnknownFiles) != 1 {
		t.Fatalf("doctor = %+v", doctor)
	}
}

func TestOpLockFailsFastWhenHeld(t *testing.T) {
	repoRoot := t.TempDir()
	lock, err := AcquireOpLock(repoRoot)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := AcquireOpLock(repoRoot); err == nil {
		t.Fatalf("second acquire must fail fast")
	}
	lock.Release()
	second, err := AcquireOpLock(repoRoot)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	second.Release()
}

func TestUpdateUsesLockfileSelection(t *testing.T) {
	resolved := stageRegistry(t, goodArchiveEntries(), TierCommunity)
	repoRoot := t.TempDir()
	if _, err := Install(resolved, InstallRequest{RepoRoot: repoRoot, Plugins: []string{"demo"}}); err != nil {
		t.Fatalf("install: %v", err)
	}

	result, err := Update(resolved, InstallRequest{RepoRoot: repoRoot})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !result.OK || len(result.Plugins) != 1 || result.Plugins[0] != "demo" {
		t.Fatalf("result = %+v", result)
	}
}

func TestUpdateWithoutSelectionOrLockfileFails(t *testing.T) {
	resolved := stageRegistry(t, goodArchiveEntries(), TierCommunity)
	if _, err := Update(resolved, InstallRequest{RepoRoot: t.TempDir()}); err == nil {
		t.Fatalf("update without selection or lockfile must fail")
	}
}

func TestLockfileRoundtrip(t *testing.T) {
	repoRoot := t.TempDir()
	lock := &Lockfile{
		Registry: LockfileRegistry{ManifestSHA256: "abc", ManifestVersion: "1"},
		Selection: LockfileSelection{
			Plugins: []string{"b", "a", "a"},
			Packs:   []string{"p"},
		},
		Files: []LockfileEntry{
			{Path: fmt.Sprintf("%s/a/z.toml", PluginsRootRel), SHA256: "1", PluginIDs: []string{"a"}},
			{Path: fmt.Sprintf("%s/a/a.toml", PluginsRootRel), SHA256: "2", PluginIDs: []string{"a"}},
		},
	}
	if err := WriteLockfile(repoRoot, lock); err != nil {
		t.Fatalf("write: %v", err)
	}
	read, err := ReadLockfile(repoRoot)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read.Schema != LockfileSchema {
		t.Fatalf("schema = %s", read.Schema)
	}
	if len(read.Selection.Plugins) != 2 || read.Selection.Plugins[0] != "a" {
		t.Fatalf("plugins not deduped/sorted: %v", read.Selection.Plugins)
	}
	if read.Files[0].Path >= read.Files[1].Path {
		t.Fatalf("files not sorted: %v", read.Files)
	}
}
