package plugman

import (
	"strings"
	"testing"
)

const validManifestJSON = `{
  "schema": "compas.registry.manifest.v1",
  "version": "2026.08.0",
  "archive": {
    "name": "registry.tar.gz",
    "sha256": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
  },
  "plugins": [
    {
      "id": "go-core",
      "path_in_archive": "plugins/go-core",
      "tier": "certified",
      "maintainers": ["registry-team"]
    },
    {
      "id": "wip-scanner",
      "path_in_archive": "plugins/wip-scanner",
      "tier": "experimental",
      "maintainers": ["registry-team"]
    }
  ],
  "packs": [
    {"id": "starter", "description": "Starter pack with the Go core plugin.", "plugins": ["go-core"]}
  ]
}`

func TestParseValidManifest(t *testing.T) {
	manifest, err := ParseManifest([]byte(validManifestJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if manifest.Version != "2026.08.0" || len(manifest.Plugins) != 2 || len(manifest.Packs) != 1 {
		t.Fatalf("manifest = %+v", manifest)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	raw := strings.Replace(validManifestJSON, `"version"`, `"surprise": true, "version"`, 1)
	if _, err := ParseManifest([]byte(raw)); err == nil {
		t.Fatalf("unknown field must be rejected")
	}
}

func TestParseRejectsBadSchema(t *testing.T) {
	raw := strings.Replace(validManifestJSON, "compas.registry.manifest.v1", "compas.registry.manifest.v2", 1)
	if _, err := ParseManifest([]byte(raw)); err == nil {
		t.Fatalf("unsupported schema must be rejected")
	}
}

func TestParseRejectsBadArchiveSha(t *testing.T) {
	raw := strings.Replace(validManifestJSON, strings.Repeat("a", 64), "nothex", 1)
	if _, err := ParseManifest([]byte(raw)); err == nil {
		t.Fatalf("invalid archive sha must be rejected")
	}
}

func TestParseRejectsUnknownPackPluginRef(t *testing.T) {
	raw := strings.Replace(validManifestJSON, `"plugins": ["go-core"]`, `"plugins": ["ghost"]`, 1)
	if _, err := ParseManifest([]byte(raw)); err == nil {
		t.Fatalf("dangling pack reference must be rejected")
	}
}

func TestParseRejectsTraversalPath(t *testing.T) {
	raw := strings.Replace(validManifestJSON, "plugins/go-core", "../escape", 1)
	if _, err := ParseManifest([]byte(raw)); err == nil {
		t.Fatalf("traversal path_in_archive must be rejected")
	}
}

func TestParseRejectsInvalidPluginID(t *testing.T) {
	raw := strings.Replace(validManifestJSON, `"id": "go-core"`, `"id": "Go_Core"`, 1)
	if _, err := ParseManifest([]byte(raw)); err == nil {
		t.Fatalf("invalid plugin id must be rejected")
	}
}

func TestResolvePluginIDsExpandsPacks(t *testing.T) {
	manifest, err := ParseManifest([]byte(validManifestJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	resolved, err := manifest.ResolvePluginIDs(nil, []string{"starter"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved) != 1 || resolved[0] != "go-core" {
		t.Fatalf("resolved = %v", resolved)
	}

	if _, err := manifest.ResolvePluginIDs([]string{"ghost"}, nil); err == nil {
		t.Fatalf("unknown plugin must fail resolution")
	}
	if _, err := manifest.ResolvePluginIDs(nil, []string{"ghost-pack"}); err == nil {
		t.Fatalf("unknown pack must fail resolution")
	}
}

func TestTierBlockReason(t *testing.T) {
	experimental := RegistryPlugin{ID: "x", Tier: TierExperimental}
	deprecated := RegistryPlugin{ID: "y", Tier: TierDeprecated}
	community := RegistryPlugin{ID: "z", Tier: TierCommunity}

	if reason := TierBlockReason(experimental, false, false); reason == "" {
		t.Fatalf("experimental without opt-in must block")
	}
	if reason := TierBlockReason(experimental, true, false); reason != "" {
		t.Fatalf("experimental with opt-in blocked: %s", reason)
	}
	if reason := TierBlockReason(deprecated, false, false); reason == "" {
		t.Fatalf("deprecated without opt-in must block")
	}
	if reason := TierBlockReason(deprecated, false, true); reason != "" {
		t.Fatalf("deprecated with opt-in blocked: %s", reason)
	}
	if reason := TierBlockReason(community, false, false); reason != "" {
		t.Fatalf("community blocked: %s", reason)
	}
}
