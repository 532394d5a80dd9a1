package plugman

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/compasproject/compas/core/hashx"
)

const ManifestSchemaID = "compas.registry.manifest.v1"

// Plugin tiers governed by the community registry.
const (
	TierCommunity    = "community"
	TierCertified    = "certified"
	TierExperimental = "experimental"
	TierDeprecated   = "deprecated"
)

type RegistryManifest struct {
	Schema  string           `json:"schema"`
	Version string           `json:"version"`
	Archive RegistryArchive  `json:"archive"`
	Plugins []RegistryPlugin `json:"plugins"`
	Packs   []RegistryPack   `json:"packs"`
}

type RegistryArchive struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
}

type RegistryPlugin struct {
	ID            string         `json:"id"`
	PathInArchive string         `json:"path_in_archive"`
	Tier          string         `json:"tier"`
	Maintainers   []string       `json:"maintainers"`
	Tags          []string       `json:"tags,omitempty"`
	Description   string         `json:"description,omitempty"`
	Compat        map[string]any `json:"compat,omitempty"`
}

type RegistryPack struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Plugins     []string `json:"plugins"`
}

// manifestSchemaJSON rejects unknown fields at every level; structural rules
// the schema cannot express are re-checked in validateManifest.
const manifestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["schema", "version", "archive", "plugins", "packs"],
  "properties": {
    "schema": {"const": "compas.registry.manifest.v1"},
    "version": {"type": "string", "minLength": 1},
    "archive": {
      "type": "object",
      "additionalProperties": false,
      "required": ["name", "sha256"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
      }
    },
    "plugins": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "path_in_archive", "tier", "maintainers"],
        "properties": {
          "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]{1,63}$"},
          "path_in_archive": {"type": "string", "minLength": 1},
          "tier": {"enum": ["community", "certified", "experimental", "deprecated"]},
          "maintainers": {"type": "array", "items": {"type": "string"}},
          "tags": {"type": "array", "items": {"type": "string"}},
          "description": {"type": "string"},
          "compat": {"type": "object"}
        }
      }
    },
    "packs": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "description", "plugins"],
        "properties": {
          "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]{1,63}$"},
          "description": {"type": "string", "minLength": 8},
          "plugins": {"type": "array", "minItems": 1, "items": {"type": "string"}}
        }
      }
    }
  }
}`

var compiledManifestSchema *jsonschema.Schema

func manifestSchema() (*jsonschema.Schema, error) {
	if compiledManifestSchema != nil {
		return compiledManifestSchema, nil
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(manifestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile registry manifest schema: %w", err)
	}
	compiledManifestSchema = schema
	return schema, nil
}

// ParseManifest validates raw bytes against the v1 schema, decodes, and
// enforces the structural invariants the schema cannot express.
func ParseManifest(raw []byte) (*RegistryManifest, error) {
	schema, err := manifestSchema()
	if err != nil {
		return nil, err
	}
	result := schema.ValidateJSON(raw)
	if !result.IsValid() {
		return nil, fmt.Errorf("registry manifest schema validation failed: %v", result.Errors)
	}

	var manifest RegistryManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse registry manifest JSON: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func safeArchiveRelPath(raw string) error {
	if raw == "" || strings.HasPrefix(raw, "/") || strings.Contains(raw, `\`) {
		return fmt.Errorf("unsafe path %q", raw)
	}
	for _, component := range strings.Split(path.Clean(raw), "/") {
		if component == ".." || component == "" {
			return fmt.Errorf("unsafe path %q", raw)
		}
	}
	return nil
}

func validateManifest(manifest *RegistryManifest) error {
	if strings.ContainsAny(manifest.Archive.Name, `/\`) {
		return fmt.Errorf("invalid manifest archive.name (must be a file name): %s", manifest.Archive.Name)
	}
	if !hashx.IsSHA256Hex(manifest.Archive.SHA256) {
		return fmt.Errorf("invalid manifest archive.sha256 (expected 64 lowercase hex chars): %s", manifest.Archive.SHA256)
	}

	ids := map[string]struct{}{}
	for _, plugin := range manifest.Plugins {
		if _, dup := ids[plugin.ID]; dup {
			return fmt.Errorf("duplicate plugin id in manifest: %s", plugin.ID)
		}
		ids[plugin.ID] = struct{}{}
		if err := safeArchiveRelPath(plugin.PathInArchive); err != nil {
			return fmt.Errorf("plugin %s has unsafe path_in_archive: %w", plugin.ID, err)
		}
	}

	packIDs := map[string]struct{}{}
	for _, pack := range manifest.Packs {
		if _, dup := packIDs[pack.ID]; dup {
			return fmt.Errorf("duplicate pack id in manifest: %s", pack.ID)
		}
		packIDs[pack.ID] = struct{}{}
		for _, pluginID := range pack.Plugins {
			if _, known := ids[pluginID]; !known {
				return fmt.Errorf("pack %s references unknown plugin id: %s", pack.ID, pluginID)
			}
		}
	}
	return nil
}

func (m *RegistryManifest) pluginByID(pluginID string) *RegistryPlugin {
	for i := range m.Plugins {
		if m.Plugins[i].ID == pluginID {
			return &m.Plugins[i]
		}
	}
	return nil
}

// ResolvePluginIDs expands pack selections and validates plugin selections
// against the manifest. The result is sorted and deduplicated.
func (m *RegistryManifest) ResolvePluginIDs(pluginInputs, packInputs []string) ([]string, error) {
	packsByID := map[string][]string{}
	for _, pack := range m.Packs {
		packsByID[pack.ID] = pack.Plugins
	}

	var unknownPacks []string
	var expanded []string
	for _, packID := range packInputs {
		if plugins, known := packsByID[packID]; known {
			expanded = append(expanded, plugins...)
		} else {
			unknownPacks = append(unknownPacks, packID)
		}
	}
	if len(unknownPacks) > 0 {
		return nil, fmt.Errorf("unknown packs: %s", strings.Join(unknownPacks, ", "))
	}
	expanded = append(expanded, pluginInputs...)

	var unknownPlugins []string
	seen := map[string]struct{}{}
	var resolved []string
	for _, pluginID := range expanded {
		if m.pluginByID(pluginID) == nil {
			unknownPlugins = append(unknownPlugins, pluginID)
			continue
		}
		if _, dup := seen[pluginID]; dup {
			continue
		}
		seen[pluginID] = struct{}{}
		resolved = append(resolved, pluginID)
	}
	if len(unknownPlugins) > 0 {
		return nil, fmt.Errorf("unknown plugins: %s", strings.Join(unknownPlugins, ", "))
	}
	sort.Strings(resolved)
	return resolved, nil
}

// TierBlockReason enforces registry governance: experimental and deprecated
// plugins need explicit opt-ins.
func TierBlockReason(plugin RegistryPlugin, allowExperimental, allowDeprecated bool) string {
	switch strings.ToLower(strings.TrimSpace(plugin.Tier)) {
	case TierExperimental:
		if !allowExperimental {
			return "install is blocked: tier=experimental (add --allow-experimental to proceed)"
		}
	case TierDeprecated:
		if !allowDeprecated {
			return "install is blocked: tier=deprecated (add --allow-deprecated to proceed)"
		}
	}
	return ""
}
