package repo

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pelletier/go-toml/v2"

	"github.com/compasproject/compas/core/config"
)

type importedToolFile struct {
	Tool config.ProjectTool `toml:"tool"`
}

// loadImportedTools resolves one tool_import_globs pattern against the repo
// root and parses each matched tool.toml. Matches are processed in sorted
// order so repeated loads are deterministic.
func loadImportedTools(repoRoot, pluginID, pattern string) ([]config.ProjectTool, *ConfigError) {
	cleaned := strings.TrimSpace(pattern)
	if cleaned == "" || strings.HasPrefix(cleaned, "/") || strings.Contains(cleaned, "..") {
		return nil, configErr(CodeImportGlobInvalid, "plugin %s has invalid tool import glob %q", pluginID, pattern)
	}
	if !doublestar.ValidatePattern(cleaned) {
		return nil, configErr(CodeImportGlobInvalid, "plugin %s has invalid tool import glob %q", pluginID, pattern)
	}

	matches, err := doublestar.Glob(os.DirFS(repoRoot), cleaned)
	if err != nil {
		return nil, configErrCause(CodeImportGlobInvalid, err, "plugin %s failed to resolve tool import glob %q", pluginID, pattern)
	}
	sort.Strings(matches)

	tools := make([]config.ProjectTool, 0, len(matches))
	for _, rel := range matches {
		fullPath := filepath.Join(repoRoot, filepath.FromSlash(rel))
		// #nosec G304 -- import paths are glob matches under the repo root.
		raw, readErr := os.ReadFile(fullPath)
		if readErr != nil {
			return nil, configErrCause(CodeImportReadFailed, readErr, "plugin %s failed to read imported tool %s", pluginID, rel)
		}
		var imported importedToolFile
		if parseErr := decodeStrictTOML(raw, &imported); parseErr != nil {
			return nil, configErrCause(CodeImportParseFailed, parseErr, "plugin %s failed to parse imported tool %s", pluginID, rel)
		}
		tools = append(tools, imported.Tool)
	}
	return tools, nil
}

// decodeStrictTOML decodes TOML rejecting unknown fields everywhere.
func decodeStrictTOML(raw []byte, target any) error {
	decoder := toml.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
