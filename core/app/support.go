package app

import (
	"fmt"
	"sort"
	"strings"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/jcs"
	"github.com/compasproject/compas/core/repo"
)

func emptyOutputWithError(repoRoot string, mode api.ValidateMode, apiErr api.ApiError) api.ValidateOutput {
	return api.ValidateOutput{
		OK:            false,
		Error:         &apiErr,
		SchemaVersion: api.SchemaVersion,
		RepoRoot:      repoRoot,
		Mode:          mode,
		Violations:    []api.Violation{},
		FindingsV2:    []api.FindingV2{},
		Suppressed:    []api.Violation{},
	}
}

func mapConfigError(repoRoot string, err *repo.ConfigError) api.ApiError {
	return api.ApiError{
		Code:    err.Code(),
		Message: fmt.Sprintf("%s (repo_root=%s)", err.Error(), repoRoot),
	}
}

// computeChecksHash digests the canonical serialized checks model, not the
// raw TOML, so formatting changes never count as config drift.
func computeChecksHash(cfg *repo.RepoConfig) string {
	digest, err := jcs.DigestValue(cfg.Checks)
	if err != nil {
		return "sha256:unhashable"
	}
	return "sha256:" + digest
}

func collectSuppressedCodes(violations []api.Violation) []string {
	seen := map[string]struct{}{}
	for _, v := range violations {
		seen[v.Code] = struct{}{}
	}
	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

type toolSignature struct {
	command        string
	args           string
	cwd            string
	timeoutMS      int64
	maxStdoutBytes int
	maxStderrBytes int
	envPairs       string
}

// detectToolDuplicates flags tools with identical execution signatures as
// blocking, and same command+description pairs as an observation.
func detectToolDuplicates(cfg *repo.RepoConfig) []api.Violation {
	bySignature := map[toolSignature][]string{}
	for toolID, tool := range cfg.Tools {
		envNames := make([]string, 0, len(tool.Env))
		for name := range tool.Env {
			envNames = append(envNames, name)
		}
		sort.Strings(envNames)
		envPairs := make([]string, 0, len(envNames))
		for _, name := range envNames {
			envPairs = append(envPairs, name+"="+tool.Env[name])
		}
		sig := toolSignature{
			command:        strings.ToLower(strings.TrimSpace(tool.Command)),
			args:           strings.Join(tool.Args, "\x00"),
			cwd:            tool.Cwd,
			timeoutMS:      tool.TimeoutMS,
			maxStdoutBytes: tool.MaxStdoutBytes,
			maxStderrBytes: tool.MaxStderrBytes,
			envPairs:       strings.Join(envPairs, "\x00"),
		}
		bySignature[sig] = append(bySignature[sig], toolID)
	}

	var violations []api.Violation
	exactColliders := map[string]struct{}{}
	signatures := make([]toolSignature, 0, len(bySignature))
	for sig := range bySignature {
		signatures = append(signatures, sig)
	}
	sort.Slice(signatures, func(i, j int) bool {
		return fmt.Sprint(signatures[i]) < fmt.Sprint(signatures[j])
	})
	for _, sig := range signatures {
		tools := bySignature[sig]
		if len(tools) < 2 {
			continue
		}
		sort.Strings(tools)
		for _, toolID := range tools {
			exactColliders[toolID] = struct{}{}
		}
		violations = append(violations, api.Blocking(
			"tools.duplicate_exact",
			fmt.Sprintf("exact duplicate tool signature detected for %d tools", len(tools)),
			"",
			map[string]any{"tools": tools, "command": sig.command}))
	}

	type semanticKey struct {
		command     string
		description string
	}
	semanticGroups := map[semanticKey][]string{}
	for toolID, tool := range cfg.Tools {
		if _, collided := exactColliders[toolID]; collided {
			continue
		}
		key := semanticKey{
			command:     strings.ToLower(strings.TrimSpace(tool.Command)),
			description: strings.ToLower(strings.TrimSpace(tool.Description)),
		}
		semanticGroups[key] = append(semanticGroups[key], toolID)
	}
	keys := make([]semanticKey, 0, len(semanticGroups))
	for key := range semanticGroups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].command != keys[j].command {
			return keys[i].command < keys[j].command
		}
		return keys[i].description < keys[j].description
	})
	for _, key := range keys {
		tools := semanticGroups[key]
		if len(tools) < 2 {
			continue
		}
		sort.Strings(tools)
		violations = append(violations, api.Observation(
			"tools.duplicate_semantic",
			fmt.Sprintf("semantically similar tools detected (same command+description): %d", len(tools)),
			"",
			map[string]any{"tools": tools, "command": key.command, "description": key.description}))
	}

	return violations
}
