package app

import (
	"os"
	"strings"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/catalog"
	"github.com/compasproject/compas/core/initplan"
	"github.com/compasproject/compas/core/mcp"
)

// The app core is the implementation the MCP transport binds to.
var _ mcp.Core = Core{}

// Env vars consumed by the core (not by tools).
const (
	EnvRepoRoot     = "AI_DX_REPO_ROOT"
	EnvWriteWitness = "AI_DX_WRITE_WITNESS"
)

// ResolveRepoRoot applies the explicit request value, then the environment
// default, then the current directory.
func ResolveRepoRoot(explicit string) string {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		return trimmed
	}
	if fromEnv := strings.TrimSpace(os.Getenv(EnvRepoRoot)); fromEnv != "" {
		return fromEnv
	}
	return "."
}

// DefaultWriteWitness reads the environment default for gate write_witness.
func DefaultWriteWitness() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(EnvWriteWitness)))
	return value == "1" || value == "true"
}

// Core adapts the app pipeline to the transport-facing interface.
type Core struct{}

func (Core) Validate(req api.ValidateRequest) api.ValidateOutput {
	return Validate(ResolveRepoRoot(req.RepoRoot), req.Mode, req.WriteBaseline, req.BaselineMaintenance)
}

func (Core) Gate(req api.GateRequest) api.GateOutput {
	return Gate(ResolveRepoRoot(req.RepoRoot), req.Kind, req.DryRun, req.WriteWitness)
}

func (Core) Init(req api.InitRequest) api.InitOutput {
	return initplan.Init(ResolveRepoRoot(req.RepoRoot), req)
}

func (Core) Catalog(req api.CatalogRequest) api.CatalogOutput {
	return catalog.Catalog(ResolveRepoRoot(req.RepoRoot), req)
}

func (Core) Exec(req api.ExecRequest) api.ExecOutput {
	return catalog.Exec(ResolveRepoRoot(req.RepoRoot), req)
}
