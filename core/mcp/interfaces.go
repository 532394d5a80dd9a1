// Package mcp declares the contract between the compas core and the MCP
// transport glue. The transport itself lives outside this module; it exposes
// five tools that forward request structs to the core and return the core's
// outputs verbatim.
package mcp

import "github.com/compasproject/compas/core/api"

// Tool names exposed over the MCP transport.
const (
	ToolValidate = "compas.validate"
	ToolGate     = "compas.gate"
	ToolInit     = "compas.init"
	ToolCatalog  = "compas.catalog"
	ToolExec     = "compas.exec"
)

// Core is the surface the transport binds each tool to.
type Core interface {
	Validate(req api.ValidateRequest) api.ValidateOutput
	Gate(req api.GateRequest) api.GateOutput
	Init(req api.InitRequest) api.InitOutput
	Catalog(req api.CatalogRequest) api.CatalogOutput
	Exec(req api.ExecRequest) api.ExecOutput
}
