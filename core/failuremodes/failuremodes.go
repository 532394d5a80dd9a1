package failuremodes

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const RelPath = ".agents/mcp/compas/failure_modes.toml"

var defaultCatalog = []string{
	"policy_theater",
	"unplugged_iron",
	"fail_open",
	"env_sprawl",
	"public_surface_bloat",
	"god_module_cycles",
	"resilience_defaults",
	"security_baseline",
	"dependency_hygiene",
	"knowledge_continuity",
}

var modeIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,63}$`)

type catalogFile struct {
	Catalog []string `toml:"catalog"`
}

// Error carries the offending path so the caller can attach it to a violation.
type Error struct {
	Path    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (path=%s)", e.Message, e.Path)
}

func DefaultCatalog() []string {
	return append([]string(nil), defaultCatalog...)
}

// Load reads the repo's failure-mode catalog, falling back to the default
// catalog when the file does not exist. An invalid file fails closed.
func Load(repoRoot string) ([]string, *Error) {
	path := filepath.Join(repoRoot, filepath.FromSlash(RelPath))
	raw, err := os.ReadFile(path) // #nosec G304 -- path is fixed relative to the repo root.
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultCatalog(), nil
		}
		return nil, &Error{Path: RelPath, Message: "failed to read failure mode catalog: " + err.Error()}
	}

	var parsed catalogFile
	decoder := toml.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if decodeErr := decoder.Decode(&parsed); decodeErr != nil {
		return nil, &Error{Path: RelPath, Message: "invalid failure mode catalog TOML: " + decodeErr.Error()}
	}

	if len(parsed.Catalog) == 0 {
		return nil, &Error{Path: RelPath, Message: "failure mode catalog must not be empty"}
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(parsed.Catalog))
	for _, raw := range parsed.Catalog {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, &Error{Path: RelPath, Message: "failure mode catalog contains empty id"}
		}
		if !modeIDRe.MatchString(id) {
			return nil, &Error{Path: RelPath, Message: fmt.Sprintf("invalid failure mode id %q", id)}
		}
		if _, dup := seen[id]; dup {
			return nil, &Error{Path: RelPath, Message: fmt.Sprintf("duplicate failure mode id %q", id)}
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
