package workdir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hiveplane/hiveplane/internal/scope"
)

// Ensure resolves and creates the auxiliary directory for one agent:
// <base>/<project>/<session>/<sweep>/<run>/<agent-id>, with "_" for
// unset scope segments. The contents are the agent's own business; the
// core never interprets them.
func Ensure(base string, sc scope.Scope, agentID string) (string, error) {
	dir := filepath.Join(base, filepath.FromSlash(sc.Path()), agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workdir %s: %w", dir, err)
	}
	return dir, nil
}
