package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sitelinehq/siteline/internal/types"
)

// DirWorkspaces keeps one directory per project under a configured
// root.
type DirWorkspaces struct {
	root string
}

// NewDirWorkspaces creates a DirWorkspaces rooted at root.
func NewDirWorkspaces(root string) *DirWorkspaces {
	return &DirWorkspaces{root: root}
}

// Ensure creates the project's workspace directory if needed.
func (w *DirWorkspaces) Ensure(projectID string) (string, bool, error) {
	dir := filepath.Join(w.root, projectID)

	if _, err := os.Stat(dir); err == nil {
		return dir, false, nil
	} else if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("stat workspace: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, fmt.Errorf("create workspace: %w", err)
	}
	return dir, true, nil
}

// BasicScaffolder seeds a new workspace with the project brief and the
// per-stage deliverable directories.
type BasicScaffolder struct{}

// Scaffold writes PROJECT.md and creates the deliverables layout.
func (BasicScaffolder) Scaffold(_ context.Context, dir string, project *types.Project) error {
	for _, stage := range types.AllStages() {
		if !stage.AgentDriven() {
			continue
		}
		if err := os.MkdirAll(filepath.Join(dir, StageDirHint(stage)), 0755); err != nil {
			return fmt.Errorf("create stage dir: %w", err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", project.Label)
	fmt.Fprintf(&b, "External ID: %s\n", project.ExternalID)
	if project.Metadata.CompanyName != "" {
		fmt.Fprintf(&b, "Company: %s\n", project.Metadata.CompanyName)
	}
	if project.Metadata.Industry != "" {
		fmt.Fprintf(&b, "Industry: %s\n", project.Metadata.Industry)
	}
	if project.Metadata.Requirements != "" {
		fmt.Fprintf(&b, "\n## Requirements\n\n%s\n", project.Metadata.Requirements)
	}

	if err := os.WriteFile(filepath.Join(dir, "PROJECT.md"), []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write project brief: %w", err)
	}
	return nil
}
