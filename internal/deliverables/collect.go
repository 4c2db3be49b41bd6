// Package deliverables collects stage output files from a project
// workspace and publishes them to S3-compatible storage. When S3 is not
// configured (empty endpoint), the NoopPublisher is used and artifacts
// are referenced by local path only.
package deliverables

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sitelinehq/siteline/internal/types"
)

// Item is one artifact file found in a workspace.
type Item struct {
	Name string
	Path string
	Mime string
	Size int64
}

// Collector scans project workspaces for stage deliverables.
type Collector struct {
	maxSize int64
}

// NewCollector creates a Collector. maxSizeMB caps individual file
// size; zero means no cap.
func NewCollector(maxSizeMB int) *Collector {
	return &Collector{maxSize: int64(maxSizeMB) * 1024 * 1024}
}

// StageDir returns the workspace-relative directory a stage writes its
// deliverables to. Convention: deliverables/NN_stage, NN the zero-padded
// pipeline position.
func StageDir(stage types.Stage) string {
	return filepath.Join("deliverables", fmt.Sprintf("%02d_%s", stage.Position(), stage))
}

// Scan returns the stage's deliverable files in name order. A missing
// stage directory yields an empty result. Files over the size cap are
// skipped.
func (c *Collector) Scan(workspaceDir string, stage types.Stage) ([]Item, error) {
	dir := filepath.Join(workspaceDir, StageDir(stage))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read deliverables dir: %w", err)
	}

	var items []Item
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		if c.maxSize > 0 && info.Size() > c.maxSize {
			continue
		}

		mimeType := mime.TypeByExtension(filepath.Ext(entry.Name()))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		items = append(items, Item{
			Name: entry.Name(),
			Path: filepath.Join(dir, entry.Name()),
			Mime: mimeType,
			Size: info.Size(),
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}
