package export

import (
	"context"
	"sync"

	"github.com/linksentry/linksentry/internal/linkcheck"
)

// MemoryExporter records exports in memory; tests and development use it in
// place of a blob-backed exporter.
type MemoryExporter struct {
	mu      sync.Mutex
	exports map[string][]linkcheck.Link
}

// NewMemoryExporter constructs a MemoryExporter.
func NewMemoryExporter() *MemoryExporter {
	return &MemoryExporter{exports: make(map[string][]linkcheck.Link)}
}

// Export implements linkcheck.Exporter.
func (e *MemoryExporter) Export(_ context.Context, task linkcheck.Task, links []linkcheck.Link) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exports[task.ID] = append([]linkcheck.Link(nil), links...)
	return nil
}

// Exported returns the recorded link set for a task.
func (e *MemoryExporter) Exported(taskID string) ([]linkcheck.Link, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	links, ok := e.exports[taskID]
	if !ok {
		return nil, false
	}
	return append([]linkcheck.Link(nil), links...), true
}
