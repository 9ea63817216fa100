// Package export writes final task reports to blob storage.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/linksentry/linksentry/internal/linkcheck"
)

// Report is the durable JSON artifact written once per finished task.
type Report struct {
	TaskID      string           `json:"task_id"`
	ProjectID   string           `json:"project_id"`
	OwnerID     string           `json:"owner_id"`
	Status      string           `json:"status"`
	TotalLinks  int64            `json:"total_links"`
	GeneratedAt time.Time        `json:"generated_at"`
	Links       []linkcheck.Link `json:"links"`
}

// BlobConfig controls report layout.
type BlobConfig struct {
	// Prefix is the object key prefix, default "reports".
	Prefix string
	// ContentType is the stored content type, default application/json.
	ContentType string
}

// BlobExporter renders the final link set as JSON and names the object by
// payload digest, so repeated exports never clobber an earlier report.
type BlobExporter struct {
	blobs  linkcheck.BlobStore
	hasher linkcheck.Hasher
	clock  linkcheck.Clock
	cfg    BlobConfig
	logger *zap.Logger
}

// NewBlobExporter constructs a BlobExporter.
func NewBlobExporter(blobs linkcheck.BlobStore, hasher linkcheck.Hasher, clock linkcheck.Clock, cfg BlobConfig, logger *zap.Logger) *BlobExporter {
	if cfg.Prefix == "" {
		cfg.Prefix = "reports"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobExporter{blobs: blobs, hasher: hasher, clock: clock, cfg: cfg, logger: logger}
}

// Export implements linkcheck.Exporter.
func (e *BlobExporter) Export(ctx context.Context, task linkcheck.Task, links []linkcheck.Link) error {
	report := Report{
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
		OwnerID:     task.OwnerID,
		Status:      string(task.Status),
		TotalLinks:  task.TotalLinks,
		GeneratedAt: e.clock.Now().UTC(),
		Links:       links,
	}
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	digest, err := e.hasher.Hash(payload)
	if err != nil {
		return fmt.Errorf("hash report: %w", err)
	}
	path := e.objectPath(task.ID, digest)
	uri, err := e.blobs.PutObject(ctx, path, e.cfg.ContentType, payload)
	if err != nil {
		return fmt.Errorf("store report: %w", err)
	}
	e.logger.Info("task report exported",
		zap.String("task_id", task.ID),
		zap.String("uri", uri),
		zap.Int("links", len(links)))
	return nil
}

func (e *BlobExporter) objectPath(taskID, digest string) string {
	prefix := strings.Trim(e.cfg.Prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", taskID, digest)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, taskID, digest)
}
