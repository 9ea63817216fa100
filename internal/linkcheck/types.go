// Package linkcheck defines core types shared across subsystems.
package linkcheck

import (
	"time"
)

// TaskStatus represents the lifecycle state of an analysis task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// SourceKind identifies where the task's link list came from.
type SourceKind string

// Supported task sources.
const (
	SourceManual   SourceKind = "manual"
	SourceImported SourceKind = "imported"
)

// LinkStatus represents the check state of a single link.
type LinkStatus string

// Link status values persisted in the link store.
const (
	LinkStatusPending  LinkStatus = "pending"
	LinkStatusChecking LinkStatus = "checking"
	LinkStatusActive   LinkStatus = "active"
	LinkStatusBroken   LinkStatus = "broken"
	LinkStatusTimeout  LinkStatus = "timeout"
	LinkStatusSSLError LinkStatus = "ssl-error"
)

// Indexability is the tri-state answer to "may this page be indexed".
type Indexability string

// Indexability values.
const (
	IndexUnknown Indexability = "unknown"
	IndexYes     Indexability = "true"
	IndexNo      Indexability = "false"
)

// Relation is the rel attribute classification of the located target link.
type Relation string

// Relation values. RelationNotFound means no target-domain link was located.
const (
	RelationDofollow Relation = "dofollow"
	RelationNofollow Relation = "nofollow"
	RelationUnknown  Relation = "unknown"
	RelationNotFound Relation = "not found"
)

// Verdict is the overall OK/Problem classification for a link.
type Verdict string

// Verdict values.
const (
	VerdictOK      Verdict = "OK"
	VerdictProblem Verdict = "Problem"
)

// Task represents one requested analysis run over a set of links.
type Task struct {
	ID                 string     `json:"id"`
	ProjectID          string     `json:"project_id"`
	OwnerID            string     `json:"owner_id"`
	Source             SourceKind `json:"source"`
	Status             TaskStatus `json:"status"`
	TotalLinks         int64      `json:"total_links"`
	ProcessedLinks     int64      `json:"processed_links"`
	ProgressPercent    float64    `json:"progress_percent"`
	EstimatedRemaining int64      `json:"estimated_seconds_remaining"`
	ErrorText          string     `json:"error_text,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Link represents one URL under test.
type Link struct {
	ID            string       `json:"id"`
	TaskID        string       `json:"task_id"`
	URL           string       `json:"url"`
	TargetDomains []string     `json:"target_domains"`
	RowIndex      int          `json:"row_index,omitempty"`
	Status        LinkStatus   `json:"status"`
	HTTPStatus    int          `json:"http_status"`
	Indexable     Indexability `json:"is_indexable"`
	IndexReason   string       `json:"indexability_reason,omitempty"`
	Relation      Relation     `json:"relation"`
	AnchorText    string       `json:"anchor_text,omitempty"`
	CanonicalURL  string       `json:"canonical_url,omitempty"`
	FinalURL      string       `json:"final_url,omitempty"`
	Verdict       Verdict      `json:"overall_verdict"`
	LoadTimeMs    int64        `json:"load_time_ms"`
	AttemptCount  int          `json:"attempt_count"`
	LastCheckedAt *time.Time   `json:"last_checked_at,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
}

// Job is the queued unit of work. It carries identifiers only; all mutable
// progress lives on the Link and Task records so job state never drifts.
type Job struct {
	LinkID    string `json:"link_id"`
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	OwnerID   string `json:"owner_id"`
}

// Progress is the task read model exposed to the orchestrating layer.
type Progress struct {
	TaskID                 string     `json:"task_id"`
	Progress               float64    `json:"progress"`
	ProcessedLinks         int64      `json:"processed_links"`
	TotalLinks             int64      `json:"total_links"`
	EstimatedTimeRemaining int64      `json:"estimated_time_remaining"`
	Status                 TaskStatus `json:"status"`
}

// LinkSource is one row supplied by the external importer collaborator.
type LinkSource struct {
	URL           string   `json:"url"`
	TargetDomains []string `json:"target_domains"`
	RowIndex      int      `json:"row_index,omitempty"`
}

// ScheduleRequest asks the external recurring scheduler for the next run.
type ScheduleRequest struct {
	TaskSourceID string    `json:"task_source_id"`
	NextRunAt    time.Time `json:"next_run_at"`
}
