// Package progress aggregates task progress and fans update events out to
// registered sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageTaskStart     Stage = "TASK_START"
	StageLinkDone      Stage = "LINK_DONE"
	StageTaskDone      Stage = "TASK_DONE"
	StageTaskError     Stage = "TASK_ERROR"
	StageTaskCancelled Stage = "TASK_CANCELLED"
)

// Event captures a single milestone in a task's progress.
type Event struct {
	// TaskID uniquely identifies the task using the 16-byte UUID form.
	TaskID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// LinkID scopes LINK_DONE events to the finished link.
	LinkID string
	// Processed/Total mirror the task counter at emit time.
	Processed int64
	Total     int64
	// Percent is processed/total*100 at emit time.
	Percent float64
	// ETASeconds is the estimated remaining runtime.
	ETASeconds int64
	// Result carries the link verdict or terminal task status.
	Result string
	// Dur captures the link check latency or total task runtime.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == [16]byte{} {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskStart, StageTaskDone, StageTaskError, StageTaskCancelled:
	case StageLinkDone:
		if e.LinkID == "" {
			return errors.New("link done requires link id")
		}
		if e.Total <= 0 {
			return errors.New("link done requires total")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Processed < 0 || e.Processed > e.Total {
		return errors.New("processed must be within [0, total]")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// TaskUUID converts the binary task ID to uuid.UUID for repositories.
func (e Event) TaskUUID() uuid.UUID {
	return uuid.UUID(e.TaskID)
}

// IDToBytes encodes a task id string into the Event form; unparseable ids
// hash to the zero value and fail validation downstream.
func IDToBytes(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	var dest [16]byte
	copy(dest[:], parsed[:])
	return dest
}
