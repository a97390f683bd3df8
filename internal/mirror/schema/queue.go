package schema

import (
	"fmt"
	"time"
)

// QueueStatus is the state of an index queue entry.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
)

// ParseQueueStatus converts user input to a QueueStatus.
func ParseQueueStatus(s string) (QueueStatus, error) {
	switch st := QueueStatus(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown queue status %q", s)
}

// Active reports whether the status counts toward the one-active-entry-per-node rule.
func (s QueueStatus) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Terminal reports whether no further worker transition is expected.
func (s QueueStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// QueueEntry is a unit of indexing work for one file node.
type QueueEntry struct {
	ID           int64       `json:"id"`
	ProjectID    int64       `json:"project_id"`
	NodeID       int64       `json:"node_id"`
	FilePath     string      `json:"file_path"` // absolute
	Status       QueueStatus `json:"status"`
	Attempts     int         `json:"attempts"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`

	// Requeue is set when the node changed while the entry was Processing.
	// The terminal transition then enqueues a fresh Pending entry.
	Requeue bool `json:"requeue,omitempty"`
}

// QueueCounts holds per-status entry counts.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the number of entries across all statuses.
func (c QueueCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// Active returns the number of Pending plus Processing entries.
func (c QueueCounts) Active() int {
	return c.Pending + c.Processing
}
