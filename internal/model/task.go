package model

import "time"

// TaskStatus is the lifecycle state of a batch download task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskRunning    TaskStatus = "RUNNING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskPartial    TaskStatus = "PARTIAL"
	TaskCancelling TaskStatus = "CANCELLING"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskPartial, TaskCancelled:
		return true
	}
	return false
}

// ItemStatus is the per-report progress within a batch.
type ItemStatus string

const (
	ItemPending    ItemStatus = "PENDING"
	ItemDownloaded ItemStatus = "DOWNLOADED"
	ItemParsed     ItemStatus = "PARSED"
	ItemPersisted  ItemStatus = "PERSISTED"
	ItemFailed     ItemStatus = "FAILED"
	ItemCancelled  ItemStatus = "CANCELLED"
)

// ItemError carries the error kind and message for a failed item.
type ItemError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ItemOutcome tracks one report's journey through download, parse, persist.
type ItemOutcome struct {
	Status       ItemStatus `json:"status"`
	FilePath     string     `json:"file_path,omitempty"`
	FundReportID int64      `json:"fund_report_id,omitempty"`
	Error        *ItemError `json:"error,omitempty"`
}

// Progress holds the aggregate counters of a task. Counters are always
// recomputed from the per-item map, never incremented in place.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	Percent   float64 `json:"percent"`
}

// DownloadTask is the durable record of one batch ingest request.
type DownloadTask struct {
	TaskID        string                 `json:"task_id"`
	Status        TaskStatus             `json:"status"`
	SaveDir       string                 `json:"save_dir"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	RequestedRefs []ReportRef            `json:"requested_refs"`
	PerItem       map[string]ItemOutcome `json:"per_item"`
	Progress      Progress               `json:"progress"`
}

// ComputeProgress rebuilds the progress counters from PerItem.
func (t *DownloadTask) ComputeProgress() {
	p := Progress{Total: len(t.RequestedRefs)}
	for _, o := range t.PerItem {
		switch o.Status {
		case ItemPersisted:
			p.Completed++
		case ItemFailed:
			p.Failed++
		case ItemCancelled:
			p.Cancelled++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed+p.Failed+p.Cancelled) / float64(p.Total) * 100
	}
	t.Progress = p
}
