package store

import (
	"time"
)

// QuotaModule selects which per-user storage counter an operation touches.
type QuotaModule string

const (
	QuotaCull  QuotaModule = "cull"
	QuotaShare QuotaModule = "share"
)

// DetectionStatus is the quality bucket a culled image was sorted into.
type DetectionStatus string

const (
	StatusBlur           DetectionStatus = "Blur"
	StatusClosedEye      DetectionStatus = "ClosedEye"
	StatusDuplicate      DetectionStatus = "Duplicate"
	StatusFineCollection DetectionStatus = "FineCollection"
)

// EventStatus is the publication state of a share event.
type EventStatus string

const (
	EventNotPublished EventStatus = "NotPublished"
	EventPending      EventStatus = "Pending"
	EventPublished    EventStatus = "Published"
)

// TaskState is the lifecycle state of an async task.
type TaskState string

const (
	TaskPending  TaskState = "PENDING"
	TaskStarted  TaskState = "STARTED"
	TaskProgress TaskState = "PROGRESS"
	TaskSuccess  TaskState = "SUCCESS"
	TaskFailure  TaskState = "FAILURE"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure
}

type User struct {
	ID         string
	Email      string
	CullBytes  int64
	ShareBytes int64
	CreatedAt  time.Time
}

type CullWorkspace struct {
	ID                string
	UserID            string
	Name              string
	Prefix            string
	TotalSize         int64
	CullingInProgress bool
	CullingDone       bool
	TaskIDs           []string
	CreatedAt         time.Time
}

type ShareEvent struct {
	ID          string
	UserID      string
	Name        string
	Description string
	CoverURL    string
	Prefix      string
	TotalSize   int64
	Status      EventStatus
	CreatedAt   time.Time
}

type PreCullImage struct {
	ID            string
	WorkspaceID   string
	OriginalName  string
	MediaType     string
	DownloadURL   string
	URLValidUntil time.Time
	CreatedAt     time.Time
}

type CulledImage struct {
	ID              string
	WorkspaceID     string
	OriginalName    string
	MediaType       string
	DetectionStatus DetectionStatus
	DownloadURL     string
	URLValidUntil   time.Time
	UploadedAt      time.Time
}

type ShareImage struct {
	ID            string
	EventID       string
	OriginalName  string
	MediaType     string
	DownloadURL   string
	URLValidUntil time.Time
	CreatedAt     time.Time
}

// Task is the persisted state of one pipeline stage.
type Task struct {
	ID        string
	Queue     string
	State     TaskState
	Progress  int
	Info      string
	Result    []byte // raw JSON payload produced by the stage
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
