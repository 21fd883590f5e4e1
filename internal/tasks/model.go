package tasks

import (
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of a conversion task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	// StatusExpired is never stored. It is reported for ids the sweeper removed.
	StatusExpired Status = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus accepts any case.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, true
	}
	return "", false
}

// ErrorKind classifies why a task failed.
type ErrorKind string

const (
	// KindUnsupportedFormat is only returned synchronously at submission. Seeing it on a task is a bug.
	KindUnsupportedFormat ErrorKind = "UNSUPPORTED_FORMAT"
	KindConverterFault    ErrorKind = "CONVERTER_FAULT"
	KindConverterTimeout  ErrorKind = "CONVERTER_TIMEOUT"
	KindStorageFault      ErrorKind = "STORAGE_FAULT"
	KindPackagingFault    ErrorKind = "PACKAGING_FAULT"
	KindInternalFault     ErrorKind = "INTERNAL_FAULT"
)

// ImageLocation says where the images of a result live.
type ImageLocation string

const (
	ImagesLocal  ImageLocation = "LOCAL"
	ImagesRemote ImageLocation = "REMOTE"
)

// TaskError is recorded on FAILED tasks.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Result is recorded on COMPLETED tasks.
type Result struct {
	ArchivePath   string        `json:"archive_path"`
	ArchiveURL    string        `json:"archive_url,omitempty"` // remote archive, only when uploaded
	ImageCount    int           `json:"image_count"`
	ImageLocation ImageLocation `json:"image_location"`
	Bucket        string        `json:"bucket,omitempty"`
	Prefix        string        `json:"prefix,omitempty"`
	Endpoint      string        `json:"endpoint,omitempty"`
}

// Task is one conversion request and its outcome.
type Task struct {
	ID               string     `json:"id"`
	Status           Status     `json:"status"`
	SourceFormat     string     `json:"source_format"`
	Family           string     `json:"family"`
	OriginalFilename string     `json:"original_filename"`
	InputPath        string     `json:"input_path"`
	FileHash         string     `json:"file_hash,omitempty"`
	CallbackURL      string     `json:"callback_url,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Result           *Result    `json:"result,omitempty"`
	Error            *TaskError `json:"error,omitempty"`
}

// Filter narrows ListTasks. Zero values mean no restriction.
type Filter struct {
	Status Status
	Limit  int
}

// Stats counts tasks per status plus live tombstones.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Expired    int `json:"expired"`
}

var (
	ErrNotFound          = errors.New("task not found")
	ErrExpired           = errors.New("task expired")
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Store persists tasks and enforces the state machine
//
//	PENDING -> PROCESSING -> COMPLETED | FAILED
//
// Every transition is conditional on the current status, so concurrent
// writers cannot both win. A losing writer gets ErrInvalidTransition.
type Store interface {
	CreateTask(task *Task) error
	// Claim moves a PENDING task to PROCESSING and returns the updated task.
	Claim(id string) (*Task, error)
	Complete(id string, res Result) error
	Fail(id string, terr TaskError) error
	// GetTask returns ErrExpired for removed tasks and ErrNotFound for unknown ids.
	GetTask(id string) (*Task, error)
	ListTasks(f Filter) ([]*Task, error)
	ListTerminalBefore(cutoff time.Time) ([]*Task, error)
	ListStaleProcessing(cutoff time.Time) ([]*Task, error)
	// FindCompletedByHash returns the newest COMPLETED task for an input hash.
	FindCompletedByHash(hash string) (*Task, error)
	// Expire deletes a terminal task and leaves a tombstone behind.
	Expire(id string) error
	PurgeTombstones(cutoff time.Time) (int, error)
	Stats() (Stats, error)
	Ping() error
	Close() error
}
