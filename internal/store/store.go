// ABOUTME: Store interface and data types for job persistence and run history.
// ABOUTME: The scheduler reads jobs from here; dispatch outcomes are recorded back.

// Package store persists job definitions and their run history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jiascheduler/automate/internal/protocol"
	"github.com/jiascheduler/automate/internal/scheduler"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrJobExecuted forbids deleting a job that has recorded executions.
var ErrJobExecuted = errors.New("forbidden to delete an executed job")

// Job is the persisted form of a schedulable unit. Trigger and Action are
// stored as JSON documents.
type Job struct {
	ID          string
	Name        string
	ExecutorID  string
	JobType     string
	CreatedUser string
	Targets     []string
	Trigger     scheduler.TriggerSpec
	Action      protocol.DispatchJobParams
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExecRecord is one dispatch occurrence of one job toward one target.
type ExecRecord struct {
	ID      int64
	JobID   string
	Key     string
	Run     int
	Status  string // dispatched, unreachable, timeout, failed
	Error   string
	FiredAt time.Time
}

// Exec statuses.
const (
	ExecDispatched  = "dispatched"
	ExecUnreachable = "unreachable"
	ExecTimeout     = "timeout"
	ExecFailed      = "failed"
)

// JobFilter narrows ListJobs. Zero values mean "no constraint"; pagination
// is 1-based with a defaulted page size.
type JobFilter struct {
	CreatedUser   string
	JobType       string
	NameContains  string
	UpdatedAfter  time.Time
	UpdatedBefore time.Time
	Page          int
	PageSize      int
}

// Store is the persistence boundary consumed from the CRUD layer.
type Store interface {
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, int64, error)

	RecordExec(ctx context.Context, rec *ExecRecord) error
	ListExec(ctx context.Context, jobID string, page, pageSize int) ([]*ExecRecord, int64, error)

	Close() error
}
