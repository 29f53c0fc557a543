package sync

import (
	"errors"
	"fmt"
	"time"

	"erp-sync-service/internal/detect"
	"erp-sync-service/internal/model"
	"erp-sync-service/internal/store"
)

// State is the phase a direction is in.
type State string

const (
	StateIdle    State = "idle"
	StatePulling State = "pulling"
	StateMerging State = "merging"
	StatePushing State = "pushing"
	StateFailed  State = "failed"
)

// All selects a pull pass followed by a push pass.
const All = "all"

// ErrPassInProgress is returned when a pass for the same direction is running.
var ErrPassInProgress = errors.New("sync pass already in progress")

// Issue kinds.
const (
	IssueSkipped  = "skipped"
	IssueRejected = "rejected"
	IssueFailed   = "failed"
)

// Issue is one record that was not applied.
type Issue struct {
	Key    string
	Op     detect.Op
	Kind   string
	Reason string
}

// PassSummary counts what one pass did.
type PassSummary struct {
	ID          string
	Direction   model.Direction
	StartedAt   time.Time
	CompletedAt time.Time

	Fetched   int
	Created   int
	Updated   int
	Deleted   int
	Skipped   int
	Rejected  int
	Failed    int
	Conflicts int

	Issues []Issue
	Status string
	Err    error
}

func (s *PassSummary) issue(kind string, c detect.Change, reason string) {
	switch kind {
	case IssueSkipped:
		s.Skipped++
	case IssueRejected:
		s.Rejected++
	case IssueFailed:
		s.Failed++
	}
	s.Issues = append(s.Issues, Issue{Key: c.Key, Op: c.Op, Kind: kind, Reason: reason})
}

func (s *PassSummary) applied(op detect.Op) {
	switch op {
	case detect.Create:
		s.Created++
	case detect.Update:
		s.Updated++
	case detect.Delete:
		s.Deleted++
	}
}

// finish sets the final status from err and the failure count.
func (s *PassSummary) finish(now time.Time, err error) {
	s.CompletedAt = now
	s.Err = err
	switch {
	case err != nil:
		s.Status = store.StatusFailed
	case s.Failed > 0:
		s.Status = store.StatusPartial
	default:
		s.Status = store.StatusSuccess
	}
}

func (s *PassSummary) String() string {
	return fmt.Sprintf("%s %s: fetched=%d created=%d updated=%d deleted=%d skipped=%d rejected=%d failed=%d conflicts=%d",
		s.Direction, s.Status, s.Fetched, s.Created, s.Updated, s.Deleted, s.Skipped, s.Rejected, s.Failed, s.Conflicts)
}

// DirectionStatus is the externally visible state of one direction.
type DirectionStatus struct {
	State   State
	Running bool
	Last    *PassSummary
}
