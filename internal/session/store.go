package session

import (
	"context"

	"github.com/mind-engage/examprep/internal/eventlog"
)

type ListOpts struct {
	Status Status // optional filter
	Limit  int
	Offset int
}

// Store is the durable side of a session. It is the source of truth for
// existence, ownership and status.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// FindActive returns the in-progress session of userID for criteriaKey.
	FindActive(ctx context.Context, userID, criteriaKey string) (Session, bool, error)
	// SavePosition writes the cursor and version only.
	SavePosition(ctx context.Context, id string, c Cursor, version int64) error
	// ReserveVersion moves the durable version forward to version. It never
	// moves it back.
	ReserveVersion(ctx context.Context, id string, version int64) error
	// Checkpoint writes the cursor, the draft answers and the version.
	Checkpoint(ctx context.Context, id string, c Cursor, draft []*string, version int64) error
	// Finalize freezes s and upserts answers in one transaction. It fails
	// with apperr.ErrAlreadyCompleted if s is no longer in progress.
	Finalize(ctx context.Context, s Session, answers []AnswerRow, ev eventlog.Event) error
	Answers(ctx context.Context, sessionID string) ([]AnswerRow, error)
	// Delete removes an in-progress session.
	Delete(ctx context.Context, id string, ev eventlog.Event) error
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Session, error)
}
