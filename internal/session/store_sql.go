package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mind-engage/examprep/internal/apperr"
	"github.com/mind-engage/examprep/internal/db"
	"github.com/mind-engage/examprep/internal/eventlog"
)

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(h *sql.DB) *SQLStore {
	return &SQLStore{db: h}
}

const sessionCols = `id,user_id,criteria_key,criteria_json,question_ids_json,subjects_json,draft_answers_json,
	cursor_subject,cursor_index,total_questions,answered_count,correct_count,score_percentage,status,
	started_at,completed_at,time_limit_sec,time_spent_seconds,version`

func (s *SQLStore) Create(ctx context.Context, sess Session) error {
	cj, err := json.Marshal(sess.Criteria)
	if err != nil {
		return err
	}
	qj, err := json.Marshal(sess.QuestionIDs)
	if err != nil {
		return err
	}
	sj, err := json.Marshal(sess.Subjects)
	if err != nil {
		return err
	}
	dj, err := json.Marshal(draftOf(sess.Draft, len(sess.QuestionIDs)))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO quiz_sessions
		(id,user_id,criteria_key,criteria_json,question_ids_json,subjects_json,draft_answers_json,
		 cursor_subject,cursor_index,total_questions,answered_count,status,started_at,time_limit_sec,version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		sess.ID, sess.UserID, sess.CriteriaKey, string(cj), string(qj), string(sj), string(dj),
		sess.Cursor.Subject, sess.Cursor.Index, sess.TotalQuestions, sess.AnsweredCount,
		string(sess.Status), sess.StartedAt, sess.TimeLimitSec, sess.Version)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(rs rowScanner) (Session, error) {
	var (
		sess                   Session
		cj, qj, sj, dj, status string
		completed              sql.NullInt64
	)
	if err := rs.Scan(&sess.ID, &sess.UserID, &sess.CriteriaKey, &cj, &qj, &sj, &dj,
		&sess.Cursor.Subject, &sess.Cursor.Index, &sess.TotalQuestions, &sess.AnsweredCount,
		&sess.CorrectCount, &sess.ScorePercentage, &status, &sess.StartedAt, &completed,
		&sess.TimeLimitSec, &sess.TimeSpentSeconds, &sess.Version); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	if completed.Valid {
		v := completed.Int64
		sess.CompletedAt = &v
	}
	if err := json.Unmarshal([]byte(cj), &sess.Criteria); err != nil {
		return Session{}, fmt.Errorf("decode criteria: %w", err)
	}
	if err := json.Unmarshal([]byte(qj), &sess.QuestionIDs); err != nil {
		return Session{}, fmt.Errorf("decode question ids: %w", err)
	}
	if err := json.Unmarshal([]byte(sj), &sess.Subjects); err != nil {
		return Session{}, fmt.Errorf("decode subjects: %w", err)
	}
	if err := json.Unmarshal([]byte(dj), &sess.Draft); err != nil {
		return Session{}, fmt.Errorf("decode draft answers: %w", err)
	}
	sess.Draft = draftOf(sess.Draft, len(sess.QuestionIDs))
	return sess, nil
}

// draftOf returns d resized to n slots.
func draftOf(d []*string, n int) []*string {
	out := make([]*string, n)
	copy(out, d)
	return out
}

func (s *SQLStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM quiz_sessions WHERE id=$1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: session %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLStore) FindActive(ctx context.Context, userID, criteriaKey string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM quiz_sessions
		WHERE user_id=$1 AND criteria_key=$2 AND status=$3
		ORDER BY started_at DESC LIMIT 1`, userID, criteriaKey, string(StatusInProgress))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("find active session: %w", err)
	}
	return sess, true, nil
}

func (s *SQLStore) SavePosition(ctx context.Context, id string, c Cursor, version int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE quiz_sessions
		SET cursor_subject=$1, cursor_index=$2, version=$3
		WHERE id=$4 AND status=$5`,
		c.Subject, c.Index, version, id, string(StatusInProgress))
	if err != nil {
		return fmt.Errorf("save position %s: %w", id, err)
	}
	return expectOne(res, apperr.ErrSessionClosed)
}

func (s *SQLStore) ReserveVersion(ctx context.Context, id string, version int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE quiz_sessions SET version=$1
		WHERE id=$2 AND status=$3 AND version<$4`,
		version, id, string(StatusInProgress), version)
	if err != nil {
		return fmt.Errorf("reserve version %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Checkpoint(ctx context.Context, id string, c Cursor, draft []*string, version int64) error {
	dj, err := json.Marshal(draft)
	if err != nil {
		return err
	}
	answered := 0
	for _, a := range draft {
		if a != nil {
			answered++
		}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE quiz_sessions
		SET cursor_subject=$1, cursor_index=$2, draft_answers_json=$3, answered_count=$4, version=$5
		WHERE id=$6 AND status=$7`,
		c.Subject, c.Index, string(dj), answered, version, id, string(StatusInProgress))
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", id, err)
	}
	return expectOne(res, apperr.ErrSessionClosed)
}

func expectOne(res sql.Result, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return otherwise
	}
	return nil
}

func (s *SQLStore) Finalize(ctx context.Context, sess Session, answers []AnswerRow, ev eventlog.Event) error {
	if sess.CompletedAt == nil {
		return errors.New("finalize: completed_at is required")
	}
	dj, err := json.Marshal(draftOf(sess.Draft, len(sess.QuestionIDs)))
	if err != nil {
		return err
	}
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE quiz_sessions
			SET status=$1, answered_count=$2, correct_count=$3, score_percentage=$4,
			    completed_at=$5, time_spent_seconds=$6, draft_answers_json=$7,
			    cursor_subject=$8, cursor_index=$9, version=$10
			WHERE id=$11 AND status=$12`,
			string(sess.Status), sess.AnsweredCount, sess.CorrectCount, sess.ScorePercentage,
			*sess.CompletedAt, sess.TimeSpentSeconds, string(dj),
			sess.Cursor.Subject, sess.Cursor.Index, sess.Version, sess.ID, string(StatusInProgress))
		if err != nil {
			return fmt.Errorf("finalize %s: %w", sess.ID, err)
		}
		if err := expectOne(res, apperr.ErrAlreadyCompleted); err != nil {
			return err
		}
		for _, a := range answers {
			if _, err := tx.ExecContext(ctx, `INSERT INTO user_answers (session_id,question_id,option_id,is_correct,answered_at)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (session_id,question_id) DO UPDATE SET
				  option_id=EXCLUDED.option_id, is_correct=EXCLUDED.is_correct, answered_at=EXCLUDED.answered_at`,
				sess.ID, a.QuestionID, a.OptionID, a.IsCorrect, a.AnsweredAt); err != nil {
				return fmt.Errorf("upsert answer %s/%s: %w", sess.ID, a.QuestionID, err)
			}
		}
		return eventlog.Append(ctx, tx, ev)
	})
}

func (s *SQLStore) Answers(ctx context.Context, sessionID string) ([]AnswerRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id,question_id,option_id,is_correct,answered_at
		FROM user_answers WHERE session_id=$1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list answers %s: %w", sessionID, err)
	}
	defer rows.Close()
	var out []AnswerRow
	for rows.Next() {
		var a AnswerRow
		var opt sql.NullString
		if err := rows.Scan(&a.SessionID, &a.QuestionID, &opt, &a.IsCorrect, &a.AnsweredAt); err != nil {
			return nil, err
		}
		if opt.Valid {
			v := opt.String
			a.OptionID = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, id string, ev eventlog.Event) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM quiz_sessions WHERE id=$1 AND status=$2`,
			id, string(StatusInProgress))
		if err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
		if err := expectOne(res, apperr.ErrSessionClosed); err != nil {
			return err
		}
		return eventlog.Append(ctx, tx, ev)
	})
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Session, error) {
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	q := `SELECT ` + sessionCols + ` FROM quiz_sessions WHERE user_id=$1`
	args := []any{userID}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		q += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	args = append(args, opts.Limit, opts.Offset)
	q += fmt.Sprintf(` ORDER BY started_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
