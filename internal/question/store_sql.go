package question

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/examprep/internal/apperr"
	"github.com/mind-engage/examprep/internal/db"
	"github.com/mind-engage/examprep/internal/eventlog"
)

type SQLRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSQLRepository(h *sql.DB, log *slog.Logger) *SQLRepository {
	if log == nil {
		log = slog.Default()
	}
	return &SQLRepository{db: h, log: log}
}

const questionCols = `id,subject_id,topic_id,exam_type_id,year,text,image_key,explanation,difficulty,status,is_active,mock_only,mock_group_id,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(rs rowScanner) (Question, error) {
	var q Question
	var status string
	err := rs.Scan(&q.ID, &q.SubjectID, &q.TopicID, &q.ExamTypeID, &q.Year, &q.Text, &q.ImageKey,
		&q.Explanation, &q.Difficulty, &status, &q.Active, &q.MockOnly, &q.MockGroupID, &q.CreatedAt)
	q.Status = Status(status)
	return q, err
}

func (r *SQLRepository) FindEligible(ctx context.Context, f Filter) ([]Question, error) {
	where := []string{"status=$1", "is_active=$2"}
	args := []any{string(StatusApproved), true}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.SubjectID != "" {
		add("subject_id=$%d", f.SubjectID)
	}
	if f.TopicID != "" {
		add("topic_id=$%d", f.TopicID)
	}
	if f.ExamTypeID != "" {
		add("exam_type_id=$%d", f.ExamTypeID)
	}
	if f.Year != 0 {
		add("year=$%d", f.Year)
	}
	if f.MockOnly != nil {
		add("mock_only=$%d", *f.MockOnly)
	}
	if f.MockGroupID != "" {
		add("mock_group_id=$%d", f.MockGroupID)
	}

	q := `SELECT ` + questionCols + ` FROM questions WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq`
	out, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find eligible questions: %w", err)
	}
	if err := r.loadOptions(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLRepository) FindByIDs(ctx context.Context, ids []string) ([]Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	found, err := r.query(ctx,
		`SELECT `+questionCols+` FROM questions WHERE id IN (`+db.Placeholders(1, len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("find questions by id: %w", err)
	}
	if err := r.loadOptions(ctx, found); err != nil {
		return nil, err
	}

	byID := make(map[string]Question, len(found))
	for _, q := range found {
		byID[q.ID] = q
	}
	out := make([]Question, 0, len(ids))
	for _, id := range ids {
		if q, ok := byID[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (r *SQLRepository) query(ctx context.Context, q string, args ...any) ([]Question, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Question
	for rows.Next() {
		qq, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qq)
	}
	return out, rows.Err()
}

func (r *SQLRepository) loadOptions(ctx context.Context, qs []Question) error {
	if len(qs) == 0 {
		return nil
	}
	idx := make(map[string]int, len(qs))
	args := make([]any, len(qs))
	for i, q := range qs {
		idx[q.ID] = i
		args[i] = q.ID
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id,question_id,label,is_correct,position FROM options
		 WHERE question_id IN (`+db.Placeholders(1, len(qs))+`) ORDER BY question_id, position, id`, args...)
	if err != nil {
		return fmt.Errorf("load options: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o Option
		if err := rows.Scan(&o.ID, &o.QuestionID, &o.Label, &o.IsCorrect, &o.Position); err != nil {
			return err
		}
		i := idx[o.QuestionID]
		qs[i].Options = append(qs[i].Options, o)
	}
	return rows.Err()
}

// Put inserts or updates q and replaces its options. Ids are assigned when
// empty. The repository order and mock group of an existing question are kept.
func (r *SQLRepository) Put(ctx context.Context, q Question) (Question, error) {
	if q.Status == "" {
		q.Status = StatusPending
	}
	if err := Validate(q); err != nil {
		return Question{}, err
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt == 0 {
		q.CreatedAt = time.Now().Unix()
	}

	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		prev, err := optionIDs(ctx, tx, q.ID)
		if err != nil {
			return err
		}
		assignOptionIDs(q.Options, prev)
		for i := range q.Options {
			q.Options[i].QuestionID = q.ID
			q.Options[i].Position = i
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO questions
			(id,subject_id,topic_id,exam_type_id,year,text,image_key,explanation,difficulty,status,is_active,mock_only,created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (id) DO UPDATE SET subject_id=EXCLUDED.subject_id, topic_id=EXCLUDED.topic_id,
			  exam_type_id=EXCLUDED.exam_type_id, year=EXCLUDED.year, text=EXCLUDED.text,
			  image_key=EXCLUDED.image_key, explanation=EXCLUDED.explanation, difficulty=EXCLUDED.difficulty,
			  status=EXCLUDED.status, is_active=EXCLUDED.is_active, mock_only=EXCLUDED.mock_only`,
			q.ID, q.SubjectID, q.TopicID, q.ExamTypeID, q.Year, q.Text, q.ImageKey, q.Explanation,
			q.Difficulty, string(q.Status), q.Active, q.MockOnly, q.CreatedAt)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM options WHERE question_id=$1`, q.ID); err != nil {
			return err
		}
		for _, o := range q.Options {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO options (id,question_id,label,is_correct,position) VALUES ($1,$2,$3,$4,$5)`,
				o.ID, o.QuestionID, o.Label, o.IsCorrect, o.Position); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Question{}, fmt.Errorf("put question %s: %w", q.ID, err)
	}
	return q, nil
}

// optionIDs lists the stored option ids of a question in position order.
func optionIDs(ctx context.Context, tx *sql.Tx, questionID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM options WHERE question_id=$1 ORDER BY position, id`, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// assignOptionIDs fills empty option ids. An option without an id takes the
// stored id at its position, so answers recorded against the question keep
// pointing at the same choice; ids not stored before are new.
func assignOptionIDs(opts []Option, prev []string) {
	taken := make(map[string]bool, len(opts))
	for _, o := range opts {
		if o.ID != "" {
			taken[o.ID] = true
		}
	}
	for i := range opts {
		if opts[i].ID != "" {
			continue
		}
		if i < len(prev) && !taken[prev[i]] {
			opts[i].ID = prev[i]
			taken[prev[i]] = true
			continue
		}
		opts[i].ID = uuid.NewString()
	}
}

func (r *SQLRepository) SetImage(ctx context.Context, id, key string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE questions SET image_key=$1 WHERE id=$2`, key, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: question %s", apperr.ErrNotFound, id)
	}
	return nil
}

// Batch partitions the eligible mock-only questions of a subject and exam
// type into groups of size, in repository order. Existing groups are dropped
// first, so group identity is not stable across runs once the pool changes.
// The last group may be smaller than size.
func (r *SQLRepository) Batch(ctx context.Context, subjectID, examTypeID string, size int) ([]MockGroup, error) {
	if subjectID == "" {
		return nil, apperr.Validation("subject_id is required")
	}
	if size <= 0 {
		return nil, apperr.Validation("batch size must be positive")
	}

	var groups []MockGroup
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE questions SET mock_group_id='' WHERE subject_id=$1 AND exam_type_id=$2`,
			subjectID, examTypeID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM mock_groups WHERE subject_id=$1 AND exam_type_id=$2`,
			subjectID, examTypeID); err != nil {
			return err
		}

		ids, err := mockPoolIDs(ctx, tx, subjectID, examTypeID)
		if err != nil {
			return err
		}

		now := time.Now().Unix()
		for start, n := 0, 1; start < len(ids); start, n = start+size, n+1 {
			end := min(start+size, len(ids))
			g := MockGroup{
				ID:          uuid.NewString(),
				SubjectID:   subjectID,
				ExamTypeID:  examTypeID,
				Index:       n,
				Size:        end - start,
				QuestionIDs: ids[start:end],
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO mock_groups (id,subject_id,exam_type_id,group_index,size,created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
				g.ID, g.SubjectID, g.ExamTypeID, g.Index, g.Size, now); err != nil {
				return err
			}
			args := make([]any, 0, len(g.QuestionIDs)+1)
			args = append(args, g.ID)
			for _, id := range g.QuestionIDs {
				args = append(args, id)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE questions SET mock_group_id=$1 WHERE id IN (`+db.Placeholders(2, len(g.QuestionIDs))+`)`,
				args...); err != nil {
				return err
			}
			groups = append(groups, g)
		}

		ev, err := eventlog.New(eventlog.TypeMockGroupsRebuilt, subjectID+"/"+examTypeID, map[string]any{
			"groups": len(groups), "questions": len(ids), "size": size,
		})
		if err != nil {
			return err
		}
		return eventlog.Append(ctx, tx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("batch mock groups: %w", err)
	}
	r.log.Info("mock groups rebuilt", "subject", subjectID, "exam_type", examTypeID, "groups", len(groups))
	return groups, nil
}

func mockPoolIDs(ctx context.Context, tx *sql.Tx, subjectID, examTypeID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM questions
		 WHERE subject_id=$1 AND exam_type_id=$2 AND mock_only=$3 AND status=$4 AND is_active=$5
		 ORDER BY seq`,
		subjectID, examTypeID, true, string(StatusApproved), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
