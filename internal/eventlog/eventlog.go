package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mind-engage/examprep/internal/db"
)

// Event types.
const (
	TypeSessionCompleted  = "SessionCompleted"
	TypeSessionTimedOut   = "SessionTimedOut"
	TypeSessionAbandoned  = "SessionAbandoned"
	TypeMockGroupsRebuilt = "MockGroupsRebuilt"
)

type Event struct {
	Seq       int64
	SiteID    string
	Type      string
	Key       string
	DataJSON  string
	CreatedAt int64
}

// New builds an event with payload marshaled as JSON.
func New(typ, key string, payload any) (Event, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{SiteID: "local", Type: typ, Key: key, DataJSON: string(buf)}, nil
}

// Append writes e through ex, which may be a transaction.
func Append(ctx context.Context, ex db.Execer, e Event) error {
	site := e.SiteID
	if site == "" {
		site = "local"
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO event_log (site_id, typ, entity_key, data, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		site, e.Type, e.Key, e.DataJSON, time.Now().Unix())
	return err
}

type Repo struct{ db *sql.DB }

func NewRepo(db *sql.DB) *Repo { return &Repo{db: db} }

// ForKey lists events for an entity in append order.
func (r *Repo) ForKey(ctx context.Context, key string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, site_id, typ, entity_key, data, created_at FROM event_log WHERE entity_key=$1 ORDER BY seq`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Seq, &e.SiteID, &e.Type, &e.Key, &e.DataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
