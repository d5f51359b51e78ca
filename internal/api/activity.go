package api

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

// ActivityEntry is one audit trail row.
type ActivityEntry struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// logActivity appends to the audit trail. Best effort: losing an audit
// row under pressure must not fail the mutation it describes.
func (rt *Router) logActivity(ctx context.Context, action, subject, detail string) {
	actor := Actor(ctx)
	err := rt.db.Queue.Submit(ctx, "activity.log", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO activity_log (actor, action, subject, detail, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			actor, action, subject, detail, time.Now().Unix(),
		)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Dropped activity log entry")
	}
}

// recentActivity loads the newest limit audit rows.
func (rt *Router) recentActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := rt.db.QueryContext(ctx, `
		SELECT id, actor, action, subject, detail, created_at
		FROM activity_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, kerrors.Internal("activity.list", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Subject, &e.Detail, &created); err != nil {
			return nil, kerrors.Internal("activity.list", err)
		}
		e.CreatedAt = time.Unix(created, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
