package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the archived snapshots in Postgres.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres there is nothing archived to find.
func (p *PgFTS) Healthy() bool {
	return true
}

const ftsQuery = "plainto_tsquery('simple', $1)"

// Search ranks room text with ts_rank and cuts snippets with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = q.normalized()

	where := fmt.Sprintf("to_tsvector('simple', s.text) @@ %s", ftsQuery)

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM room_snapshots s WHERE "+where, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT s.room_id,
			ts_headline('simple', s.text, %[1]s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			EXTRACT(EPOCH FROM s.updated_at)::bigint
		FROM room_snapshots s
		WHERE %[2]s
		ORDER BY ts_rank(to_tsvector('simple', s.text), %[1]s) DESC, s.updated_at DESC
		LIMIT %[3]d OFFSET %[4]d`, ftsQuery, where, q.Limit, q.Offset), q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.RoomID, &r.Snippet, &r.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every archived room for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]RoomRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT room_id, text, EXTRACT(EPOCH FROM updated_at)::bigint
		FROM room_snapshots
	`)
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]RoomRecord, 0)
	for rows.Next() {
		var r RoomRecord
		if err := rows.Scan(&r.ID, &r.Text, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}
