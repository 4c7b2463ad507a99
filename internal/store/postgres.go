package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ltoc/collab/internal/crdt"
	"ltoc/collab/internal/persistence"
)

var ErrNotFound = errors.New("store: not found")

const excerptRunes = 140

// PostgresStore archives room state in Postgres. It implements
// persistence.Adapter so a headless session can write through it.
type PostgresStore struct {
	db *sql.DB
}

var _ persistence.Adapter = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load returns the snapshot, if any, followed by later updates in write order.
func (s *PostgresStore) Load(ctx context.Context, room string) ([][]byte, error) {
	var chunks [][]byte

	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM room_snapshots WHERE room_id=$1`, room).Scan(&snapshot)
	switch {
	case err == nil:
		chunks = append(chunks, snapshot)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM room_updates WHERE room_id=$1 ORDER BY seq`, room)
	if err != nil {
		return nil, fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		chunks = append(chunks, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return chunks, nil
}

func (s *PostgresStore) Append(ctx context.Context, room string, update []byte) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO room_updates (room_id, payload) VALUES ($1, $2)`, room, update); err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

// Compact replaces the room's history with snapshot and records its text.
func (s *PostgresStore) Compact(ctx context.Context, room string, snapshot []byte) error {
	text, err := snapshotText(snapshot)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compact tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, snapshot, text, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (room_id) DO UPDATE
		SET snapshot = EXCLUDED.snapshot, text = EXCLUDED.text, updated_at = NOW()
	`, room, snapshot, text); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_updates WHERE room_id=$1`, room); err != nil {
		return fmt.Errorf("trim updates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compact tx: %w", err)
	}
	return nil
}

// Close is a no-op; the *sql.DB belongs to the caller.
func (s *PostgresStore) Close() error {
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, room string) (Snapshot, error) {
	snap := Snapshot{RoomID: room}
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot, text, updated_at,
			(SELECT COUNT(*) FROM room_updates u WHERE u.room_id = s.room_id)
		FROM room_snapshots s WHERE room_id=$1
	`, room).Scan(&snap.State, &snap.Text, &snap.UpdatedAt, &snap.Pending)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// ListRooms returns the most recently archived rooms first.
func (s *PostgresStore) ListRooms(ctx context.Context, limit int) ([]Room, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, updated_at, text FROM room_snapshots
		ORDER BY updated_at DESC, room_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		var room Room
		var text string
		if err := rows.Scan(&room.ID, &room.UpdatedAt, &text); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		room.Excerpt = Excerpt(text)
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

// Excerpt is the first line of text, cut to a short preview.
func Excerpt(text string) string {
	for i, r := range text {
		if r == '\n' {
			text = text[:i]
			break
		}
	}
	runes := []rune(text)
	if len(runes) > excerptRunes {
		return string(runes[:excerptRunes]) + "…"
	}
	return text
}

func snapshotText(snapshot []byte) (string, error) {
	doc, err := crdt.New()
	if err != nil {
		return "", err
	}
	defer doc.Close()
	if err := doc.Apply(crdt.OriginPersistence, snapshot); err != nil {
		return "", fmt.Errorf("decode snapshot: %w", err)
	}
	return doc.Text(crdt.ContentField).String(), nil
}
