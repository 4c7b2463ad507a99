package store

import "time"

// Room is an archived room as listed by the API.
type Room struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updatedAt"`
	Excerpt   string    `json:"excerpt"`
}

// Snapshot is the latest compacted state of a room.
type Snapshot struct {
	RoomID    string    `json:"roomId"`
	State     []byte    `json:"-"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
	// Pending counts updates appended since the snapshot.
	Pending int `json:"pending"`
}
