// Package search indexes archived room text for lookup from the API.
package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	RoomID    string `json:"roomId"`
	Snippet   string `json:"snippet"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// RoomRecord is the data we index for a room.
type RoomRecord struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (q Query) normalized() Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
