package search

import (
	"context"

	"go.uber.org/zap"

	"ltoc/collab/internal/logging"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
// Either backend may be nil.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger *zap.Logger
}

func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, logger: logging.OrNop(logger)}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("search: meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error("search: pgfts error", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexRoom pushes a room to Meilisearch. Postgres needs no indexing step.
func (s *Service) IndexRoom(room RoomRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexRoom(room); err != nil {
		s.logger.Warn("search: index room", zap.String("room", room.ID), zap.Error(err))
	}
}

// ReindexAllFromPG copies every archived room into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	rooms, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("search: reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexRooms(rooms); err != nil {
		s.logger.Warn("search: reindex rooms", zap.Error(err))
	}
}

// Close stops the Meilisearch health monitor.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
