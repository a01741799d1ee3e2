package search

import (
	"github.com/rs/zerolog"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili    *Meili
	fallback Searcher
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured; fallback may be nil when no database search is available.
func NewService(meili *Meili, fallback Searcher, log zerolog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log.With().Str("component", "search").Logger()}
}

// Search tries Meilisearch if healthy, otherwise falls back to the database.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: "none"}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.log.Error().Err(err).Msg("fallback search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "postgres"}
}

// IndexBlock indexes a block (fire-and-forget to Meilisearch).
func (s *Service) IndexBlock(rec BlockRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexBlock(rec); err != nil {
			s.log.Warn().Err(err).Str("block_id", rec.ID).Msg("index block")
		}
	}()
}

// DeleteBlock removes a block from the search index (fire-and-forget).
func (s *Service) DeleteBlock(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteBlock(id); err != nil {
			s.log.Warn().Err(err).Str("block_id", id).Msg("delete block from index")
		}
	}()
}

// ReindexAll pushes every record to Meilisearch synchronously. It reports
// false when there is no healthy index to write to.
func (s *Service) ReindexAll(recs []BlockRecord) (bool, error) {
	if s.meili == nil || !s.meili.Healthy() {
		return false, nil
	}
	if err := s.meili.IndexBlocks(recs); err != nil {
		return true, err
	}
	return true, nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
