package search

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Indexer pushes workspace records into an external index.
type Indexer interface {
	IndexWorkspace(record WorkspaceRecord) error
	Healthy() bool
}

type searchIndex interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to the store.
type Service struct {
	index    searchIndex
	fallback Fallback
	logger   zerolog.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is not configured.
func NewService(index *Meili, fallback Fallback, logger zerolog.Logger) *Service {
	s := &Service{fallback: fallback, logger: logger.With().Str("component", "search").Logger()}
	if index != nil {
		s.index = index
	}
	return s
}

// Search tries the index if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to store")
	}

	summaries, err := s.fallback.SearchWorkspaces(ctx, q.Principal, q.Text, q.Limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("store search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	results := make([]Result, 0, len(summaries))
	for _, summary := range summaries {
		results = append(results, Result{
			ID:        summary.ID,
			Name:      summary.Name,
			UpdatedAt: summary.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return Response{Results: results, Query: q.Text}
}

// IndexWorkspace indexes a workspace (fire-and-forget to Meilisearch).
func (s *Service) IndexWorkspace(record WorkspaceRecord) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if err := s.index.IndexWorkspace(record); err != nil {
			s.logger.Warn().Err(err).Str("workspace_id", record.WorkspaceID).Msg("index workspace")
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
