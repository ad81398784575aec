package search

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/happy-geeks/wiser-sub008/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 100
	reindexLimit = 10000
)

// Service tries Meilisearch first and falls back to the primary store.
type Service struct {
	meili    *Meili
	fallback Fallback
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Fallback, log zerolog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log}
}

func normalize(q Query) Query {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Search never fails; backend errors are logged and yield an empty page.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q = normalize(q)
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "meilisearch"}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to store search")
	}

	empty := Response{Results: []Result{}, Query: q.Text, Source: "store"}
	if s.fallback == nil {
		return empty
	}
	commits, total, err := s.fallback.SearchCommits(ctx, q.Text, q.Limit, q.Offset)
	if err != nil {
		s.log.Error().Err(err).Msg("store commit search")
		return empty
	}
	results := make([]Result, 0, len(commits))
	for _, c := range commits {
		results = append(results, resultFromCommit(c))
	}
	return Response{Results: results, Total: total, Query: q.Text, Source: "store"}
}

// IndexCommit indexes a commit (fire-and-forget to Meilisearch).
func (s *Service) IndexCommit(_ context.Context, c store.Commit) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := NewCommitRecord(c)
	go func() {
		if err := s.meili.IndexCommits([]CommitRecord{record}); err != nil {
			s.log.Warn().Err(err).Int64("commit_id", record.ID).Msg("index commit")
		}
	}()
}

// ReindexAll pushes every stored commit to Meilisearch. Called at startup.
func (s *Service) ReindexAll(ctx context.Context, lister CommitLister) {
	if s.meili == nil || !s.meili.Healthy() || lister == nil {
		return
	}
	commits, err := lister.ListCommits(ctx, reindexLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	records := make([]CommitRecord, 0, len(commits))
	for _, c := range commits {
		records = append(records, NewCommitRecord(c))
	}
	if err := s.meili.IndexCommits(records); err != nil {
		s.log.Error().Err(err).Msg("reindex commits")
		return
	}
	s.log.Info().Int("commits", len(records)).Msg("commit index rebuilt")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
