// Package search indexes commits for free-text lookup. Meilisearch is used
// when reachable; the primary store's substring search covers the rest.
package search

import (
	"context"
	"time"

	"github.com/happy-geeks/wiser-sub008/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	CommitID    int64     `json:"commitId"`
	Description string    `json:"description"`
	ExternalID  string    `json:"externalId"`
	AddedBy     string    `json:"addedBy"`
	AddedOn     time.Time `json:"addedOn"`
	Snippet     string    `json:"snippet"`
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
	Source  string   `json:"source"`
}

// Fallback searches commits in the primary store. store.PostgresStore and
// store.MemoryStore implement it.
type Fallback interface {
	SearchCommits(ctx context.Context, text string, limit, offset int) ([]store.Commit, int, error)
}

// CommitLister feeds a full reindex.
type CommitLister interface {
	ListCommits(ctx context.Context, limit int) ([]store.Commit, error)
}

// CommitRecord is the data we index for a commit.
type CommitRecord struct {
	ID          int64    `json:"id"`
	Description string   `json:"description"`
	ExternalID  string   `json:"externalId"`
	AddedBy     string   `json:"addedBy"`
	AddedOn     string   `json:"addedOn"`
	Entities    []string `json:"entities"`
}

// NewCommitRecord flattens a commit into its index document.
func NewCommitRecord(c store.Commit) CommitRecord {
	entities := make([]string, 0, len(c.Items))
	seen := map[store.EntityRef]struct{}{}
	for _, item := range c.Items {
		if _, ok := seen[item.Ref()]; ok {
			continue
		}
		seen[item.Ref()] = struct{}{}
		entities = append(entities, item.Ref().String())
	}
	return CommitRecord{
		ID:          c.ID,
		Description: c.Description,
		ExternalID:  c.ExternalID,
		AddedBy:     c.AddedBy,
		AddedOn:     c.AddedOn.UTC().Format(time.RFC3339Nano),
		Entities:    entities,
	}
}

func resultFromCommit(c store.Commit) Result {
	return Result{
		CommitID:    c.ID,
		Description: c.Description,
		ExternalID:  c.ExternalID,
		AddedBy:     c.AddedBy,
		AddedOn:     c.AddedOn,
		Snippet:     c.Description,
	}
}
