package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"

	"github.com/happy-geeks/wiser-sub008/internal/store"
)

type fakeFallback struct {
	commits []store.Commit
	err     error

	gotText   string
	gotLimit  int
	gotOffset int
}

func (f *fakeFallback) SearchCommits(_ context.Context, text string, limit, offset int) ([]store.Commit, int, error) {
	f.gotText, f.gotLimit, f.gotOffset = text, limit, offset
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.commits, len(f.commits), nil
}

func TestSearchFallsBackWhenMeiliUnhealthy(t *testing.T) {
	fallback := &fakeFallback{commits: []store.Commit{{ID: 3, Description: "Homepage header", ExternalID: "WIS-12"}}}
	svc := NewService(&Meili{}, fallback, zerolog.Nop())

	resp := svc.Search(context.Background(), Query{Text: "  header ", Limit: 500, Offset: -4})
	if resp.Source != "store" || resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("Search() = %+v, want one store result", resp)
	}
	if resp.Results[0].CommitID != 3 || resp.Results[0].ExternalID != "WIS-12" {
		t.Fatalf("result = %+v", resp.Results[0])
	}
	if fallback.gotText != "header" || fallback.gotLimit != maxLimit || fallback.gotOffset != 0 {
		t.Fatalf("fallback got (%q, %d, %d), want normalized query", fallback.gotText, fallback.gotLimit, fallback.gotOffset)
	}
	if resp.Query != "header" {
		t.Fatalf("Query = %q", resp.Query)
	}
}

func TestSearchSwallowsFallbackErrors(t *testing.T) {
	svc := NewService(nil, &fakeFallback{err: errors.New("db down")}, zerolog.Nop())
	resp := svc.Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("Search() = %+v, want empty non-nil results", resp)
	}

	none := NewService(nil, nil, zerolog.Nop()).Search(context.Background(), Query{Text: "x"})
	if none.Results == nil {
		t.Fatal("Search() without backends returned nil results")
	}
}

func TestIndexCommitWithoutMeiliIsNoop(t *testing.T) {
	svc := NewService(nil, nil, zerolog.Nop())
	svc.IndexCommit(context.Background(), store.Commit{ID: 1})
	svc.ReindexAll(context.Background(), nil)
}

func TestNewCommitRecord(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	record := NewCommitRecord(store.Commit{
		ID:          9,
		Description: "Spring campaign",
		AddedBy:     "Robin",
		AddedOn:     at,
		Items: []store.CommitItem{
			{Kind: store.KindTemplate, EntityID: 4, Version: 1},
			{Kind: store.KindTemplate, EntityID: 4, Version: 2},
			{Kind: store.KindDynamicContent, EntityID: 8, Version: 5},
		},
	})
	if len(record.Entities) != 2 || record.Entities[0] != "template/4" || record.Entities[1] != "dynamic_content/8" {
		t.Fatalf("Entities = %v", record.Entities)
	}
	if record.AddedOn != "2026-03-01T12:00:00Z" {
		t.Fatalf("AddedOn = %q", record.AddedOn)
	}
}

func TestHitToResult(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
	hit := meili.Hit{
		"id":          raw(12),
		"description": raw("Footer links"),
		"externalId":  raw("WIS-88"),
		"addedBy":     raw("Sam"),
		"addedOn":     raw("2026-02-03T04:05:06Z"),
		"_formatted":  raw(map[string]any{"description": "<mark>Footer</mark> links", "id": "12"}),
	}

	r := hitToResult(hit)
	if r.CommitID != 12 || r.ExternalID != "WIS-88" || r.AddedBy != "Sam" {
		t.Fatalf("hitToResult() = %+v", r)
	}
	if r.Snippet != "<mark>Footer</mark> links" {
		t.Fatalf("Snippet = %q", r.Snippet)
	}
	if !r.AddedOn.Equal(time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)) {
		t.Fatalf("AddedOn = %v", r.AddedOn)
	}

	plain := hitToResult(meili.Hit{"description": raw("No highlight")})
	if plain.Snippet != "No highlight" {
		t.Fatalf("Snippet without _formatted = %q", plain.Snippet)
	}
}
