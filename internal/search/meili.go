package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const idxCommits = "wiser_commits"

// Meili indexes and searches commits in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewMeili creates a Meilisearch client and configures the commit index.
// An unreachable server is not an error; the health loop keeps probing.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log,
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxCommits,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug().Err(err).Str("index", idxCommits).Msg("create index (may already exist)")
	}

	index := m.client.Index(idxCommits)
	filterable := []interface{}{"addedBy", "entities"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Str("index", idxCommits).Msg("update filterable attributes")
	}
	searchable := []string{"description", "externalId", "entities"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Str("index", idxCommits).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := m.client.Index(idxCommits).Search(q.Text, &meili.SearchRequest{
		Limit:                 int64(q.Limit),
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"description"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		CommitID:    decodeInt64(hit, "id"),
		Description: decodeString(hit, "description"),
		ExternalID:  decodeString(hit, "externalId"),
		AddedBy:     decodeString(hit, "addedBy"),
	}
	if at, err := time.Parse(time.RFC3339Nano, decodeString(hit, "addedOn")); err == nil {
		r.AddedOn = at
	}
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), r.Description)
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt64(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexCommits adds or replaces commit documents.
func (m *Meili) IndexCommits(records []CommitRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCommits).AddDocuments(records, nil)
	return err
}
