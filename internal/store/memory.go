package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It backs local development
// when no DATABASE_URL is configured, and the service tests.
type MemoryStore struct {
	mu sync.RWMutex

	versions   map[EntityRef][]Version
	publishLog []PublishLogEntry
	commits    map[int64]Commit
	reviews    map[int64]Review
	committed  map[CommitItem]struct{}

	nextLogID     int64
	nextCommitID  int64
	nextReviewID  int64
	nextCommentID int64

	lockMu      sync.Mutex
	entityLocks map[EntityRef]chan struct{}

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions:    map[EntityRef][]Version{},
		commits:     map[int64]Commit{},
		reviews:     map[int64]Review{},
		committed:   map[CommitItem]struct{}{},
		entityLocks: map[EntityRef]chan struct{}{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) CreateVersion(_ context.Context, ref EntityRef, payload, author string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.versions[ref]
	v := Version{
		Kind:      ref.Kind,
		EntityID:  ref.EntityID,
		Version:   len(existing) + 1,
		Payload:   payload,
		ChangedBy: author,
		ChangedOn: s.now(),
	}
	s.versions[ref] = append(existing, v)
	return v, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, ref EntityRef, version int) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.versions[ref]
	if version < 1 || version > len(existing) {
		return Version{}, ErrNotFound
	}
	return existing[version-1], nil
}

func (s *MemoryStore) GetLatestVersion(_ context.Context, ref EntityRef) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.versions[ref]
	if len(existing) == 0 {
		return Version{}, ErrNotFound
	}
	return existing[len(existing)-1], nil
}

func (s *MemoryStore) ListVersions(_ context.Context, ref EntityRef) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Version, len(s.versions[ref]))
	copy(items, s.versions[ref])
	return items, nil
}

func (s *MemoryStore) ListUncommittedVersionsBelow(_ context.Context, ref EntityRef, version int) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]int, 0)
	for _, v := range s.versions[ref] {
		if v.Version >= version {
			break
		}
		key := CommitItem{Kind: ref.Kind, EntityID: ref.EntityID, Version: v.Version}
		if _, ok := s.committed[key]; !ok {
			items = append(items, v.Version)
		}
	}
	return items, nil
}

func (s *MemoryStore) entityLock(ref EntityRef) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	ch, ok := s.entityLocks[ref]
	if !ok {
		ch = make(chan struct{}, 1)
		s.entityLocks[ref] = ch
	}
	return ch
}

// WithEntityTx serializes callers per entity. Writes are staged and applied
// only when fn returns nil.
func (s *MemoryStore) WithEntityTx(ctx context.Context, ref EntityRef, fn func(EntityTx) error) error {
	lock := s.entityLock(ref)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ErrConflict
	}
	defer func() { <-lock }()

	tx := &memoryEntityTx{store: s, ref: ref, masks: map[int]int{}}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.versions[ref]
	for version, mask := range tx.masks {
		existing[version-1].Published = mask
	}
	s.publishLog = append(s.publishLog, tx.logs...)
	return nil
}

type memoryEntityTx struct {
	store *MemoryStore
	ref   EntityRef
	masks map[int]int
	logs  []PublishLogEntry
}

func (t *memoryEntityTx) Versions(ctx context.Context) ([]Version, error) {
	items, err := t.store.ListVersions(ctx, t.ref)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if mask, ok := t.masks[items[i].Version]; ok {
			items[i].Published = mask
		}
	}
	return items, nil
}

func (t *memoryEntityTx) SetPublished(_ context.Context, version int, mask int) error {
	t.store.mu.RLock()
	count := len(t.store.versions[t.ref])
	t.store.mu.RUnlock()
	if version < 1 || version > count {
		return ErrNotFound
	}
	t.masks[version] = mask
	return nil
}

// InsertPublishLog stages the entry. IDs are drawn eagerly, so a rolled back
// transaction leaves a gap the way a database sequence does.
func (t *memoryEntityTx) InsertPublishLog(_ context.Context, entry PublishLogEntry) (PublishLogEntry, error) {
	entry.Kind = t.ref.Kind
	entry.EntityID = t.ref.EntityID

	t.store.mu.Lock()
	t.store.nextLogID++
	entry.ID = t.store.nextLogID
	t.store.mu.Unlock()

	t.logs = append(t.logs, entry)
	return entry, nil
}

func (s *MemoryStore) ListPublishLog(_ context.Context, ref EntityRef, limit int) ([]PublishLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]PublishLogEntry, 0)
	for i := len(s.publishLog) - 1; i >= 0 && len(items) < limit; i-- {
		entry := s.publishLog[i]
		if entry.Kind == ref.Kind && entry.EntityID == ref.EntityID {
			items = append(items, entry)
		}
	}
	return items, nil
}

func (s *MemoryStore) CreateCommit(_ context.Context, commit Commit) (Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range commit.Items {
		if item.Version < 1 || item.Version > len(s.versions[item.Ref()]) {
			return Commit{}, ErrNotFound
		}
	}

	s.nextCommitID++
	commit.ID = s.nextCommitID
	commit.Items = sortedItems(commit.Items)
	for _, item := range commit.Items {
		s.committed[item] = struct{}{}
	}
	s.commits[commit.ID] = commit
	return cloneCommit(commit), nil
}

func sortedItems(items []CommitItem) []CommitItem {
	seen := make(map[CommitItem]struct{}, len(items))
	out := make([]CommitItem, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func cloneCommit(c Commit) Commit {
	items := make([]CommitItem, len(c.Items))
	copy(items, c.Items)
	c.Items = items
	return c
}

func (s *MemoryStore) GetCommit(_ context.Context, id int64) (Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commits[id]
	if !ok {
		return Commit{}, ErrNotFound
	}
	return cloneCommit(c), nil
}

func (s *MemoryStore) ListCommits(_ context.Context, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.filterCommits(func(Commit) bool { return true }, limit)
}

func (s *MemoryStore) SearchCommits(_ context.Context, text string, limit, offset int) ([]Commit, int, error) {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	match := func(c Commit) bool {
		return strings.Contains(strings.ToLower(c.Description), needle) ||
			strings.Contains(strings.ToLower(c.ExternalID), needle)
	}
	all, err := s.filterCommits(match, 0)
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return make([]Commit, 0), total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// filterCommits returns matching commits newest first. A zero limit means all.
func (s *MemoryStore) filterCommits(match func(Commit) bool, limit int) ([]Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.commits))
	for id := range s.commits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	items := make([]Commit, 0)
	for _, id := range ids {
		c := s.commits[id]
		if !match(c) {
			continue
		}
		items = append(items, cloneCommit(c))
		if limit > 0 && len(items) == limit {
			break
		}
	}
	return items, nil
}

func (s *MemoryStore) CreateReview(_ context.Context, review Review) (Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commits[review.CommitID]; !ok {
		return Review{}, ErrNotFound
	}
	if review.Status == ReviewPending {
		for _, existing := range s.reviews {
			if existing.CommitID == review.CommitID && existing.Status == ReviewPending {
				return Review{}, ErrConflict
			}
		}
	}

	s.nextReviewID++
	review.ID = s.nextReviewID
	users := make([]ReviewUser, 0, len(review.RequestedUsers))
	users = append(users, review.RequestedUsers...)
	review.RequestedUsers = users
	review.Comments = make([]ReviewComment, 0)
	s.reviews[review.ID] = review
	return cloneReview(review), nil
}

func cloneReview(r Review) Review {
	users := make([]ReviewUser, len(r.RequestedUsers))
	copy(users, r.RequestedUsers)
	comments := make([]ReviewComment, len(r.Comments))
	copy(comments, r.Comments)
	r.RequestedUsers = users
	r.Comments = comments
	if r.ReviewedOn != nil {
		at := *r.ReviewedOn
		r.ReviewedOn = &at
	}
	return r
}

func (s *MemoryStore) GetReview(_ context.Context, id int64) (Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reviews[id]
	if !ok {
		return Review{}, ErrNotFound
	}
	return cloneReview(r), nil
}

func (s *MemoryStore) LatestReview(_ context.Context, commitID int64) (*Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Review
	for _, r := range s.reviews {
		if r.CommitID != commitID {
			continue
		}
		if latest == nil || r.ID > latest.ID {
			clone := cloneReview(r)
			latest = &clone
		}
	}
	return latest, nil
}

func (s *MemoryStore) ListReviews(_ context.Context, commitID int64) ([]Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Review, 0)
	for _, r := range s.reviews {
		if r.CommitID == commitID {
			items = append(items, cloneReview(r))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) UpdateReviewDecision(_ context.Context, id int64, status ReviewStatus, reviewer ReviewUser, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reviews[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.ReviewedOn = &at
	r.ReviewedBy = reviewer.UserID
	r.ReviewedByName = reviewer.DisplayName
	s.reviews[id] = r
	return nil
}

func (s *MemoryStore) InsertReviewComment(_ context.Context, comment ReviewComment) (ReviewComment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reviews[comment.ReviewID]
	if !ok {
		return ReviewComment{}, ErrNotFound
	}
	s.nextCommentID++
	comment.ID = s.nextCommentID
	r.Comments = append(r.Comments, comment)
	s.reviews[comment.ReviewID] = r
	return comment, nil
}
