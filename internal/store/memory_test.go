package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

var testRef = EntityRef{Kind: KindTemplate, EntityID: 12}

func TestMemoryStoreVersionNumbering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetLatestVersion(ctx, testRef); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetLatestVersion() error = %v, want ErrNotFound", err)
	}

	for want := 1; want <= 3; want++ {
		v, err := s.CreateVersion(ctx, testRef, "body", "alice")
		if err != nil {
			t.Fatalf("CreateVersion() error = %v", err)
		}
		if v.Version != want {
			t.Fatalf("CreateVersion() version = %d, want %d", v.Version, want)
		}
		if v.Published != 0 {
			t.Fatalf("new version published = %d, want 0", v.Published)
		}
	}

	other, err := s.CreateVersion(ctx, EntityRef{Kind: KindDynamicContent, EntityID: 12}, "", "alice")
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if other.Version != 1 {
		t.Fatalf("numbering must be per entity, got %d", other.Version)
	}

	if _, err := s.GetVersion(ctx, testRef, 4); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetVersion(4) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreEntityTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.CreateVersion(ctx, testRef, "a", "alice"); err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}

	boom := errors.New("boom")
	err := s.WithEntityTx(ctx, testRef, func(tx EntityTx) error {
		if err := tx.SetPublished(ctx, 1, 2); err != nil {
			return err
		}
		if _, err := tx.InsertPublishLog(ctx, PublishLogEntry{NewTest: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithEntityTx() error = %v, want boom", err)
	}

	v, _ := s.GetVersion(ctx, testRef, 1)
	if v.Published != 0 {
		t.Fatalf("published = %d after rollback, want 0", v.Published)
	}
	logs, _ := s.ListPublishLog(ctx, testRef, 10)
	if len(logs) != 0 {
		t.Fatalf("publish log has %d rows after rollback", len(logs))
	}
}

func TestMemoryStoreEntityTxSeesStagedWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.CreateVersion(ctx, testRef, "a", "alice"); err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}

	err := s.WithEntityTx(ctx, testRef, func(tx EntityTx) error {
		if err := tx.SetPublished(ctx, 1, 6); err != nil {
			return err
		}
		versions, err := tx.Versions(ctx)
		if err != nil {
			return err
		}
		if versions[0].Published != 6 {
			t.Fatalf("staged mask = %d, want 6", versions[0].Published)
		}
		return tx.SetPublished(ctx, 2, 8)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetPublished on missing version error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreEntityTxCancelledWhileLocked(t *testing.T) {
	s := NewMemoryStore()
	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithEntityTx(context.Background(), testRef, func(EntityTx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithEntityTx(ctx, testRef, func(EntityTx) error { return nil })
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("WithEntityTx() error = %v, want ErrConflict", err)
	}
}

func TestMemoryStoreUncommittedVersions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 4; i++ {
		if _, err := s.CreateVersion(ctx, testRef, "", "alice"); err != nil {
			t.Fatalf("CreateVersion() error = %v", err)
		}
	}
	if _, err := s.CreateCommit(ctx, Commit{Items: []CommitItem{{Kind: KindTemplate, EntityID: 12, Version: 2}}}); err != nil {
		t.Fatalf("CreateCommit() error = %v", err)
	}

	got, err := s.ListUncommittedVersionsBelow(ctx, testRef, 4)
	if err != nil {
		t.Fatalf("ListUncommittedVersionsBelow() error = %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("ListUncommittedVersionsBelow() = %v, want [1 3]", got)
	}
}

func TestMemoryStoreCommitRejectsUnknownVersion(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.CreateCommit(context.Background(), Commit{Items: []CommitItem{{Kind: KindTemplate, EntityID: 1, Version: 1}}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("CreateCommit() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreSinglePendingReviewPerCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.CreateVersion(ctx, testRef, "", "alice"); err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	commit, err := s.CreateCommit(ctx, Commit{Items: []CommitItem{{Kind: KindTemplate, EntityID: 12, Version: 1}}})
	if err != nil {
		t.Fatalf("CreateCommit() error = %v", err)
	}

	first, err := s.CreateReview(ctx, Review{CommitID: commit.ID, Status: ReviewPending})
	if err != nil {
		t.Fatalf("CreateReview() error = %v", err)
	}
	if _, err := s.CreateReview(ctx, Review{CommitID: commit.ID, Status: ReviewPending}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second CreateReview() error = %v, want ErrConflict", err)
	}

	if err := s.UpdateReviewDecision(ctx, first.ID, ReviewRejected, ReviewUser{UserID: "bob"}, time.Now()); err != nil {
		t.Fatalf("UpdateReviewDecision() error = %v", err)
	}
	second, err := s.CreateReview(ctx, Review{CommitID: commit.ID, Status: ReviewPending})
	if err != nil {
		t.Fatalf("CreateReview() after decision error = %v", err)
	}

	latest, err := s.LatestReview(ctx, commit.ID)
	if err != nil || latest == nil {
		t.Fatalf("LatestReview() = %v, %v", latest, err)
	}
	if latest.ID != second.ID {
		t.Fatalf("LatestReview() id = %d, want %d", latest.ID, second.ID)
	}
}

func TestMemoryStoreSearchCommits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, desc := range []string{"Header redesign", "Footer links", "header copy"} {
		if _, err := s.CreateCommit(ctx, Commit{Description: desc}); err != nil {
			t.Fatalf("CreateCommit() error = %v", err)
		}
	}

	got, total, err := s.SearchCommits(ctx, "HEADER", 1, 0)
	if err != nil {
		t.Fatalf("SearchCommits() error = %v", err)
	}
	if total != 2 || len(got) != 1 {
		t.Fatalf("SearchCommits() = %d results, total %d", len(got), total)
	}
	if got[0].Description != "header copy" {
		t.Fatalf("expected newest match first, got %q", got[0].Description)
	}
}
