// Package versioncontrol implements versioning, environment promotion,
// commits, review gating and branch deployment for CMS entities.
package versioncontrol

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/happy-geeks/wiser-sub008/internal/archive"
	"github.com/happy-geeks/wiser-sub008/internal/branchrepo"
	"github.com/happy-geeks/wiser-sub008/internal/lock"
	"github.com/happy-geeks/wiser-sub008/internal/metrics"
	"github.com/happy-geeks/wiser-sub008/internal/store"
)

// Store is the persistence the service needs. store.PostgresStore and
// store.MemoryStore both satisfy it.
type Store interface {
	CreateVersion(ctx context.Context, ref store.EntityRef, payload, author string) (store.Version, error)
	GetVersion(ctx context.Context, ref store.EntityRef, version int) (store.Version, error)
	GetLatestVersion(ctx context.Context, ref store.EntityRef) (store.Version, error)
	ListVersions(ctx context.Context, ref store.EntityRef) ([]store.Version, error)
	ListUncommittedVersionsBelow(ctx context.Context, ref store.EntityRef, version int) ([]int, error)
	WithEntityTx(ctx context.Context, ref store.EntityRef, fn func(store.EntityTx) error) error
	ListPublishLog(ctx context.Context, ref store.EntityRef, limit int) ([]store.PublishLogEntry, error)

	CreateCommit(ctx context.Context, commit store.Commit) (store.Commit, error)
	GetCommit(ctx context.Context, id int64) (store.Commit, error)
	ListCommits(ctx context.Context, limit int) ([]store.Commit, error)

	CreateReview(ctx context.Context, review store.Review) (store.Review, error)
	GetReview(ctx context.Context, id int64) (store.Review, error)
	LatestReview(ctx context.Context, commitID int64) (*store.Review, error)
	ListReviews(ctx context.Context, commitID int64) ([]store.Review, error)
	UpdateReviewDecision(ctx context.Context, id int64, status store.ReviewStatus, reviewer store.ReviewUser, at time.Time) error
	InsertReviewComment(ctx context.Context, comment store.ReviewComment) (store.ReviewComment, error)
}

// BranchStore persists entity versions on isolated tenant branches.
type BranchStore interface {
	CreateVersions(ctx context.Context, branch string, inputs []branchrepo.VersionInput, author branchrepo.Author) ([]store.Version, error)
	ListVersions(ctx context.Context, branch string, ref store.EntityRef) ([]store.Version, error)
	ListBranches(ctx context.Context) ([]string, error)
	History(ctx context.Context, branch string, limit int) ([]branchrepo.Commit, error)
}

// CommitIndexer is notified about new commits. Indexing is best effort.
type CommitIndexer interface {
	IndexCommit(ctx context.Context, commit store.Commit)
}

// ReleaseArchiver stores a manifest once a commit is fully live.
type ReleaseArchiver interface {
	ArchiveRelease(ctx context.Context, manifest archive.Manifest) error
}

// ReviewGatePolicy tunes which review states block gated deployments.
// Pending always blocks.
type ReviewGatePolicy struct {
	BlockRejected bool
}

// Identity is the caller as resolved by the transport layer.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Name is the value written to ChangedBy/AddedBy columns.
func (i Identity) Name() string {
	if name := strings.TrimSpace(i.DisplayName); name != "" {
		return name
	}
	return i.UserID
}

func (i Identity) reviewUser() store.ReviewUser {
	return store.ReviewUser{UserID: i.UserID, DisplayName: i.Name()}
}

type Dependencies struct {
	Locker   lock.Locker
	Branches BranchStore
	Indexer  CommitIndexer
	Archiver ReleaseArchiver
	Policy   ReviewGatePolicy
	Metrics  *metrics.Metrics
	Logger   *zerolog.Logger
	Now      func() time.Time
}

type Service struct {
	store    Store
	locker   lock.Locker
	branches BranchStore
	indexer  CommitIndexer
	archiver ReleaseArchiver
	policy   ReviewGatePolicy
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

func New(s Store, deps Dependencies) *Service {
	svc := &Service{
		store:    s,
		locker:   deps.Locker,
		branches: deps.Branches,
		indexer:  deps.Indexer,
		archiver: deps.Archiver,
		policy:   deps.Policy,
		metrics:  deps.Metrics,
		log:      zerolog.Nop(),
		now:      deps.Now,
	}
	if svc.locker == nil {
		svc.locker = lock.NewLocal()
	}
	if deps.Logger != nil {
		svc.log = *deps.Logger
	}
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC() }
	}
	return svc
}

func validateRef(ref store.EntityRef) error {
	if !ref.Kind.Valid() {
		return invalidf("unknown entity kind %q", ref.Kind)
	}
	if ref.EntityID <= 0 {
		return invalidf("entity id must be positive")
	}
	return nil
}
