package versioncontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/happy-geeks/wiser-sub008/internal/archive"
	"github.com/happy-geeks/wiser-sub008/internal/store"
)

var (
	alice = Identity{UserID: "u-alice", DisplayName: "Alice"}
	bob   = Identity{UserID: "u-bob", DisplayName: "Bob"}
	carol = Identity{UserID: "u-carol", DisplayName: "Carol"}

	t1 = store.EntityRef{Kind: store.KindTemplate, EntityID: 1}
	t2 = store.EntityRef{Kind: store.KindTemplate, EntityID: 2}
	d1 = store.EntityRef{Kind: store.KindDynamicContent, EntityID: 1}
)

func newTestService(t *testing.T, s Store, deps Dependencies) *Service {
	t.Helper()
	if s == nil {
		s = store.NewMemoryStore()
	}
	if deps.Now == nil {
		clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		deps.Now = func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}
	}
	return New(s, deps)
}

func createVersions(t *testing.T, svc *Service, ref store.EntityRef, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.CreateVersion(context.Background(), ref, "payload", alice)
		require.NoError(t, err)
	}
}

func holders(t *testing.T, svc *Service, ref store.EntityRef) [3]int {
	t.Helper()
	m, err := svc.Environments(context.Background(), ref)
	require.NoError(t, err)
	return [3]int{m.Get(EnvironmentTest), m.Get(EnvironmentAcceptance), m.Get(EnvironmentLive)}
}

// requireSingleOwner checks the stored masks directly.
func requireSingleOwner(t *testing.T, s Store, ref store.EntityRef) {
	t.Helper()
	versions, err := s.ListVersions(context.Background(), ref)
	require.NoError(t, err)
	for _, env := range Environments {
		owners := 0
		for _, v := range versions {
			if v.Published&int(env) != 0 {
				owners++
			}
		}
		require.LessOrEqualf(t, owners, 1, "%s held by %d versions of %s", env, owners, ref)
	}
}

// failingStore fails every entity transaction on one ref.
type failingStore struct {
	*store.MemoryStore
	failRef store.EntityRef
	err     error
}

func (f *failingStore) WithEntityTx(ctx context.Context, ref store.EntityRef, fn func(store.EntityTx) error) error {
	if ref == f.failRef {
		return f.err
	}
	return f.MemoryStore.WithEntityTx(ctx, ref, fn)
}

type recordingArchiver struct {
	manifests []archive.Manifest
	err       error
}

func (r *recordingArchiver) ArchiveRelease(_ context.Context, m archive.Manifest) error {
	r.manifests = append(r.manifests, m)
	return r.err
}

type recordingIndexer struct {
	commits []store.Commit
}

func (r *recordingIndexer) IndexCommit(_ context.Context, c store.Commit) {
	r.commits = append(r.commits, c)
}
