package versioncontrol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happy-geeks/wiser-sub008/internal/branchrepo"
	"github.com/happy-geeks/wiser-sub008/internal/store"
)

func TestDeployToBranch(t *testing.T) {
	ctx := context.Background()
	branches := branchrepo.New(t.TempDir())
	svc := newTestService(t, nil, Dependencies{Branches: branches})

	createVersions(t, svc, t1, 3)
	_, err := svc.CreateVersion(ctx, d1, "latest banner", alice)
	require.NoError(t, err)
	_, err = svc.Promote(ctx, t1, 3, EnvironmentLive, alice)
	require.NoError(t, err)

	report, err := svc.DeployToBranch(ctx, []store.EntityRef{t1, d1, t1}, "tenant-a", alice)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", report.Branch)
	require.Len(t, report.Items, 2)
	assert.Equal(t, BranchDeployItem{Ref: d1, SourceVersion: 1, BranchVersion: 1}, report.Items[0])
	assert.Equal(t, BranchDeployItem{Ref: t1, SourceVersion: 3, BranchVersion: 1}, report.Items[1])

	again, err := svc.DeployToBranch(ctx, []store.EntityRef{t1}, "tenant-a", bob)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Items[0].BranchVersion, "branch numbering is independent of main")

	versions, err := svc.ListBranchVersions(ctx, "tenant-a", t1)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	for _, v := range versions {
		assert.Zero(t, v.Published, "branch versions start unpublished")
	}

	banner, err := svc.ListBranchVersions(ctx, "tenant-a", d1)
	require.NoError(t, err)
	require.Len(t, banner, 1)
	assert.Equal(t, "latest banner", banner[0].Payload)

	assert.Equal(t, [3]int{3, 3, 3}, holders(t, svc, t1), "main is untouched")

	names, err := svc.ListBranches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a"}, names)

	history, err := svc.BranchHistory(ctx, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Bob", history[0].Author)
}

func TestDeployToBranchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	branches := branchrepo.New(t.TempDir())
	svc := newTestService(t, nil, Dependencies{Branches: branches})
	createVersions(t, svc, t1, 1)

	_, err := svc.DeployToBranch(ctx, []store.EntityRef{t1, t2}, "tenant-b", alice)
	assert.ErrorIs(t, err, ErrNotFound)

	versions, err := svc.ListBranchVersions(ctx, "tenant-b", t1)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestDeployToBranchValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, Dependencies{Branches: branchrepo.New(t.TempDir())})
	createVersions(t, svc, t1, 1)

	_, err := svc.DeployToBranch(ctx, []store.EntityRef{t1}, "../escape", alice)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.DeployToBranch(ctx, nil, "tenant-a", alice)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.DeployToBranch(ctx, []store.EntityRef{{Kind: "page", EntityID: 1}}, "tenant-a", alice)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	unconfigured := newTestService(t, nil, Dependencies{})
	_, err = unconfigured.DeployToBranch(ctx, []store.EntityRef{t1}, "tenant-a", alice)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	names, err := unconfigured.ListBranches(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDeployCommitsToBranch(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, Dependencies{Branches: branchrepo.New(t.TempDir())})
	createVersions(t, svc, t1, 2)
	createVersions(t, svc, t2, 1)
	first := commitOf(t, svc, "first", item(t1, 2))
	second := commitOf(t, svc, "second", item(t2, 1))
	createVersions(t, svc, t1, 1)

	report, err := svc.DeployCommitsToBranch(ctx, []int64{second.ID, first.ID}, "tenant-c", alice)
	require.NoError(t, err)
	require.Len(t, report.Items, 2)
	assert.Equal(t, t1, report.Items[0].Ref)
	assert.Equal(t, 3, report.Items[0].SourceVersion, "the latest main version is copied")
	assert.Equal(t, t2, report.Items[1].Ref)

	_, err = svc.DeployCommitsToBranch(ctx, []int64{99}, "tenant-c", alice)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.DeployCommitsToBranch(ctx, nil, "tenant-c", alice)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
