package versioncontrol

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/happy-geeks/wiser-sub008/internal/branchrepo"
	"github.com/happy-geeks/wiser-sub008/internal/store"
)

const branchReadConcurrency = 4

type BranchDeployItem struct {
	Ref           store.EntityRef `json:"ref"`
	SourceVersion int             `json:"sourceVersion"`
	BranchVersion int             `json:"branchVersion"`
}

type BranchDeployReport struct {
	Branch string             `json:"branch"`
	Items  []BranchDeployItem `json:"items"`
}

func (s *Service) requireBranches(branch string) error {
	if s.branches == nil {
		return invalidf("branch deployment is not configured")
	}
	if !branchrepo.ValidName(branch) {
		return invalidf("invalid branch name %q", branch)
	}
	return nil
}

// DeployToBranch copies the latest main payload of every ref onto branch as a
// new, unpublished branch version. Nothing is written unless every ref has a
// version on main.
func (s *Service) DeployToBranch(ctx context.Context, refs []store.EntityRef, branch string, actor Identity) (BranchDeployReport, error) {
	report, err := s.deployToBranch(ctx, refs, branch, actor)
	s.metrics.ObserveBranchDeploy(err)

	event := s.log.Info()
	if err != nil {
		event = s.log.Warn().Err(err)
	}
	event.Str("branch", branch).Int("entities", len(report.Items)).Str("actor", actor.Name()).Msg("branch deploy")
	return report, err
}

func (s *Service) deployToBranch(ctx context.Context, refs []store.EntityRef, branch string, actor Identity) (BranchDeployReport, error) {
	report := BranchDeployReport{Branch: branch, Items: []BranchDeployItem{}}
	if err := s.requireBranches(branch); err != nil {
		return report, err
	}
	unique, err := uniqueRefs(refs)
	if err != nil {
		return report, err
	}

	latest := make([]store.Version, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(branchReadConcurrency)
	for i, ref := range unique {
		g.Go(func() error {
			v, err := s.GetLatest(gctx, ref)
			if err != nil {
				return err
			}
			latest[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	release, err := s.locker.Acquire(ctx, "branch:"+branch)
	if err != nil {
		return report, translate(err)
	}
	defer release()

	inputs := make([]branchrepo.VersionInput, 0, len(latest))
	for _, v := range latest {
		inputs = append(inputs, branchrepo.VersionInput{Ref: v.Ref(), Payload: v.Payload, SourceVersion: v.Version})
	}
	created, err := s.branches.CreateVersions(ctx, branch, inputs, branchrepo.Author{Name: actor.Name()})
	if err != nil {
		return report, translateBranchError(err)
	}
	for i, v := range created {
		report.Items = append(report.Items, BranchDeployItem{
			Ref:           v.Ref(),
			SourceVersion: inputs[i].SourceVersion,
			BranchVersion: v.Version,
		})
	}
	return report, nil
}

// DeployCommitsToBranch deploys the entities targeted by the given commits.
// The latest main version of each entity is copied, as with DeployToBranch.
func (s *Service) DeployCommitsToBranch(ctx context.Context, commitIDs []int64, branch string, actor Identity) (BranchDeployReport, error) {
	ids := uniqueSorted(commitIDs)
	if len(ids) == 0 {
		return BranchDeployReport{Branch: branch, Items: []BranchDeployItem{}}, invalidf("no commits to deploy")
	}
	refs := make([]store.EntityRef, 0)
	for _, id := range ids {
		commit, err := s.getCommit(ctx, id)
		if err != nil {
			return BranchDeployReport{Branch: branch, Items: []BranchDeployItem{}}, err
		}
		for _, target := range deployTargets(commit.Items) {
			refs = append(refs, target.Ref())
		}
	}
	return s.DeployToBranch(ctx, refs, branch, actor)
}

func uniqueRefs(refs []store.EntityRef) ([]store.EntityRef, error) {
	seen := map[store.EntityRef]struct{}{}
	unique := make([]store.EntityRef, 0, len(refs))
	for _, ref := range refs {
		if err := validateRef(ref); err != nil {
			return nil, err
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		unique = append(unique, ref)
	}
	if len(unique) == 0 {
		return nil, invalidf("no entities to deploy")
	}
	sort.Slice(unique, func(i, j int) bool {
		if unique[i].Kind != unique[j].Kind {
			return unique[i].Kind < unique[j].Kind
		}
		return unique[i].EntityID < unique[j].EntityID
	})
	return unique, nil
}

func translateBranchError(err error) error {
	if errors.Is(err, branchrepo.ErrInvalidBranch) {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return translate(err)
}

// ListBranchVersions returns the versions of ref on branch, oldest first.
func (s *Service) ListBranchVersions(ctx context.Context, branch string, ref store.EntityRef) ([]store.Version, error) {
	if err := s.requireBranches(branch); err != nil {
		return nil, err
	}
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	items, err := s.branches.ListVersions(ctx, branch, ref)
	return items, translateBranchError(err)
}

func (s *Service) ListBranches(ctx context.Context) ([]string, error) {
	if s.branches == nil {
		return []string{}, nil
	}
	names, err := s.branches.ListBranches(ctx)
	return names, translateBranchError(err)
}

// BranchHistory lists the deployments recorded on branch, newest first.
func (s *Service) BranchHistory(ctx context.Context, branch string, limit int) ([]branchrepo.Commit, error) {
	if err := s.requireBranches(branch); err != nil {
		return nil, err
	}
	items, err := s.branches.History(ctx, branch, limit)
	return items, translateBranchError(err)
}
