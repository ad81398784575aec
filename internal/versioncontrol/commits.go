package versioncontrol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/happy-geeks/wiser-sub008/internal/archive"
	"github.com/happy-geeks/wiser-sub008/internal/store"
)

type CommitInput struct {
	Description string
	ExternalID  string
	Items       []store.CommitItem
}

// CommitItemState is one row of a commit with its derived deploy state.
type CommitItemState struct {
	store.CommitItem
	Superseded   bool          `json:"superseded"`
	Environments []Environment `json:"environments"`
}

type CommitStatus struct {
	Commit       store.Commit       `json:"commit"`
	Items        []CommitItemState  `json:"items"`
	IsTest       bool               `json:"isTest"`
	IsAcceptance bool               `json:"isAcceptance"`
	IsLive       bool               `json:"isLive"`
	Review       *store.Review      `json:"review,omitempty"`
	ReviewStatus store.ReviewStatus `json:"reviewStatus"`
}

// Is reports the derived flag for env.
func (c CommitStatus) Is(env Environment) bool {
	switch env {
	case EnvironmentTest:
		return c.IsTest
	case EnvironmentAcceptance:
		return c.IsAcceptance
	case EnvironmentLive:
		return c.IsLive
	default:
		return false
	}
}

type DeployReport struct {
	Environment Environment    `json:"environment"`
	Succeeded   []DeployItem   `json:"succeeded"`
	Skipped     []DeployItem   `json:"skipped"`
	Commits     []CommitStatus `json:"commits"`
}

// CreateCommit records an immutable changeset. Versions of the same entities
// below the committed ones that belong to no commit yet are folded in as
// superseded rows.
func (s *Service) CreateCommit(ctx context.Context, input CommitInput, author Identity) (store.Commit, error) {
	if len(input.Items) == 0 {
		return store.Commit{}, invalidf("commit must contain at least one item")
	}

	items := make([]store.CommitItem, 0, len(input.Items))
	seen := map[store.CommitItem]struct{}{}
	add := func(item store.CommitItem) {
		if _, ok := seen[item]; ok {
			return
		}
		seen[item] = struct{}{}
		items = append(items, item)
	}

	for _, item := range input.Items {
		if err := validateRef(item.Ref()); err != nil {
			return store.Commit{}, err
		}
		if _, err := s.GetVersion(ctx, item.Ref(), item.Version); err != nil {
			return store.Commit{}, err
		}
		add(item)
	}
	for _, target := range deployTargets(items) {
		orphans, err := s.store.ListUncommittedVersionsBelow(ctx, target.Ref(), target.Version)
		if err != nil {
			return store.Commit{}, translate(err)
		}
		for _, n := range orphans {
			add(store.CommitItem{Kind: target.Kind, EntityID: target.EntityID, Version: n})
		}
	}

	commit, err := s.store.CreateCommit(ctx, store.Commit{
		Description: strings.TrimSpace(input.Description),
		ExternalID:  strings.TrimSpace(input.ExternalID),
		AddedBy:     author.Name(),
		AddedOn:     s.now(),
		Items:       sortItems(items),
	})
	if err != nil {
		return store.Commit{}, translate(err)
	}

	if s.indexer != nil {
		s.indexer.IndexCommit(ctx, commit)
	}
	s.log.Info().Int64("commit_id", commit.ID).Int("items", len(commit.Items)).
		Str("actor", author.Name()).Msg("commit created")
	return commit, nil
}

// AttachOrphanVersions folds every uncommitted version of ref below version
// into an implicit commit. It returns 0 when there was nothing to attach.
func (s *Service) AttachOrphanVersions(ctx context.Context, ref store.EntityRef, version int, actor Identity) (int64, error) {
	if _, err := s.GetVersion(ctx, ref, version); err != nil {
		return 0, err
	}
	orphans, err := s.store.ListUncommittedVersionsBelow(ctx, ref, version)
	if err != nil {
		return 0, translate(err)
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	items := make([]store.CommitItem, 0, len(orphans))
	for _, n := range orphans {
		items = append(items, store.CommitItem{Kind: ref.Kind, EntityID: ref.EntityID, Version: n})
	}
	commit, err := s.store.CreateCommit(ctx, store.Commit{
		Description: fmt.Sprintf("Uncommitted versions of %s below %d", ref, version),
		AddedBy:     actor.Name(),
		AddedOn:     s.now(),
		Items:       items,
	})
	if err != nil {
		return 0, translate(err)
	}
	if s.indexer != nil {
		s.indexer.IndexCommit(ctx, commit)
	}
	s.log.Info().Int64("commit_id", commit.ID).Str("kind", string(ref.Kind)).Int64("entity_id", ref.EntityID).
		Ints("versions", orphans).Msg("orphan versions attached")
	return commit.ID, nil
}

// PromoteVersion promotes a single version outside of any commit. Lower
// uncommitted versions are attached first so every promotion is attributable.
func (s *Service) PromoteVersion(ctx context.Context, ref store.EntityRef, version int, env Environment, actor Identity) (store.PublishLogEntry, error) {
	if !env.Valid() {
		return store.PublishLogEntry{}, invalidf("unknown environment %d", int(env))
	}
	if _, err := s.AttachOrphanVersions(ctx, ref, version, actor); err != nil {
		return store.PublishLogEntry{}, err
	}
	return s.Promote(ctx, ref, version, env, actor)
}

func compareItems(a, b store.CommitItem) int {
	switch {
	case a.Kind != b.Kind:
		return strings.Compare(string(a.Kind), string(b.Kind))
	case a.EntityID != b.EntityID:
		if a.EntityID < b.EntityID {
			return -1
		}
		return 1
	default:
		return a.Version - b.Version
	}
}

func sortItems(items []store.CommitItem) []store.CommitItem {
	sorted := append([]store.CommitItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return compareItems(sorted[i], sorted[j]) < 0 })
	return sorted
}

// deployTargets keeps the highest version per entity, ordered by entity.
func deployTargets(items []store.CommitItem) []store.CommitItem {
	highest := map[store.EntityRef]store.CommitItem{}
	for _, item := range items {
		if current, ok := highest[item.Ref()]; !ok || item.Version > current.Version {
			highest[item.Ref()] = item
		}
	}
	targets := make([]store.CommitItem, 0, len(highest))
	for _, item := range highest {
		targets = append(targets, item)
	}
	return sortItems(targets)
}

// CommitItems lists a commit's rows, optionally restricted to one kind, with
// every row but the highest version per entity marked superseded.
func (s *Service) CommitItems(ctx context.Context, commitID int64, kind store.Kind) ([]CommitItemState, error) {
	if kind != "" && !kind.Valid() {
		return nil, invalidf("unknown entity kind %q", kind)
	}
	status, err := s.GetCommitStatus(ctx, commitID)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		return status.Items, nil
	}
	items := make([]CommitItemState, 0, len(status.Items))
	for _, item := range status.Items {
		if item.Kind == kind {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *Service) getCommit(ctx context.Context, id int64) (store.Commit, error) {
	commit, err := s.store.GetCommit(ctx, id)
	if err != nil {
		return store.Commit{}, fmt.Errorf("commit %d: %w", id, translate(err))
	}
	return commit, nil
}

// GetCommitStatus derives the environment flags of a commit from the current
// holders of its deploy targets.
func (s *Service) GetCommitStatus(ctx context.Context, commitID int64) (CommitStatus, error) {
	commit, err := s.getCommit(ctx, commitID)
	if err != nil {
		return CommitStatus{}, err
	}
	return s.commitStatus(ctx, commit)
}

func (s *Service) commitStatus(ctx context.Context, commit store.Commit) (CommitStatus, error) {
	status := CommitStatus{Commit: commit, ReviewStatus: store.ReviewNone}

	maps := map[store.EntityRef]EnvironmentMap{}
	for _, item := range commit.Items {
		if _, ok := maps[item.Ref()]; ok {
			continue
		}
		m, err := s.Environments(ctx, item.Ref())
		if err != nil {
			return CommitStatus{}, err
		}
		maps[item.Ref()] = m
	}

	targets := map[store.CommitItem]struct{}{}
	for _, target := range deployTargets(commit.Items) {
		targets[target] = struct{}{}
	}

	status.Items = make([]CommitItemState, 0, len(commit.Items))
	reached := map[Environment]bool{}
	for _, env := range Environments {
		reached[env] = len(targets) > 0
	}
	for _, item := range sortItems(commit.Items) {
		m := maps[item.Ref()]
		_, isTarget := targets[item]
		status.Items = append(status.Items, CommitItemState{
			CommitItem:   item,
			Superseded:   !isTarget,
			Environments: m.Held(item.Version),
		})
		if !isTarget {
			continue
		}
		for _, env := range Environments {
			if m.Get(env) != item.Version {
				reached[env] = false
			}
		}
	}
	status.IsTest = reached[EnvironmentTest]
	status.IsAcceptance = reached[EnvironmentAcceptance]
	status.IsLive = reached[EnvironmentLive]

	review, err := s.store.LatestReview(ctx, commit.ID)
	if err != nil {
		return CommitStatus{}, translate(err)
	}
	if review != nil {
		status.Review = review
		status.ReviewStatus = review.Status
	}
	return status, nil
}

// ListCommitsFilter narrows ListCommits. Open commits are those not yet fully live.
type ListCommitsFilter struct {
	IncludeCompleted bool
	Limit            int
}

func (s *Service) ListCommits(ctx context.Context, filter ListCommitsFilter) ([]CommitStatus, error) {
	commits, err := s.store.ListCommits(ctx, filter.Limit)
	if err != nil {
		return nil, translate(err)
	}
	statuses := make([]CommitStatus, 0, len(commits))
	for _, commit := range commits {
		status, err := s.commitStatus(ctx, commit)
		if err != nil {
			return nil, err
		}
		if !filter.IncludeCompleted && status.IsLive {
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

type plannedPromotion struct {
	commitID int64
	item     store.CommitItem
}

// DeployCommits promotes the deploy targets of every commit into env, in
// ascending commit id order. All commits are loaded and the review gate is
// checked before anything is promoted. The first failing promotion stops the
// call with a *PartialFailureError; items promoted before it stay promoted.
// Targets already overtaken in env by a newer version are skipped, so an old
// commit never regresses an environment.
func (s *Service) DeployCommits(ctx context.Context, commitIDs []int64, env Environment, actor Identity) (DeployReport, error) {
	report, err := s.deployCommits(ctx, commitIDs, env, actor)
	s.metrics.ObserveCommitDeploy(env.String(), err)
	return report, err
}

func (s *Service) deployCommits(ctx context.Context, commitIDs []int64, env Environment, actor Identity) (DeployReport, error) {
	report := DeployReport{Environment: env, Succeeded: []DeployItem{}, Skipped: []DeployItem{}, Commits: []CommitStatus{}}
	if !env.Valid() {
		return report, invalidf("unknown environment %d", int(env))
	}
	ids := uniqueSorted(commitIDs)
	if len(ids) == 0 {
		return report, invalidf("no commits to deploy")
	}

	commits := make([]store.Commit, 0, len(ids))
	for _, id := range ids {
		commit, err := s.getCommit(ctx, id)
		if err != nil {
			return report, err
		}
		commits = append(commits, commit)
	}
	if env.ReviewGated() {
		for _, commit := range commits {
			if err := s.checkReviewGate(ctx, commit.ID); err != nil {
				return report, err
			}
		}
	}

	plan := make([]plannedPromotion, 0)
	for _, commit := range commits {
		for _, target := range deployTargets(commit.Items) {
			plan = append(plan, plannedPromotion{commitID: commit.ID, item: target})
		}
	}

	for i, step := range plan {
		done, err := s.deployItem(ctx, step, env, actor)
		if err != nil {
			failed := DeployItem{CommitID: step.commitID, Item: step.item, Error: err.Error()}
			pending := make([]DeployItem, 0, len(plan)-i-1)
			for _, rest := range plan[i+1:] {
				pending = append(pending, DeployItem{CommitID: rest.commitID, Item: rest.item})
			}
			s.log.Warn().Err(err).Str("environment", env.String()).Int64("commit_id", step.commitID).
				Int("succeeded", len(report.Succeeded)).Int("skipped", len(report.Skipped)).Int("pending", len(pending)).Msg("commit deploy stopped")
			return report, &PartialFailureError{
				Environment: env,
				Succeeded:   report.Succeeded,
				Skipped:     report.Skipped,
				Failed:      failed,
				Pending:     pending,
				Cause:       err,
			}
		}
		if done.Log == nil {
			report.Skipped = append(report.Skipped, done)
		} else {
			report.Succeeded = append(report.Succeeded, done)
		}
	}

	for _, commit := range commits {
		status, err := s.commitStatus(ctx, commit)
		if err != nil {
			return report, err
		}
		report.Commits = append(report.Commits, status)
		if env == EnvironmentLive && status.IsLive {
			s.archiveRelease(ctx, status, report, actor)
		}
	}

	s.log.Info().Str("environment", env.String()).Ints64("commit_ids", ids).
		Int("promoted", len(report.Succeeded)).Int("skipped", len(report.Skipped)).
		Str("actor", actor.Name()).Msg("commits deployed")
	return report, nil
}

func (s *Service) deployItem(ctx context.Context, step plannedPromotion, env Environment, actor Identity) (DeployItem, error) {
	result := DeployItem{CommitID: step.commitID, Item: step.item}
	entry, skipped, err := s.promoteUnlessOvertaken(ctx, step.item.Ref(), step.item.Version, env, actor)
	if err != nil || skipped {
		return result, err
	}
	result.Log = &entry
	return result, nil
}

func (s *Service) checkReviewGate(ctx context.Context, commitID int64) error {
	review, err := s.store.LatestReview(ctx, commitID)
	if err != nil {
		return translate(err)
	}
	if review == nil {
		return nil
	}
	switch {
	case review.Status == store.ReviewPending:
		return fmt.Errorf("%w: commit %d has open review %d", ErrReviewPending, commitID, review.ID)
	case review.Status == store.ReviewRejected && s.policy.BlockRejected:
		return fmt.Errorf("%w: commit %d review %d was rejected", ErrReviewRejected, commitID, review.ID)
	}
	return nil
}

func uniqueSorted(ids []int64) []int64 {
	seen := map[int64]struct{}{}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Service) archiveRelease(ctx context.Context, status CommitStatus, report DeployReport, actor Identity) {
	if s.archiver == nil {
		return
	}
	manifest := archive.Manifest{
		CommitID:    status.Commit.ID,
		Description: status.Commit.Description,
		ExternalID:  status.Commit.ExternalID,
		Environment: EnvironmentLive.String(),
		DeployedBy:  actor.Name(),
		DeployedOn:  s.now(),
		Items:       make([]store.CommitItem, 0),
		PublishLog:  make([]store.PublishLogEntry, 0),
	}
	for _, item := range status.Items {
		if !item.Superseded {
			manifest.Items = append(manifest.Items, item.CommitItem)
		}
	}
	for _, done := range report.Succeeded {
		if done.CommitID == status.Commit.ID && done.Log != nil {
			manifest.PublishLog = append(manifest.PublishLog, *done.Log)
		}
	}

	err := s.archiver.ArchiveRelease(ctx, manifest)
	s.metrics.ObserveArchiveUpload(err)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Int64("commit_id", status.Commit.ID).Msg("archive release manifest")
	}
}
