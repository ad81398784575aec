package versioncontrol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/happy-geeks/wiser-sub008/internal/store"
)

// RequestReview opens a new pending review round on a commit. A commit can
// carry only one pending round; closed rounds stay in history.
func (s *Service) RequestReview(ctx context.Context, commitID int64, requester Identity, requested []store.ReviewUser, message string) (store.Review, error) {
	if strings.TrimSpace(requester.UserID) == "" {
		return store.Review{}, invalidf("requester is required")
	}
	users, err := normalizeReviewers(requested)
	if err != nil {
		return store.Review{}, err
	}
	if _, err := s.getCommit(ctx, commitID); err != nil {
		return store.Review{}, err
	}

	latest, err := s.store.LatestReview(ctx, commitID)
	if err != nil {
		return store.Review{}, translate(err)
	}
	if latest != nil && latest.Status == store.ReviewPending {
		return store.Review{}, fmt.Errorf("%w: commit %d already has pending review %d", ErrConflict, commitID, latest.ID)
	}

	review, err := s.store.CreateReview(ctx, store.Review{
		CommitID:        commitID,
		RequestedOn:     s.now(),
		RequestedBy:     requester.UserID,
		RequestedByName: requester.Name(),
		RequestedUsers:  users,
		Status:          store.ReviewPending,
	})
	if err != nil {
		return store.Review{}, translate(err)
	}

	if text := strings.TrimSpace(message); text != "" {
		if _, err := s.addComment(ctx, review.ID, requester, text); err != nil {
			return store.Review{}, err
		}
	}

	s.metrics.ObserveReviewTransition(string(store.ReviewPending))
	s.log.Info().Int64("commit_id", commitID).Int64("review_id", review.ID).
		Int("reviewers", len(users)).Str("actor", requester.Name()).Msg("review requested")
	return s.GetReview(ctx, review.ID)
}

func normalizeReviewers(requested []store.ReviewUser) ([]store.ReviewUser, error) {
	users := make([]store.ReviewUser, 0, len(requested))
	seen := map[string]struct{}{}
	for _, user := range requested {
		user.UserID = strings.TrimSpace(user.UserID)
		user.DisplayName = strings.TrimSpace(user.DisplayName)
		if user.UserID == "" {
			return nil, invalidf("requested user id is required")
		}
		if _, ok := seen[user.UserID]; ok {
			continue
		}
		seen[user.UserID] = struct{}{}
		users = append(users, user)
	}
	if len(users) == 0 {
		return nil, invalidf("at least one reviewer must be requested")
	}
	return users, nil
}

// SubmitDecision records an approval or rejection by one of the requested
// reviewers. Deciding again overwrites the status; every decision is also
// appended as a comment.
func (s *Service) SubmitDecision(ctx context.Context, reviewID int64, reviewer Identity, decision store.ReviewStatus, note string) (store.Review, error) {
	if decision != store.ReviewApproved && decision != store.ReviewRejected {
		return store.Review{}, invalidf("decision must be %q or %q", store.ReviewApproved, store.ReviewRejected)
	}
	review, err := s.GetReview(ctx, reviewID)
	if err != nil {
		return store.Review{}, err
	}
	if !review.IsRequested(reviewer.UserID) {
		return store.Review{}, fmt.Errorf("%w: %s is not a requested reviewer of review %d", ErrForbidden, reviewer.Name(), reviewID)
	}

	if err := s.store.UpdateReviewDecision(ctx, reviewID, decision, reviewer.reviewUser(), s.now()); err != nil {
		return store.Review{}, translate(err)
	}
	if _, err := s.addComment(ctx, reviewID, reviewer, decisionComment(reviewer, decision, note)); err != nil {
		return store.Review{}, err
	}

	s.metrics.ObserveReviewTransition(string(decision))
	s.log.Info().Int64("review_id", reviewID).Int64("commit_id", review.CommitID).
		Str("previous", string(review.Status)).Str("status", string(decision)).
		Str("actor", reviewer.Name()).Msg("review decided")
	return s.GetReview(ctx, reviewID)
}

func decisionComment(reviewer Identity, decision store.ReviewStatus, note string) string {
	text := fmt.Sprintf("%s %s the review.", reviewer.Name(), decision)
	if note = strings.TrimSpace(note); note != "" {
		text += " " + note
	}
	return text
}

// AddComment appends a comment in any review state.
func (s *Service) AddComment(ctx context.Context, reviewID int64, author Identity, text string) (store.ReviewComment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.ReviewComment{}, invalidf("comment text is required")
	}
	if _, err := s.GetReview(ctx, reviewID); err != nil {
		return store.ReviewComment{}, err
	}
	return s.addComment(ctx, reviewID, author, text)
}

func (s *Service) addComment(ctx context.Context, reviewID int64, author Identity, text string) (store.ReviewComment, error) {
	comment, err := s.store.InsertReviewComment(ctx, store.ReviewComment{
		ReviewID:    reviewID,
		AddedOn:     s.now(),
		AddedBy:     author.UserID,
		AddedByName: author.Name(),
		Text:        text,
	})
	if err != nil {
		return store.ReviewComment{}, fmt.Errorf("review %d: %w", reviewID, translate(err))
	}
	return comment, nil
}

func (s *Service) GetReview(ctx context.Context, reviewID int64) (store.Review, error) {
	review, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return store.Review{}, fmt.Errorf("review %d: %w", reviewID, translate(err))
	}
	return review, nil
}

// ListReviews returns every review round of a commit, oldest first.
func (s *Service) ListReviews(ctx context.Context, commitID int64) ([]store.Review, error) {
	if _, err := s.getCommit(ctx, commitID); err != nil {
		return nil, err
	}
	reviews, err := s.store.ListReviews(ctx, commitID)
	return reviews, translate(err)
}

// IsReviewBlocked reports whether an error came from the review gate.
func IsReviewBlocked(err error) bool {
	return errors.Is(err, ErrReviewPending) || errors.Is(err, ErrReviewRejected)
}
