package versioncontrol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/happy-geeks/wiser-sub008/internal/lock"
	"github.com/happy-geeks/wiser-sub008/internal/store"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrReviewPending   = errors.New("review pending")
	ErrReviewRejected  = errors.New("review rejected")
	ErrForbidden       = errors.New("forbidden")
	ErrPartialFailure  = errors.New("partial failure")
)

// translate maps storage and lock errors onto the domain sentinels while
// keeping the original message.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidArgument):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrConflict), errors.Is(err, lock.ErrNotAcquired):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}

// DeployItem is one promotion attempted (or not) by a commit deployment.
type DeployItem struct {
	CommitID int64                  `json:"commitId"`
	Item     store.CommitItem       `json:"item"`
	Log      *store.PublishLogEntry `json:"log,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// PartialFailureError reports a deployment that stopped midway. Items in
// Succeeded stay promoted; Skipped were already overtaken in the environment.
type PartialFailureError struct {
	Environment Environment
	Succeeded   []DeployItem
	Skipped     []DeployItem
	Failed      DeployItem
	Pending     []DeployItem
	Cause       error
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "deploy to %s stopped at commit %d item %s v%d: %v",
		e.Environment, e.Failed.CommitID, e.Failed.Item.Ref(), e.Failed.Item.Version, e.Cause)
	fmt.Fprintf(&b, " (%d succeeded, %d skipped, %d not attempted)", len(e.Succeeded), len(e.Skipped), len(e.Pending))
	return b.String()
}

func (e *PartialFailureError) Unwrap() error {
	return e.Cause
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}
