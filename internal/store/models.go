package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Kind names a versioned entity type.
type Kind string

const (
	KindTemplate       Kind = "template"
	KindDynamicContent Kind = "dynamic_content"
)

func (k Kind) Valid() bool {
	return k == KindTemplate || k == KindDynamicContent
}

// EntityRef identifies one versioned entity.
type EntityRef struct {
	Kind     Kind  `json:"kind"`
	EntityID int64 `json:"entityId"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.EntityID)
}

// Version is one immutable snapshot of an entity. Published is the bitmask of
// environments the version currently occupies.
type Version struct {
	Kind      Kind      `json:"kind"`
	EntityID  int64     `json:"entityId"`
	Version   int       `json:"version"`
	Payload   string    `json:"payload"`
	ChangedBy string    `json:"changedBy"`
	ChangedOn time.Time `json:"changedOn"`
	Published int       `json:"published"`
}

func (v Version) Ref() EntityRef {
	return EntityRef{Kind: v.Kind, EntityID: v.EntityID}
}

// PublishLogEntry records the environment holders of an entity before and
// after one promotion. Zero means no version held the level.
type PublishLogEntry struct {
	ID            int64     `json:"id"`
	Kind          Kind      `json:"kind"`
	EntityID      int64     `json:"entityId"`
	OldTest       int       `json:"oldTest"`
	OldAcceptance int       `json:"oldAcceptance"`
	OldLive       int       `json:"oldLive"`
	NewTest       int       `json:"newTest"`
	NewAcceptance int       `json:"newAcceptance"`
	NewLive       int       `json:"newLive"`
	ChangedBy     string    `json:"changedBy"`
	ChangedOn     time.Time `json:"changedOn"`
}

type Commit struct {
	ID          int64        `json:"id"`
	Description string       `json:"description"`
	ExternalID  string       `json:"externalId"`
	AddedBy     string       `json:"addedBy"`
	AddedOn     time.Time    `json:"addedOn"`
	Items       []CommitItem `json:"items"`
}

type CommitItem struct {
	Kind     Kind  `json:"kind"`
	EntityID int64 `json:"entityId"`
	Version  int   `json:"version"`
}

func (i CommitItem) Ref() EntityRef {
	return EntityRef{Kind: i.Kind, EntityID: i.EntityID}
}

type ReviewStatus string

const (
	ReviewNone     ReviewStatus = "none"
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

type ReviewUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type Review struct {
	ID              int64           `json:"id"`
	CommitID        int64           `json:"commitId"`
	RequestedOn     time.Time       `json:"requestedOn"`
	RequestedBy     string          `json:"requestedBy"`
	RequestedByName string          `json:"requestedByName"`
	RequestedUsers  []ReviewUser    `json:"requestedUsers"`
	Status          ReviewStatus    `json:"status"`
	ReviewedOn      *time.Time      `json:"reviewedOn,omitempty"`
	ReviewedBy      string          `json:"reviewedBy,omitempty"`
	ReviewedByName  string          `json:"reviewedByName,omitempty"`
	Comments        []ReviewComment `json:"comments"`
}

// IsRequested reports whether userID is one of the requested reviewers.
func (r Review) IsRequested(userID string) bool {
	for _, user := range r.RequestedUsers {
		if user.UserID == userID {
			return true
		}
	}
	return false
}

type ReviewComment struct {
	ID          int64     `json:"id"`
	ReviewID    int64     `json:"reviewId"`
	AddedOn     time.Time `json:"addedOn"`
	AddedBy     string    `json:"addedBy"`
	AddedByName string    `json:"addedByName"`
	Text        string    `json:"text"`
}

// EntityTx is a unit of work on a single entity. Implementations hold the
// entity's version rows locked until the transaction ends.
type EntityTx interface {
	// Versions returns every version of the entity, oldest first.
	Versions(ctx context.Context) ([]Version, error)
	SetPublished(ctx context.Context, version int, mask int) error
	InsertPublishLog(ctx context.Context, entry PublishLogEntry) (PublishLogEntry, error)
}
