package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const defaultLockTimeout = 5 * time.Second

type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: defaultLockTimeout}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// translateError maps driver errors onto the package sentinels. Serialization
// failures, deadlocks, lock timeouts and unique violations all mean another
// writer won the race.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

const versionColumns = `kind, entity_id, version, payload, changed_by, changed_on, published_environment`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (Version, error) {
	var v Version
	err := row.Scan(&v.Kind, &v.EntityID, &v.Version, &v.Payload, &v.ChangedBy, &v.ChangedOn, &v.Published)
	return v, err
}

func (s *PostgresStore) CreateVersion(ctx context.Context, ref EntityRef, payload, author string) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin create version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Concurrent saves of the same entity queue here instead of racing for max+1.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ref.String()); err != nil {
		return Version{}, fmt.Errorf("lock entity %s: %w", ref, translateError(err))
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO entity_versions (kind, entity_id, version, payload, changed_by)
		SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4
		FROM entity_versions
		WHERE kind = $1 AND entity_id = $2
		RETURNING `+versionColumns, ref.Kind, ref.EntityID, payload, author)
	version, err := scanVersion(row)
	if err != nil {
		return Version{}, fmt.Errorf("insert version: %w", translateError(err))
	}
	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit create version: %w", translateError(err))
	}
	return version, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, ref EntityRef, version int) (Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM entity_versions
		WHERE kind = $1 AND entity_id = $2 AND version = $3
	`, ref.Kind, ref.EntityID, version)
	v, err := scanVersion(row)
	if err != nil {
		return Version{}, translateError(err)
	}
	return v, nil
}

func (s *PostgresStore) GetLatestVersion(ctx context.Context, ref EntityRef) (Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM entity_versions
		WHERE kind = $1 AND entity_id = $2
		ORDER BY version DESC
		LIMIT 1
	`, ref.Kind, ref.EntityID)
	v, err := scanVersion(row)
	if err != nil {
		return Version{}, translateError(err)
	}
	return v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, ref EntityRef) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM entity_versions
		WHERE kind = $1 AND entity_id = $2
		ORDER BY version ASC
	`, ref.Kind, ref.EntityID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	return collectVersions(rows)
}

func collectVersions(rows *sql.Rows) ([]Version, error) {
	items := make([]Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListUncommittedVersionsBelow(ctx context.Context, ref EntityRef, version int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.version
		FROM entity_versions v
		WHERE v.kind = $1 AND v.entity_id = $2 AND v.version < $3
			AND NOT EXISTS (
				SELECT 1 FROM commit_items ci
				WHERE ci.kind = v.kind AND ci.entity_id = v.entity_id AND ci.version = v.version
			)
		ORDER BY v.version ASC
	`, ref.Kind, ref.EntityID, version)
	if err != nil {
		return nil, fmt.Errorf("list uncommitted versions: %w", err)
	}
	defer rows.Close()

	items := make([]int, 0)
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

// WithEntityTx runs fn in a transaction that holds the entity's version rows
// locked. Waiting longer than the lock timeout yields ErrConflict.
func (s *PostgresStore) WithEntityTx(ctx context.Context, ref EntityRef, fn func(EntityTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin entity tx: %w", translateError(err))
	}
	defer func() { _ = tx.Rollback() }()

	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, timeout); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err := fn(&postgresEntityTx{tx: tx, ref: ref}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entity tx: %w", translateError(err))
	}
	return nil
}

type postgresEntityTx struct {
	tx  *sql.Tx
	ref EntityRef
}

func (t *postgresEntityTx) Versions(ctx context.Context) ([]Version, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM entity_versions
		WHERE kind = $1 AND entity_id = $2
		ORDER BY version ASC
		FOR UPDATE
	`, t.ref.Kind, t.ref.EntityID)
	if err != nil {
		return nil, fmt.Errorf("lock versions %s: %w", t.ref, translateError(err))
	}
	defer rows.Close()
	items, err := collectVersions(rows)
	if err != nil {
		return nil, fmt.Errorf("lock versions %s: %w", t.ref, translateError(err))
	}
	return items, nil
}

func (t *postgresEntityTx) SetPublished(ctx context.Context, version int, mask int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE entity_versions SET published_environment = $4
		WHERE kind = $1 AND entity_id = $2 AND version = $3
	`, t.ref.Kind, t.ref.EntityID, version, mask)
	if err != nil {
		return fmt.Errorf("set published %s v%d: %w", t.ref, version, translateError(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresEntityTx) InsertPublishLog(ctx context.Context, entry PublishLogEntry) (PublishLogEntry, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO publish_log (kind, entity_id, old_test, old_acceptance, old_live, new_test, new_acceptance, new_live, changed_by, changed_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, t.ref.Kind, t.ref.EntityID, entry.OldTest, entry.OldAcceptance, entry.OldLive,
		entry.NewTest, entry.NewAcceptance, entry.NewLive, entry.ChangedBy, entry.ChangedOn).Scan(&entry.ID)
	if err != nil {
		return PublishLogEntry{}, fmt.Errorf("insert publish log: %w", translateError(err))
	}
	entry.Kind = t.ref.Kind
	entry.EntityID = t.ref.EntityID
	return entry, nil
}

func (s *PostgresStore) ListPublishLog(ctx context.Context, ref EntityRef, limit int) ([]PublishLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, entity_id, old_test, old_acceptance, old_live, new_test, new_acceptance, new_live, changed_by, changed_on
		FROM publish_log
		WHERE kind = $1 AND entity_id = $2
		ORDER BY id DESC
		LIMIT $3
	`, ref.Kind, ref.EntityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list publish log: %w", err)
	}
	defer rows.Close()

	items := make([]PublishLogEntry, 0)
	for rows.Next() {
		var e PublishLogEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.EntityID, &e.OldTest, &e.OldAcceptance, &e.OldLive,
			&e.NewTest, &e.NewAcceptance, &e.NewLive, &e.ChangedBy, &e.ChangedOn); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreateCommit(ctx context.Context, commit Commit) (Commit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Commit{}, fmt.Errorf("begin create commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO commits (description, external_id, added_by, added_on)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, commit.Description, commit.ExternalID, commit.AddedBy, commit.AddedOn).Scan(&commit.ID)
	if err != nil {
		return Commit{}, fmt.Errorf("insert commit: %w", err)
	}

	for _, item := range commit.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commit_items (commit_id, kind, entity_id, version)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, commit.ID, item.Kind, item.EntityID, item.Version); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return Commit{}, fmt.Errorf("commit item %s v%d: %w", item.Ref(), item.Version, ErrNotFound)
			}
			return Commit{}, fmt.Errorf("insert commit item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Commit{}, fmt.Errorf("commit create commit: %w", translateError(err))
	}
	return commit, nil
}

const commitColumns = `id, description, external_id, added_by, added_on`

func (s *PostgresStore) GetCommit(ctx context.Context, id int64) (Commit, error) {
	var c Commit
	err := s.db.QueryRowContext(ctx, `SELECT `+commitColumns+` FROM commits WHERE id = $1`, id).
		Scan(&c.ID, &c.Description, &c.ExternalID, &c.AddedBy, &c.AddedOn)
	if err != nil {
		return Commit{}, translateError(err)
	}
	items, err := s.commitItems(ctx, id)
	if err != nil {
		return Commit{}, err
	}
	c.Items = items
	return c, nil
}

func (s *PostgresStore) commitItems(ctx context.Context, commitID int64) ([]CommitItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, entity_id, version
		FROM commit_items
		WHERE commit_id = $1
		ORDER BY kind, entity_id, version
	`, commitID)
	if err != nil {
		return nil, fmt.Errorf("list commit items: %w", err)
	}
	defer rows.Close()

	items := make([]CommitItem, 0)
	for rows.Next() {
		var item CommitItem
		if err := rows.Scan(&item.Kind, &item.EntityID, &item.Version); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListCommits returns commits newest first with their items.
func (s *PostgresStore) ListCommits(ctx context.Context, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+commitColumns+` FROM commits ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	commits, err := scanCommits(rows)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	return s.withItems(ctx, commits)
}

// SearchCommits matches text against description and external id.
func (s *PostgresStore) SearchCommits(ctx context.Context, text string, limit, offset int) ([]Commit, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	pattern := "%" + escapeLike(strings.TrimSpace(text)) + "%"

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM commits
		WHERE description ILIKE $1 OR external_id ILIKE $1
	`, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count commits: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM commits
		WHERE description ILIKE $1 OR external_id ILIKE $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search commits: %w", err)
	}
	commits, err := scanCommits(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("search commits: %w", err)
	}
	commits, err = s.withItems(ctx, commits)
	return commits, total, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanCommits(rows *sql.Rows) ([]Commit, error) {
	defer rows.Close()
	commits := make([]Commit, 0)
	for rows.Next() {
		var c Commit
		if err := rows.Scan(&c.ID, &c.Description, &c.ExternalID, &c.AddedBy, &c.AddedOn); err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

func (s *PostgresStore) withItems(ctx context.Context, commits []Commit) ([]Commit, error) {
	for i := range commits {
		items, err := s.commitItems(ctx, commits[i].ID)
		if err != nil {
			return nil, err
		}
		commits[i].Items = items
	}
	return commits, nil
}

// CreateReview inserts a pending review round. A second pending round for the
// same commit violates the partial unique index and yields ErrConflict.
func (s *PostgresStore) CreateReview(ctx context.Context, review Review) (Review, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Review{}, fmt.Errorf("begin create review: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO reviews (commit_id, requested_on, requested_by, requested_by_name, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, review.CommitID, review.RequestedOn, review.RequestedBy, review.RequestedByName, review.Status).Scan(&review.ID)
	if err != nil {
		return Review{}, fmt.Errorf("insert review: %w", translateError(err))
	}

	for _, user := range review.RequestedUsers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_requested_users (review_id, user_id, display_name)
			VALUES ($1, $2, $3)
			ON CONFLICT (review_id, user_id) DO NOTHING
		`, review.ID, user.UserID, user.DisplayName); err != nil {
			return Review{}, fmt.Errorf("insert requested user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Review{}, fmt.Errorf("commit create review: %w", translateError(err))
	}
	review.Comments = make([]ReviewComment, 0)
	return review, nil
}

const reviewColumns = `id, commit_id, requested_on, requested_by, requested_by_name, status, reviewed_on, COALESCE(reviewed_by, ''), COALESCE(reviewed_by_name, '')`

func scanReview(row rowScanner) (Review, error) {
	var r Review
	var reviewedOn sql.NullTime
	err := row.Scan(&r.ID, &r.CommitID, &r.RequestedOn, &r.RequestedBy, &r.RequestedByName, &r.Status,
		&reviewedOn, &r.ReviewedBy, &r.ReviewedByName)
	if err != nil {
		return Review{}, err
	}
	if reviewedOn.Valid {
		at := reviewedOn.Time
		r.ReviewedOn = &at
	}
	return r, nil
}

func (s *PostgresStore) GetReview(ctx context.Context, id int64) (Review, error) {
	review, err := scanReview(s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = $1`, id))
	if err != nil {
		return Review{}, translateError(err)
	}
	return s.hydrateReview(ctx, review)
}

// LatestReview returns the newest review round of a commit, or nil when the
// commit was never submitted for review.
func (s *PostgresStore) LatestReview(ctx context.Context, commitID int64) (*Review, error) {
	review, err := scanReview(s.db.QueryRowContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE commit_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, commitID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest review: %w", err)
	}
	review, err = s.hydrateReview(ctx, review)
	if err != nil {
		return nil, err
	}
	return &review, nil
}

func (s *PostgresStore) ListReviews(ctx context.Context, commitID int64) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE commit_id = $1 ORDER BY id ASC`, commitID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	reviews := make([]Review, 0)
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		reviews = append(reviews, review)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range reviews {
		if reviews[i], err = s.hydrateReview(ctx, reviews[i]); err != nil {
			return nil, err
		}
	}
	return reviews, nil
}

func (s *PostgresStore) hydrateReview(ctx context.Context, review Review) (Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, display_name FROM review_requested_users
		WHERE review_id = $1
		ORDER BY user_id
	`, review.ID)
	if err != nil {
		return Review{}, fmt.Errorf("list requested users: %w", err)
	}
	review.RequestedUsers = make([]ReviewUser, 0)
	for rows.Next() {
		var user ReviewUser
		if err := rows.Scan(&user.UserID, &user.DisplayName); err != nil {
			rows.Close()
			return Review{}, err
		}
		review.RequestedUsers = append(review.RequestedUsers, user)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Review{}, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, review_id, added_on, added_by, added_by_name, text
		FROM review_comments
		WHERE review_id = $1
		ORDER BY id ASC
	`, review.ID)
	if err != nil {
		return Review{}, fmt.Errorf("list review comments: %w", err)
	}
	defer rows.Close()
	review.Comments = make([]ReviewComment, 0)
	for rows.Next() {
		var c ReviewComment
		if err := rows.Scan(&c.ID, &c.ReviewID, &c.AddedOn, &c.AddedBy, &c.AddedByName, &c.Text); err != nil {
			return Review{}, err
		}
		review.Comments = append(review.Comments, c)
	}
	return review, rows.Err()
}

func (s *PostgresStore) UpdateReviewDecision(ctx context.Context, id int64, status ReviewStatus, reviewer ReviewUser, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reviews
		SET status = $2, reviewed_on = $3, reviewed_by = $4, reviewed_by_name = $5
		WHERE id = $1
	`, id, status, at, reviewer.UserID, reviewer.DisplayName)
	if err != nil {
		return fmt.Errorf("update review decision: %w", translateError(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertReviewComment(ctx context.Context, comment ReviewComment) (ReviewComment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO review_comments (review_id, added_on, added_by, added_by_name, text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, comment.ReviewID, comment.AddedOn, comment.AddedBy, comment.AddedByName, comment.Text).Scan(&comment.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ReviewComment{}, ErrNotFound
		}
		return ReviewComment{}, fmt.Errorf("insert review comment: %w", err)
	}
	return comment, nil
}
