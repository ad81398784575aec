package versioncontrol

import (
	"context"
	"fmt"

	"github.com/happy-geeks/wiser-sub008/internal/store"
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// CreateVersion stores payload as the next version of ref. New versions are
// not published anywhere.
func (s *Service) CreateVersion(ctx context.Context, ref store.EntityRef, payload string, author Identity) (store.Version, error) {
	if err := validateRef(ref); err != nil {
		return store.Version{}, err
	}
	v, err := s.store.CreateVersion(ctx, ref, payload, author.Name())
	if err != nil {
		return store.Version{}, translate(err)
	}
	s.log.Debug().Str("kind", string(ref.Kind)).Int64("entity_id", ref.EntityID).Int("version", v.Version).
		Str("actor", author.Name()).Msg("version created")
	return v, nil
}

func (s *Service) GetVersion(ctx context.Context, ref store.EntityRef, version int) (store.Version, error) {
	if err := validateRef(ref); err != nil {
		return store.Version{}, err
	}
	v, err := s.store.GetVersion(ctx, ref, version)
	if err != nil {
		return store.Version{}, fmt.Errorf("%s version %d: %w", ref, version, translate(err))
	}
	return v, nil
}

func (s *Service) GetLatest(ctx context.Context, ref store.EntityRef) (store.Version, error) {
	if err := validateRef(ref); err != nil {
		return store.Version{}, err
	}
	v, err := s.store.GetLatestVersion(ctx, ref)
	if err != nil {
		return store.Version{}, fmt.Errorf("latest version of %s: %w", ref, translate(err))
	}
	return v, nil
}

// ListVersions returns all versions oldest first. An unknown entity yields an
// empty list.
func (s *Service) ListVersions(ctx context.Context, ref store.EntityRef) ([]store.Version, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	items, err := s.store.ListVersions(ctx, ref)
	return items, translate(err)
}

func (s *Service) ListUncommittedVersionsBelow(ctx context.Context, ref store.EntityRef, version int) ([]int, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	items, err := s.store.ListUncommittedVersionsBelow(ctx, ref, version)
	return items, translate(err)
}

// Environments returns the current holder of every level for ref.
func (s *Service) Environments(ctx context.Context, ref store.EntityRef) (EnvironmentMap, error) {
	versions, err := s.ListVersions(ctx, ref)
	if err != nil {
		return EnvironmentMap{}, err
	}
	return NewEnvironmentMap(versions), nil
}
