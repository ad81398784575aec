package versioncontrol

import (
	"context"
	"fmt"

	"github.com/happy-geeks/wiser-sub008/internal/store"
)

func promotionLockKey(ref store.EntityRef) string {
	return "promote:" + ref.String()
}

// Promote moves version of ref into env and cascades it into every lower level
// still held by an older version. Exactly one publish log row is written per
// call, including calls that change nothing.
func (s *Service) Promote(ctx context.Context, ref store.EntityRef, version int, env Environment, actor Identity) (store.PublishLogEntry, error) {
	entry, _, err := s.promoteObserved(ctx, ref, version, env, actor, false)
	return entry, err
}

// promoteUnlessOvertaken is Promote, except that it leaves the entity untouched
// and reports skipped when env already holds a newer version. The check runs
// under the promotion lock against the locked version rows.
func (s *Service) promoteUnlessOvertaken(ctx context.Context, ref store.EntityRef, version int, env Environment, actor Identity) (store.PublishLogEntry, bool, error) {
	return s.promoteObserved(ctx, ref, version, env, actor, true)
}

func (s *Service) promoteObserved(ctx context.Context, ref store.EntityRef, version int, env Environment, actor Identity, skipOvertaken bool) (store.PublishLogEntry, bool, error) {
	if err := validateRef(ref); err != nil {
		return store.PublishLogEntry{}, false, err
	}
	if !env.Valid() {
		return store.PublishLogEntry{}, false, invalidf("unknown environment %d", int(env))
	}
	if version <= 0 {
		return store.PublishLogEntry{}, false, fmt.Errorf("%w: %s version %d", ErrNotFound, ref, version)
	}

	started := s.now()
	entry, skipped, err := s.promote(ctx, ref, version, env, actor, skipOvertaken)
	if skipped {
		s.log.Debug().Str("kind", string(ref.Kind)).
			Int64("entity_id", ref.EntityID).
			Int("version", version).
			Str("environment", env.String()).
			Msg("promote skipped, environment holds a newer version")
		return entry, true, nil
	}
	s.metrics.ObservePromotion(env.String(), started, err)

	event := s.log.Info()
	if err != nil {
		event = s.log.Warn().Err(err)
	}
	event.Str("kind", string(ref.Kind)).
		Int64("entity_id", ref.EntityID).
		Int("version", version).
		Str("environment", env.String()).
		Str("actor", actor.Name()).
		Msg("promote")
	return entry, false, err
}

func (s *Service) promote(ctx context.Context, ref store.EntityRef, version int, env Environment, actor Identity, skipOvertaken bool) (store.PublishLogEntry, bool, error) {
	release, err := s.locker.Acquire(ctx, promotionLockKey(ref))
	if err != nil {
		return store.PublishLogEntry{}, false, translate(err)
	}
	defer release()

	var (
		entry   store.PublishLogEntry
		skipped bool
	)
	err = s.store.WithEntityTx(ctx, ref, func(tx store.EntityTx) error {
		versions, err := tx.Versions(ctx)
		if err != nil {
			return err
		}
		if !hasVersion(versions, version) {
			return fmt.Errorf("%w: %s version %d", ErrNotFound, ref, version)
		}

		before := NewEnvironmentMap(versions)
		if skipOvertaken && before.Get(env) > version {
			skipped = true
			return nil
		}
		after := before.Promoted(version, env)
		for _, v := range versions {
			mask := after.Bitmask(v.Version)
			if mask == v.Published {
				continue
			}
			if err := tx.SetPublished(ctx, v.Version, mask); err != nil {
				return err
			}
		}

		entry, err = tx.InsertPublishLog(ctx, store.PublishLogEntry{
			Kind:          ref.Kind,
			EntityID:      ref.EntityID,
			OldTest:       before.Get(EnvironmentTest),
			OldAcceptance: before.Get(EnvironmentAcceptance),
			OldLive:       before.Get(EnvironmentLive),
			NewTest:       after.Get(EnvironmentTest),
			NewAcceptance: after.Get(EnvironmentAcceptance),
			NewLive:       after.Get(EnvironmentLive),
			ChangedBy:     actor.Name(),
			ChangedOn:     s.now(),
		})
		return err
	})
	if err != nil {
		return store.PublishLogEntry{}, false, translate(err)
	}
	return entry, skipped, nil
}

func hasVersion(versions []store.Version, version int) bool {
	for _, v := range versions {
		if v.Version == version {
			return true
		}
	}
	return false
}

// History returns the publish log of ref, newest first.
func (s *Service) History(ctx context.Context, ref store.EntityRef, limit int) ([]store.PublishLogEntry, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	items, err := s.store.ListPublishLog(ctx, ref, limit)
	return items, translate(err)
}
