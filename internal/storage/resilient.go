package storage

import (
	"context"
	"errors"
	"log"
	"time"
)

// ResilientStore sends every call to the durable primary and, when the primary
// fails, retries it on an in-memory secondary. Availability wins over strict
// durability: writes that land in the secondary are lost on restart, a counter
// first touched during an outage starts from zero there, and turns appended to
// the secondary are not visible once the primary answers again.
type ResilientStore struct {
	primary    Store
	secondary  Store
	onFallback func(op string)
}

func NewResilientStore(primary, secondary Store, onFallback func(op string)) *ResilientStore {
	if onFallback == nil {
		onFallback = func(string) {}
	}
	return &ResilientStore{primary: primary, secondary: secondary, onFallback: onFallback}
}

// fallback reports whether op should be retried on the secondary. A caller
// that went away is not a backend failure.
func (s *ResilientStore) fallback(ctx context.Context, op string, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	log.Printf("⚠️ store %s failed, using in-memory fallback: %v", op, err)
	s.onFallback(op)
	return true
}

func (s *ResilientStore) GetUser(ctx context.Context, id, today string) (User, error) {
	u, err := s.primary.GetUser(ctx, id, today)
	if err != nil {
		if !s.fallback(ctx, "get_user", err) {
			return User{}, ctx.Err()
		}
		return s.secondary.GetUser(ctx, id, today)
	}
	return u, nil
}

func (s *ResilientStore) IncrementCount(ctx context.Context, id, today string, limit int) (int, error) {
	n, err := s.primary.IncrementCount(ctx, id, today, limit)
	if err != nil && !errors.Is(err, ErrLimitReached) {
		if !s.fallback(ctx, "increment_count", err) {
			return 0, ctx.Err()
		}
		return s.secondary.IncrementCount(ctx, id, today, limit)
	}
	return n, err
}

// ResetAllCounts resets both stores so counters parked in the secondary do not
// survive the day boundary.
func (s *ResilientStore) ResetAllCounts(ctx context.Context, today string) (bool, error) {
	secondaryDone, _ := s.secondary.ResetAllCounts(ctx, today)
	done, err := s.primary.ResetAllCounts(ctx, today)
	if err != nil {
		if !s.fallback(ctx, "reset_all_counts", err) {
			return false, ctx.Err()
		}
		return secondaryDone, nil
	}
	return done, nil
}

func (s *ResilientStore) GetGrant(ctx context.Context, id string) (*Grant, error) {
	g, err := s.primary.GetGrant(ctx, id)
	if err != nil {
		if !s.fallback(ctx, "get_grant", err) {
			return nil, ctx.Err()
		}
		return s.secondary.GetGrant(ctx, id)
	}
	if g == nil {
		// a grant redeemed while the primary was down
		return s.secondary.GetGrant(ctx, id)
	}
	return g, nil
}

func (s *ResilientStore) PutGrant(ctx context.Context, g Grant) error {
	if err := s.primary.PutGrant(ctx, g); err != nil {
		if !s.fallback(ctx, "put_grant", err) {
			return ctx.Err()
		}
		return s.secondary.PutGrant(ctx, g)
	}
	return nil
}

func (s *ResilientStore) DeleteGrant(ctx context.Context, id string) (bool, error) {
	fromSecondary, _ := s.secondary.DeleteGrant(ctx, id)
	ok, err := s.primary.DeleteGrant(ctx, id)
	if err != nil {
		if !s.fallback(ctx, "delete_grant", err) {
			return false, ctx.Err()
		}
		return fromSecondary, nil
	}
	return ok || fromSecondary, nil
}

func (s *ResilientStore) PurgeExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	fromSecondary, _ := s.secondary.PurgeExpiredGrants(ctx, now)
	n, err := s.primary.PurgeExpiredGrants(ctx, now)
	if err != nil {
		if !s.fallback(ctx, "purge_grants", err) {
			return 0, ctx.Err()
		}
		return fromSecondary, nil
	}
	return n + fromSecondary, nil
}

func (s *ResilientStore) AppendTurns(ctx context.Context, id string, window int, turns ...Turn) error {
	if err := s.primary.AppendTurns(ctx, id, window, turns...); err != nil {
		if !s.fallback(ctx, "append_turns", err) {
			return ctx.Err()
		}
		return s.secondary.AppendTurns(ctx, id, window, turns...)
	}
	return nil
}

func (s *ResilientStore) GetHistory(ctx context.Context, id string) ([]Turn, error) {
	turns, err := s.primary.GetHistory(ctx, id)
	if err != nil {
		if !s.fallback(ctx, "get_history", err) {
			return nil, ctx.Err()
		}
		return s.secondary.GetHistory(ctx, id)
	}
	return turns, nil
}

func (s *ResilientStore) ClearHistory(ctx context.Context, id string) error {
	_ = s.secondary.ClearHistory(ctx, id)
	if err := s.primary.ClearHistory(ctx, id); err != nil {
		if !s.fallback(ctx, "clear_history", err) {
			return ctx.Err()
		}
	}
	return nil
}

func (s *ResilientStore) Stats(ctx context.Context) (Stats, error) {
	st, err := s.primary.Stats(ctx)
	if err != nil {
		if !s.fallback(ctx, "stats", err) {
			return Stats{}, ctx.Err()
		}
		return s.secondary.Stats(ctx)
	}
	return st, nil
}

func (s *ResilientStore) Close() error {
	_ = s.secondary.Close()
	return s.primary.Close()
}

var _ Store = (*ResilientStore)(nil)
