package storage

import (
	"context"
	"errors"
	"time"
)

// Roles of a conversation turn.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

var (
	// ErrLimitReached is returned by IncrementCount when the counter is already at the limit.
	ErrLimitReached = errors.New("message limit reached")
	// ErrUnavailable wraps failures of the durable backend.
	ErrUnavailable = errors.New("store unavailable")
)

// User is the per-user quota record. ResetDay is a calendar date (YYYY-MM-DD)
// in the server location.
type User struct {
	ID       string `json:"id"`
	Count    int    `json:"count"`
	ResetDay string `json:"reset_day"`
}

// Grant is an unlock key redeemed by a user. It is active while now < Expiry.
type Grant struct {
	UserID string    `json:"user_id"`
	Key    string    `json:"key"`
	Expiry time.Time `json:"expiry"`
}

// Active reports whether the grant still lifts the daily limit at now.
func (g *Grant) Active(now time.Time) bool {
	return g != nil && now.Before(g.Expiry)
}

// Turn is a single message of a conversation.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats are coarse collection sizes for operators.
type Stats struct {
	Users         int `json:"users"`
	Conversations int `json:"conversations"`
	Grants        int `json:"grants"`
}

// Store abstracts persistence of quota counters, unlock grants and conversation history.
// Implementations must be safe for concurrent use: increments and resets for the
// same user never interleave, and appends for the same user are serialized.
type Store interface {
	// GetUser returns the user record, creating a zeroed one on first access.
	GetUser(ctx context.Context, id, today string) (User, error)
	// IncrementCount atomically increments the user's counter for today and returns
	// the new value. A counter from an earlier day counts as zero. With limit > 0
	// a counter already at limit is left untouched and ErrLimitReached is returned.
	IncrementCount(ctx context.Context, id, today string, limit int) (int, error)
	// ResetAllCounts zeroes every counter once per day. It reports false when
	// today was already reset.
	ResetAllCounts(ctx context.Context, today string) (bool, error)

	GetGrant(ctx context.Context, id string) (*Grant, error)
	PutGrant(ctx context.Context, g Grant) error
	DeleteGrant(ctx context.Context, id string) (bool, error)
	PurgeExpiredGrants(ctx context.Context, now time.Time) (int, error)

	// AppendTurns appends turns in order as one unit and keeps only the last window turns.
	AppendTurns(ctx context.Context, id string, window int, turns ...Turn) error
	GetHistory(ctx context.Context, id string) ([]Turn, error)
	ClearHistory(ctx context.Context, id string) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
