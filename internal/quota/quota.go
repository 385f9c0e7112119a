// Package quota decides whether a user may send another message today.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"ai-chatpal/internal/metrics"
	"ai-chatpal/internal/storage"
)

const dayLayout = "2006-01-02"

var (
	ErrQuotaExceeded = errors.New("daily free limit reached")
	ErrInvalidKey    = errors.New("invalid key")
	ErrMissingKey    = errors.New("missing key")
)

// QuotaExceededError carries when the user can try again.
type QuotaExceededError struct {
	Limit   int
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily free limit of %d reached, resets at %s", e.Limit, e.ResetAt.Format(time.RFC3339))
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// Decision is the outcome of a successful admission.
type Decision struct {
	Unlimited bool
	// Left is the number of free messages remaining after this one, -1 when unlimited.
	Left int
}

// Status is a read-only view of a user's allowance.
type Status struct {
	Limit     int
	Used      int
	Left      int
	Unlimited bool
	GrantKey  string
	ValidTill time.Time
	ResetAt   time.Time
}

// Recorder receives admission outcomes.
type Recorder interface {
	RecordAdmission(result string)
	RecordDailyReset()
}

type nopRecorder struct{}

func (nopRecorder) RecordAdmission(string) {}
func (nopRecorder) RecordDailyReset()      {}

type Manager struct {
	store    storage.Store
	limit    int
	catalog  Catalog
	now      func() time.Time
	location *time.Location
	metrics  Recorder
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLocation sets the zone whose midnight is the day boundary.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.location = loc
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

func NewManager(store storage.Store, limit int, catalog Catalog, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		limit:    limit,
		catalog:  catalog,
		now:      time.Now,
		location: time.Local,
		metrics:  nopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Limit() int { return m.limit }

// Today is the current calendar day in the configured location.
func (m *Manager) Today() string {
	return m.now().In(m.location).Format(dayLayout)
}

// NextReset is the next local midnight after now.
func (m *Manager) NextReset() time.Time {
	return NextMidnight(m.now(), m.location)
}

// NextMidnight returns the first midnight in loc strictly after t.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	y, mo, d := local.Date()
	return time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
}

// Admit charges one message against the user's daily allowance. An active
// grant admits without touching the counter.
func (m *Manager) Admit(ctx context.Context, id string) (Decision, error) {
	grant, err := m.store.GetGrant(ctx, id)
	if err != nil {
		return Decision{}, fmt.Errorf("get grant: %w", err)
	}
	if grant.Active(m.now()) {
		m.metrics.RecordAdmission(metrics.AdmissionUnlocked)
		return Decision{Unlimited: true, Left: -1}, nil
	}

	// a zero free tier admits key holders only; the store reads limit <= 0 as unbounded
	if m.limit <= 0 {
		m.metrics.RecordAdmission(metrics.AdmissionDenied)
		return Decision{}, &QuotaExceededError{Limit: m.limit, ResetAt: m.NextReset()}
	}

	count, err := m.store.IncrementCount(ctx, id, m.Today(), m.limit)
	if errors.Is(err, storage.ErrLimitReached) {
		m.metrics.RecordAdmission(metrics.AdmissionDenied)
		return Decision{}, &QuotaExceededError{Limit: m.limit, ResetAt: m.NextReset()}
	}
	if err != nil {
		return Decision{}, fmt.Errorf("increment count: %w", err)
	}
	m.metrics.RecordAdmission(metrics.AdmissionFree)
	return Decision{Left: max(m.limit-count, 0)}, nil
}

func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	st := Status{Limit: m.limit, ResetAt: m.NextReset()}

	grant, err := m.store.GetGrant(ctx, id)
	if err != nil {
		return Status{}, fmt.Errorf("get grant: %w", err)
	}
	u, err := m.store.GetUser(ctx, id, m.Today())
	if err != nil {
		return Status{}, fmt.Errorf("get user: %w", err)
	}
	if u.ResetDay == m.Today() {
		st.Used = u.Count
	}
	if grant.Active(m.now()) {
		st.Unlimited = true
		st.Left = -1
		st.GrantKey = grant.Key
		st.ValidTill = grant.Expiry
		return st, nil
	}
	st.Left = max(m.limit-st.Used, 0)
	return st, nil
}

// Left is the remaining allowance, -1 when unlimited.
func (m *Manager) Left(ctx context.Context, id string) (int, error) {
	st, err := m.Status(ctx, id)
	if err != nil {
		return 0, err
	}
	return st.Left, nil
}

// Redeem exchanges an unlock key for a grant. Redeeming again replaces the
// previous grant with a fresh expiry.
func (m *Manager) Redeem(ctx context.Context, id, key string) (storage.Grant, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return storage.Grant{}, ErrMissingKey
	}
	d, ok := m.catalog.Lookup(key)
	if !ok {
		return storage.Grant{}, ErrInvalidKey
	}
	g := storage.Grant{UserID: id, Key: key, Expiry: m.now().Add(d)}
	if err := m.store.PutGrant(ctx, g); err != nil {
		return storage.Grant{}, fmt.Errorf("put grant: %w", err)
	}
	log.Printf("🔑 user %s redeemed %s until %s", id, key, g.Expiry.Format(time.RFC3339))
	return g, nil
}

// Revoke drops the user's grant. Reports whether one existed.
func (m *Manager) Revoke(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.DeleteGrant(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	return ok, nil
}

// ResetDaily zeroes every counter for today and sweeps expired grants. Safe to
// call any number of times per day.
func (m *Manager) ResetDaily(ctx context.Context) (bool, error) {
	today := m.Today()
	done, err := m.store.ResetAllCounts(ctx, today)
	if err != nil {
		return false, fmt.Errorf("reset counts: %w", err)
	}
	if done {
		m.metrics.RecordDailyReset()
		log.Printf("🌅 daily counters reset for %s", today)
	}
	n, err := m.store.PurgeExpiredGrants(ctx, m.now())
	if err != nil {
		log.Printf("⚠️ purge expired grants: %v", err)
	} else if n > 0 {
		log.Printf("🧹 purged %d expired grants", n)
	}
	return done, nil
}
