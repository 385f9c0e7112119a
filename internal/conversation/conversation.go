// Package conversation keeps a bounded rolling transcript per user.
package conversation

import (
	"context"
	"fmt"
	"time"

	"ai-chatpal/internal/storage"
)

const (
	DefaultWindow = 20
	DefaultIdle   = 5 * time.Minute
)

type Manager struct {
	store  storage.Store
	window int
	idle   time.Duration
	now    func() time.Time
}

func NewManager(store storage.Store, window int, idle time.Duration) *Manager {
	if window <= 0 {
		window = DefaultWindow
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Manager{store: store, window: window, idle: idle, now: time.Now}
}

// SetClock replaces time.Now; used by tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) Window() int { return m.window }

// BuildContext returns the current window, oldest first.
func (m *Manager) BuildContext(ctx context.Context, id string) ([]storage.Turn, error) {
	turns, err := m.store.GetHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	if len(turns) > m.window {
		turns = turns[len(turns)-m.window:]
	}
	return turns, nil
}

func (m *Manager) AppendUserTurn(ctx context.Context, id, content string) error {
	return m.append(ctx, id, m.turn(storage.RoleUser, content))
}

func (m *Manager) AppendModelTurn(ctx context.Context, id, content string) error {
	return m.append(ctx, id, m.turn(storage.RoleModel, content))
}

// AppendExchange stores a user message and its reply as one unit, so replies
// for the same user never interleave.
func (m *Manager) AppendExchange(ctx context.Context, id, user, model string) error {
	return m.append(ctx, id, m.turn(storage.RoleUser, user), m.turn(storage.RoleModel, model))
}

// ResetConversation clears the transcript. The quota is not touched.
func (m *Manager) ResetConversation(ctx context.Context, id string) error {
	if err := m.store.ClearHistory(ctx, id); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Transcript is the exported form of a conversation.
type Transcript struct {
	ID    string         `json:"id"`
	Turns []storage.Turn `json:"turns"`
}

func (m *Manager) Export(ctx context.Context, id string) (Transcript, error) {
	turns, err := m.BuildContext(ctx, id)
	if err != nil {
		return Transcript{}, err
	}
	return Transcript{ID: id, Turns: turns}, nil
}

// IsIdle reports whether the last turn is older than the idle threshold.
// An empty transcript is not idle.
func (m *Manager) IsIdle(turns []storage.Turn) bool {
	if len(turns) == 0 {
		return false
	}
	last := turns[len(turns)-1]
	return m.now().Sub(last.Timestamp) > m.idle
}

func (m *Manager) turn(role, content string) storage.Turn {
	return storage.Turn{Role: role, Content: content, Timestamp: m.now().UTC()}
}

func (m *Manager) append(ctx context.Context, id string, turns ...storage.Turn) error {
	if err := m.store.AppendTurns(ctx, id, m.window, turns...); err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	return nil
}
