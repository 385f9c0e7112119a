// Package admin exposes operator tools over the Model Context Protocol.
package admin

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"ai-chatpal/internal/conversation"
	"ai-chatpal/internal/quota"
	"ai-chatpal/internal/storage"
)

// UserParams identifies a user by web uid or telegram id.
type UserParams struct {
	UserID string `json:"user_id" mcp:"user id: the uid cookie value or the numeric telegram id"`
}

type StatsParams struct{}

type ResetParams struct{}

// Tools implements the operator tool handlers.
type Tools struct {
	store         storage.Store
	quota         *quota.Manager
	conversations *conversation.Manager
	durable       bool
}

func NewTools(store storage.Store, q *quota.Manager, conv *conversation.Manager, durable bool) *Tools {
	return &Tools{store: store, quota: q, conversations: conv, durable: durable}
}

// NewServer builds an MCP server carrying every tool.
func NewServer(t *Tools, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "chatpal-admin",
		Version: version,
	}, nil)
	t.Register(server)
	return server
}

// SSEHandler serves the tools over HTTP for an in-process admin endpoint.
func SSEHandler(server *mcp.Server) http.Handler {
	return mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return server })
}

// Register adds every tool to server.
func (t *Tools) Register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chatpal_user_status",
		Description: "Shows the daily quota, unlock grant and transcript length of a user",
	}, t.UserStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chatpal_reset_conversation",
		Description: "Clears the conversation history of a user without touching the quota",
	}, t.ResetConversation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chatpal_revoke_key",
		Description: "Removes the unlock grant of a user",
	}, t.RevokeKey)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chatpal_store_stats",
		Description: "Counts users, conversations and active grants in the store",
	}, t.StoreStats)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chatpal_reset_daily",
		Description: "Runs the daily quota reset now; a no-op if today was already reset",
	}, t.ResetDaily)
}

func errorResult(format string, args ...any) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: "❌ " + fmt.Sprintf(format, args...)},
		},
	}
}

func textResult(text string, meta map[string]any) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		Meta:    meta,
	}
}

func (t *Tools) UserStatus(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[UserParams]) (*mcp.CallToolResultFor[any], error) {
	id := strings.TrimSpace(params.Arguments.UserID)
	if id == "" {
		return errorResult("user_id is required"), nil
	}
	st, err := t.quota.Status(ctx, id)
	if err != nil {
		return errorResult("status for %s: %v", id, err), nil
	}
	turns, err := t.conversations.BuildContext(ctx, id)
	if err != nil {
		return errorResult("history for %s: %v", id, err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "👤 %s\n", id)
	if st.Unlimited {
		fmt.Fprintf(&b, "🔓 unlocked with %s until %s\n", st.GrantKey, st.ValidTill.Format(time.RFC3339))
	} else {
		fmt.Fprintf(&b, "📊 used %d of %d today, %d left\n", st.Used, st.Limit, st.Left)
	}
	fmt.Fprintf(&b, "💬 %d of %d turns in history", len(turns), t.conversations.Window())

	return textResult(b.String(), map[string]any{
		"user_id":   id,
		"used":      st.Used,
		"left":      st.Left,
		"limit":     t.quota.Limit(),
		"window":    t.conversations.Window(),
		"unlimited": st.Unlimited,
		"turns":     len(turns),
		"reset_at":  st.ResetAt.Format(time.RFC3339),
	}), nil
}

func (t *Tools) ResetConversation(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[UserParams]) (*mcp.CallToolResultFor[any], error) {
	id := strings.TrimSpace(params.Arguments.UserID)
	if id == "" {
		return errorResult("user_id is required"), nil
	}
	if err := t.conversations.ResetConversation(ctx, id); err != nil {
		return errorResult("reset %s: %v", id, err), nil
	}
	log.Printf("🧹 admin reset conversation of %s", id)
	return textResult(fmt.Sprintf("✅ conversation of %s cleared", id), map[string]any{"user_id": id}), nil
}

func (t *Tools) RevokeKey(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[UserParams]) (*mcp.CallToolResultFor[any], error) {
	id := strings.TrimSpace(params.Arguments.UserID)
	if id == "" {
		return errorResult("user_id is required"), nil
	}
	revoked, err := t.quota.Revoke(ctx, id)
	if err != nil {
		return errorResult("revoke %s: %v", id, err), nil
	}
	msg := fmt.Sprintf("ℹ️ %s had no grant", id)
	if revoked {
		msg = fmt.Sprintf("✅ grant of %s removed", id)
	}
	return textResult(msg, map[string]any{"user_id": id, "revoked": revoked}), nil
}

func (t *Tools) StoreStats(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[StatsParams]) (*mcp.CallToolResultFor[any], error) {
	st, err := t.store.Stats(ctx)
	if err != nil {
		return errorResult("stats: %v", err), nil
	}
	backend := "in-memory"
	if t.durable {
		backend = "durable"
	}
	text := fmt.Sprintf("💾 %s store: %d users, %d conversations, %d grants", backend, st.Users, st.Conversations, st.Grants)
	return textResult(text, map[string]any{
		"durable":       t.durable,
		"users":         st.Users,
		"conversations": st.Conversations,
		"grants":        st.Grants,
	}), nil
}

func (t *Tools) ResetDaily(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[ResetParams]) (*mcp.CallToolResultFor[any], error) {
	done, err := t.quota.ResetDaily(ctx)
	if err != nil {
		return errorResult("daily reset: %v", err), nil
	}
	msg := "ℹ️ counters were already reset today"
	if done {
		msg = "✅ daily counters reset"
	}
	return textResult(msg, map[string]any{"reset": done, "day": t.quota.Today()}), nil
}
