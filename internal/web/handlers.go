package web

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ai-chatpal/internal/identity"
	"ai-chatpal/internal/quota"
)

const maxBodyBytes = 64 << 10

type chatRequest struct {
	Message string `json:"message"`
}

type keyRequest struct {
	Key string `json:"key"`
}

type historyTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := identity.UserIDFromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unknown user"})
		return "", false
	}
	return id, true
}

func internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("❌ %s: %v", op, err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal server error"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "durable": s.deps.Durable})
}

func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid request body"})
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Empty message"})
		return
	}

	decision, err := s.deps.Quota.Admit(r.Context(), uid)
	if err != nil {
		var qe *quota.QuotaExceededError
		if errors.As(err, &qe) {
			w.Header().Set("X-Usage-Left", "0")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":    "Daily free limit reached (" + strconv.Itoa(qe.Limit) + "/day). Use a key to unlock unlimited.",
				"left":     0,
				"reset_at": qe.ResetAt.Format(time.RFC3339),
			})
			return
		}
		internalError(w, "admit", err)
		return
	}

	w.Header().Set("X-Usage-Left", strconv.Itoa(decision.Left))
	sink, err := newSSESink(w, decision.Left)
	if err != nil {
		internalError(w, "open event stream", err)
		return
	}
	// errors were already reported to the client through the sink
	_, _ = s.deps.Coordinator.Run(r.Context(), uid, text, sink)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	turns, err := s.deps.Conversations.BuildContext(r.Context(), uid)
	if err != nil {
		internalError(w, "load history", err)
		return
	}
	left, err := s.deps.Quota.Left(r.Context(), uid)
	if err != nil {
		internalError(w, "quota status", err)
		return
	}
	out := make([]historyTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, historyTurn{Role: t.Role, Content: t.Content})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history":        out,
		"left":           left,
		"offer_new_chat": s.deps.Conversations.IsIdle(turns),
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	st, err := s.deps.Quota.Status(r.Context(), uid)
	if err != nil {
		internalError(w, "quota status", err)
		return
	}
	body := map[string]any{
		"limit":     st.Limit,
		"used":      st.Used,
		"left":      st.Left,
		"unlimited": st.Unlimited,
		"reset_at":  st.ResetAt.Format(time.RFC3339),
	}
	if st.Unlimited {
		body["valid_until"] = st.ValidTill.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	tr, err := s.deps.Conversations.Export(r.Context(), uid)
	if err != nil {
		internalError(w, "export", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": tr})
}

func (s *Server) newChat(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Conversations.ResetConversation(r.Context(), uid); err != nil {
		internalError(w, "reset conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) redeemKey(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req keyRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "Invalid request body"})
		return
	}
	g, err := s.deps.Quota.Redeem(r.Context(), uid, req.Key)
	switch {
	case errors.Is(err, quota.ErrMissingKey):
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "Missing key"})
	case errors.Is(err, quota.ErrInvalidKey):
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "Invalid key"})
	case err != nil:
		internalError(w, "redeem key", err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "valid_until": g.Expiry.Format(time.RFC3339)})
	}
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	revoked, err := s.deps.Quota.Revoke(r.Context(), uid)
	if err != nil {
		internalError(w, "revoke key", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revoked": revoked})
}
