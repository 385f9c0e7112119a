package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-chatpal/internal/conversation"
	"ai-chatpal/internal/identity"
	"ai-chatpal/internal/llm"
	"ai-chatpal/internal/quota"
	"ai-chatpal/internal/storage"
	"ai-chatpal/internal/stream"
)

type chunkList struct {
	chunks []string
	err    error
}

func (c *chunkList) Recv() (string, error) {
	if len(c.chunks) == 0 {
		if c.err != nil {
			return "", c.err
		}
		return "", io.EOF
	}
	next := c.chunks[0]
	c.chunks = c.chunks[1:]
	return next, nil
}

func (c *chunkList) Close() error { return nil }

type fakeModel struct {
	chunks []string
	err    error
}

func (m fakeModel) Stream(ctx context.Context, _ []llm.Message) (llm.ChunkStream, error) {
	return &chunkList{chunks: append([]string(nil), m.chunks...), err: m.err}, nil
}

type testEnv struct {
	server *httptest.Server
	conv   *conversation.Manager
	uid    string
}

func newTestEnv(t *testing.T, limit int, model fakeModel) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	catalog, err := quota.ParseCatalog(quota.DefaultCatalog)
	require.NoError(t, err)
	q := quota.NewManager(store, limit, catalog, quota.WithLocation(time.UTC))
	conv := conversation.NewManager(store, 20, 5*time.Minute)
	limiter := NewRateLimiter(600, 100)
	t.Cleanup(limiter.Stop)

	srv := NewServer(Deps{
		Quota:         q,
		Conversations: conv,
		Coordinator:   stream.NewCoordinator(conv, model, "", nil),
		Identity:      identity.NewResolver(false),
		Limiter:       limiter,
		Metrics:       http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "ok") }),
		Durable:       false,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, conv: conv, uid: uuid.NewString()}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: identity.CookieName, Value: e.uid})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readEvents(t *testing.T, body io.Reader) []map[string]any {
	t.Helper()
	var events []map[string]any
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestChatStreamDeliversChunksAndStoresReply(t *testing.T) {
	env := newTestEnv(t, 3, fakeModel{chunks: []string{"Hel", "lo, world"}})

	resp := env.do(t, http.MethodPost, "/api/chat_stream", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "2", resp.Header.Get("X-Usage-Left"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	events := readEvents(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[0]["content"])
	assert.Equal(t, "lo, world", events[1]["content"])
	assert.Equal(t, true, events[2]["done"])
	assert.Equal(t, float64(2), events[2]["left"])

	turns, err := env.conv.BuildContext(context.Background(), env.uid)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "Hello, world", turns[1].Content)
}

func TestChatStreamQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, 1, fakeModel{chunks: []string{"ok"}})

	first := env.do(t, http.MethodPost, "/api/chat_stream", `{"message":"one"}`)
	require.Equal(t, http.StatusOK, first.StatusCode)
	readEvents(t, first.Body)

	resp := env.do(t, http.MethodPost, "/api/chat_stream", `{"message":"two"}`)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, float64(0), body["left"])
	assert.Contains(t, body["error"], "Daily free limit reached")
	assert.NotEmpty(t, body["reset_at"])
}

func TestChatStreamRejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t, 3, fakeModel{})
	resp := env.do(t, http.MethodPost, "/api/chat_stream", `{"message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// an empty message does not spend quota
	status := decode(t, env.do(t, http.MethodGet, "/api/status", ""))
	assert.Equal(t, float64(3), status["left"])
}

func TestChatStreamModelFailureKeepsHistory(t *testing.T) {
	env := newTestEnv(t, 3, fakeModel{chunks: []string{"Hel", "lo"}, err: errors.New("reset by peer")})

	resp := env.do(t, http.MethodPost, "/api/chat_stream", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp.Body)
	require.Len(t, events, 3)
	assert.NotEmpty(t, events[2]["error"])

	turns, err := env.conv.BuildContext(context.Background(), env.uid)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestKeyRedeemAndRevoke(t *testing.T) {
	env := newTestEnv(t, 1, fakeModel{chunks: []string{"ok"}})

	resp := env.do(t, http.MethodPost, "/api/key", `{"key":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Missing key", decode(t, resp)["error"])

	resp = env.do(t, http.MethodPost, "/api/key", `{"key":"WRONG"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid key", decode(t, resp)["error"])

	resp = env.do(t, http.MethodPost, "/api/key", `{"key":"DEMO-KEY-1D"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["valid_until"])

	for i := 0; i < 3; i++ {
		r := env.do(t, http.MethodPost, "/api/chat_stream", `{"message":"hi"}`)
		require.Equal(t, http.StatusOK, r.StatusCode)
		assert.Equal(t, "-1", r.Header.Get("X-Usage-Left"))
		readEvents(t, r.Body)
	}

	resp = env.do(t, http.MethodDelete, "/api/key", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode(t, resp)["revoked"])

	status := decode(t, env.do(t, http.MethodGet, "/api/status", ""))
	assert.Equal(t, false, status["unlimited"])
}

func TestHistoryNewChatAndExport(t *testing.T) {
	env := newTestEnv(t, 3, fakeModel{chunks: []string{"answer"}})
	readEvents(t, env.do(t, http.MethodPost, "/api/chat_stream", `{"message":"question"}`).Body)

	hist := decode(t, env.do(t, http.MethodGet, "/api/history", ""))
	assert.Len(t, hist["history"], 2)
	assert.Equal(t, float64(2), hist["left"])
	assert.Equal(t, false, hist["offer_new_chat"])

	exp := decode(t, env.do(t, http.MethodGet, "/api/export", ""))
	data := exp["data"].(map[string]any)
	assert.Equal(t, env.uid, data["id"])
	assert.Len(t, data["turns"], 2)

	resp := env.do(t, http.MethodPost, "/api/newchat", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hist = decode(t, env.do(t, http.MethodGet, "/api/history", ""))
	assert.Empty(t, hist["history"])
	// a new conversation does not refund quota
	assert.Equal(t, float64(2), hist["left"])
}

func TestNewVisitorGetsCookie(t *testing.T) {
	env := newTestEnv(t, 3, fakeModel{})
	resp, err := http.Get(env.server.URL + "/api/history")
	require.NoError(t, err)
	defer resp.Body.Close()

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == identity.CookieName {
			found = true
			_, err := uuid.Parse(c.Value)
			assert.NoError(t, err)
		}
	}
	assert.True(t, found, "uid cookie not set")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, 3, fakeModel{})
	body := decode(t, env.do(t, http.MethodGet, "/healthz", ""))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, false, body["durable"])

	resp := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimiterBlocksBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	defer rl.Stop()

	assert.True(t, rl.Allow("u"))
	assert.True(t, rl.Allow("u"))
	assert.False(t, rl.Allow("u"))
	assert.True(t, rl.Allow("other"))

	rl.evictIdle(time.Now().Add(time.Hour))
	rl.mu.Lock()
	n := len(rl.limiters)
	rl.mu.Unlock()
	assert.Zero(t, n)
}
