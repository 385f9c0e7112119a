package telegram

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ai-chatpal/internal/conversation"
	"ai-chatpal/internal/llm"
	"ai-chatpal/internal/quota"
	"ai-chatpal/internal/storage"
	"ai-chatpal/internal/stream"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	edits    []tgbotapi.EditMessageTextConfig
	requests []tgbotapi.Chattable
	nextID   int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch m := c.(type) {
	case tgbotapi.MessageConfig:
		f.sent = append(f.sent, m)
	case tgbotapi.EditMessageTextConfig:
		f.edits = append(f.edits, m)
	}
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) texts() []string {
	var out []string
	for _, m := range f.sent {
		out = append(out, m.Text)
	}
	return out
}

type chunks []string

type fakeStream struct{ rest []string }

func (s *fakeStream) Recv() (string, error) {
	if len(s.rest) == 0 {
		return "", io.EOF
	}
	c := s.rest[0]
	s.rest = s.rest[1:]
	return c, nil
}

func (s *fakeStream) Close() error { return nil }

func (c chunks) Stream(ctx context.Context, _ []llm.Message) (llm.ChunkStream, error) {
	return &fakeStream{rest: append([]string(nil), c...)}, nil
}

func newTestBot(t *testing.T, limit int, model chunks) (*Bot, *fakeSender, *conversation.Manager) {
	t.Helper()
	store := storage.NewMemoryStore()
	catalog, err := quota.ParseCatalog(quota.DefaultCatalog)
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	q := quota.NewManager(store, limit, catalog)
	conv := conversation.NewManager(store, 20, 5*time.Minute)
	coord := stream.NewCoordinator(conv, model, "", nil)
	fs := &fakeSender{}
	return newBot(fs, q, conv, coord, time.Hour), fs, conv
}

func textMessage(userID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{From: &tgbotapi.User{ID: userID}, Chat: &tgbotapi.Chat{ID: userID}, Text: text}
}

func commandMessage(userID int64, text string) *tgbotapi.Message {
	m := textMessage(userID, text)
	cmdLen := len(strings.Fields(text)[0])
	m.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}}
	return m
}

func TestHandleIncomingMessage_PlaceholderThenEdit(t *testing.T) {
	b, fs, conv := newTestBot(t, 3, chunks{"Hel", "lo, world"})

	b.handleIncomingMessage(context.Background(), textMessage(42, "hi"))

	if len(fs.sent) != 1 || fs.sent[0].Text != placeholderText {
		t.Fatalf("expected placeholder only, got %q", fs.texts())
	}
	if len(fs.edits) != 1 {
		t.Fatalf("expected one final edit with a long interval, got %d", len(fs.edits))
	}
	if fs.edits[0].Text != "Hello, world" || fs.edits[0].MessageID != 1 {
		t.Fatalf("unexpected edit: %+v", fs.edits[0])
	}

	turns, _ := conv.BuildContext(context.Background(), "42")
	if len(turns) != 2 || turns[1].Content != "Hello, world" {
		t.Fatalf("unexpected history: %+v", turns)
	}
}

func TestHandleIncomingMessage_QuotaExceeded(t *testing.T) {
	b, fs, _ := newTestBot(t, 1, chunks{"ok"})

	b.handleIncomingMessage(context.Background(), textMessage(7, "one"))
	b.handleIncomingMessage(context.Background(), textMessage(7, "two"))

	last := fs.sent[len(fs.sent)-1].Text
	if !strings.Contains(last, "Daily free limit reached (1/day)") {
		t.Fatalf("expected limit message, got %q", last)
	}
}

func TestKeyCommandUnlocks(t *testing.T) {
	b, fs, _ := newTestBot(t, 1, chunks{"ok"})
	ctx := context.Background()

	b.handleIncomingMessage(ctx, commandMessage(5, "/key WRONG"))
	b.handleIncomingMessage(ctx, commandMessage(5, "/key DEMO-KEY-7D"))
	if got := fs.texts(); len(got) != 2 || got[0] != "Invalid key." || !strings.Contains(got[1], "Unlimited messages until") {
		t.Fatalf("unexpected replies: %q", got)
	}

	for i := 0; i < 3; i++ {
		b.handleIncomingMessage(ctx, textMessage(5, "hi"))
	}
	for _, text := range fs.texts() {
		if strings.Contains(text, "Daily free limit") {
			t.Fatalf("unlocked user was limited: %q", fs.texts())
		}
	}

	b.handleIncomingMessage(ctx, commandMessage(5, "/logout"))
	last := fs.sent[len(fs.sent)-1].Text
	if !strings.Contains(last, "Key removed") {
		t.Fatalf("unexpected logout reply: %q", last)
	}
}

func TestIdleConversationOffersNewChat(t *testing.T) {
	b, fs, conv := newTestBot(t, 5, chunks{"answer"})
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	conv.SetClock(func() time.Time { return past })
	if err := conv.AppendExchange(ctx, "9", "old question", "old answer"); err != nil {
		t.Fatalf("AppendExchange: %v", err)
	}
	conv.SetClock(time.Now)

	b.handleIncomingMessage(ctx, textMessage(9, "new question"))

	if len(fs.edits) != 1 {
		t.Fatalf("expected one edit, got %d", len(fs.edits))
	}
	kb := fs.edits[0].ReplyMarkup
	if kb == nil || len(kb.InlineKeyboard) != 1 || *kb.InlineKeyboard[0][0].CallbackData != newChatCmd {
		t.Fatalf("expected new chat button, got %+v", kb)
	}
}

func TestNewChatCallbackResetsConversation(t *testing.T) {
	b, fs, conv := newTestBot(t, 5, chunks{"answer"})
	ctx := context.Background()
	_ = conv.AppendExchange(ctx, "3", "q", "a")

	b.handleCallback(ctx, &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 3},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 3}},
		Data:    newChatCmd,
	})

	turns, _ := conv.BuildContext(ctx, "3")
	if len(turns) != 0 {
		t.Fatalf("conversation not reset: %+v", turns)
	}
	if len(fs.requests) != 1 {
		t.Fatalf("callback not answered")
	}
	if got := fs.texts(); len(got) != 1 || !strings.Contains(got[0], "New chat") {
		t.Fatalf("unexpected replies: %q", got)
	}
}

func TestStatusCommand(t *testing.T) {
	b, fs, _ := newTestBot(t, 3, chunks{"ok"})
	b.handleIncomingMessage(context.Background(), textMessage(11, "hi"))
	b.handleIncomingMessage(context.Background(), commandMessage(11, "/status"))

	last := fs.sent[len(fs.sent)-1].Text
	if last != "Free messages left today: 2 of 3." {
		t.Fatalf("unexpected status: %q", last)
	}
}

func TestEditSinkThrottlesAndSplits(t *testing.T) {
	fs := &fakeSender{}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sink := newEditSink(fs, 1, 10, time.Second, clock)

	_ = sink.Chunk("a")
	if len(fs.edits) != 0 {
		t.Fatalf("edit before interval elapsed")
	}
	now = now.Add(time.Second)
	_ = sink.Chunk("b")
	if len(fs.edits) != 1 || fs.edits[0].Text != "ab" {
		t.Fatalf("expected throttled edit with accumulated text, got %+v", fs.edits)
	}

	long := strings.Repeat("x", maxMessageRunes) + strings.Repeat("y", 10)
	if err := sink.Finish(long); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(fs.edits) != 2 || len([]rune(fs.edits[1].Text)) != maxMessageRunes {
		t.Fatalf("first part must edit the placeholder")
	}
	if len(fs.sent) != 1 || fs.sent[0].Text != strings.Repeat("y", 10) {
		t.Fatalf("remainder must be a new message, got %q", fs.texts())
	}
}

func TestEditSinkFail(t *testing.T) {
	fs := &fakeSender{}
	sink := newEditSink(fs, 1, 10, time.Second, time.Now)
	sink.Fail(io.ErrUnexpectedEOF)
	if len(fs.edits) != 1 || fs.edits[0].Text != failureText {
		t.Fatalf("failure must replace the placeholder, got %+v", fs.edits)
	}
}

func TestSplitMessagePrefersLineBreaks(t *testing.T) {
	text := strings.Repeat("a", 7) + "\n" + strings.Repeat("b", 5)
	parts := splitMessage(text, 10)
	if len(parts) != 2 || parts[0] != strings.Repeat("a", 7)+"\n" || parts[1] != strings.Repeat("b", 5) {
		t.Fatalf("unexpected split: %q", parts)
	}
	for _, p := range splitMessage(strings.Repeat("я", 25), 10) {
		if len([]rune(p)) > 10 {
			t.Fatalf("part too long: %d runes", len([]rune(p)))
		}
	}
}
