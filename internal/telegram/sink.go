package telegram

import (
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	maxMessageRunes = 4096
	placeholderText = "Thinking…"
	failureText     = "Sorry, something went wrong. Please try again."
)

// editSink shows a reply by editing a placeholder message as text arrives.
// Edits are throttled to one per interval to stay under Telegram limits.
type editSink struct {
	s         sender
	chatID    int64
	messageID int
	interval  time.Duration
	now       func() time.Time
	markup    *tgbotapi.InlineKeyboardMarkup

	mu       sync.Mutex
	acc      strings.Builder
	lastEdit time.Time
	shown    string
}

func newEditSink(s sender, chatID int64, messageID int, interval time.Duration, now func() time.Time) *editSink {
	return &editSink{s: s, chatID: chatID, messageID: messageID, interval: interval, now: now, lastEdit: now()}
}

// Chunk never fails: a lost edit is repaired by the final one.
func (e *editSink) Chunk(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acc.WriteString(text)
	if e.now().Sub(e.lastEdit) < e.interval {
		return nil
	}
	e.edit(truncateRunes(e.acc.String(), maxMessageRunes), nil)
	return nil
}

func (e *editSink) Finish(full string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	parts := splitMessage(full, maxMessageRunes)
	last := len(parts) - 1

	var first *tgbotapi.InlineKeyboardMarkup
	if last == 0 {
		first = e.markup
	}
	e.edit(parts[0], first)

	for i := 1; i <= last; i++ {
		msg := tgbotapi.NewMessage(e.chatID, parts[i])
		if i == last && e.markup != nil {
			msg.ReplyMarkup = *e.markup
		}
		if _, err := e.s.Send(msg); err != nil {
			log.Printf("⚠️ failed to send reply part %d/%d: %v", i+1, len(parts), err)
			return err
		}
	}
	return nil
}

func (e *editSink) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edit(failureText, nil)
}

func (e *editSink) edit(text string, markup *tgbotapi.InlineKeyboardMarkup) {
	if text == e.shown && markup == nil {
		return
	}
	var cfg tgbotapi.EditMessageTextConfig
	if markup != nil {
		cfg = tgbotapi.NewEditMessageTextAndMarkup(e.chatID, e.messageID, text, *markup)
	} else {
		cfg = tgbotapi.NewEditMessageText(e.chatID, e.messageID, text)
	}
	e.lastEdit = e.now()
	if _, err := e.s.Send(cfg); err != nil {
		log.Printf("⚠️ failed to edit reply: %v", err)
		return
	}
	e.shown = text
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// splitMessage cuts s into parts of at most n runes, preferring line breaks
// in the second half of each part.
func splitMessage(s string, n int) []string {
	runes := []rune(s)
	if len(runes) <= n {
		return []string{s}
	}
	var parts []string
	for len(runes) > n {
		cut := n
		for i := n - 1; i >= n/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
