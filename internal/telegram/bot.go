package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ai-chatpal/internal/conversation"
	"ai-chatpal/internal/identity"
	"ai-chatpal/internal/quota"
	"ai-chatpal/internal/stream"
)

const newChatCmd = "new_chat"

type Bot struct {
	api           *tgbotapi.BotAPI
	s             sender
	quota         *quota.Manager
	conversations *conversation.Manager
	coordinator   *stream.Coordinator
	editInterval  time.Duration
	now           func() time.Time

	wg sync.WaitGroup
}

func New(botToken string, q *quota.Manager, conv *conversation.Manager, coord *stream.Coordinator, editInterval time.Duration) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, err
	}
	log.Printf("🤖 authorized on telegram as @%s", api.Self.UserName)
	b := newBot(botAPISender{api: api}, q, conv, coord, editInterval)
	b.api = api
	return b, nil
}

func newBot(s sender, q *quota.Manager, conv *conversation.Manager, coord *stream.Coordinator, editInterval time.Duration) *Bot {
	if editInterval <= 0 {
		editInterval = time.Second
	}
	return &Bot{
		s:             s,
		quota:         q,
		conversations: conv,
		coordinator:   coord,
		editInterval:  editInterval,
		now:           time.Now,
	}
}

// Start polls updates until ctx is cancelled and waits for replies in flight.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.wg.Wait()
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			log.Printf("🛑 telegram bot stopping")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.dispatch(ctx, update)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleIncomingMessage(ctx, update.Message)
		}()
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleIncomingMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	uid := identity.TelegramID(msg.From.ID)

	if msg.IsCommand() {
		b.handleCommand(ctx, uid, msg)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		b.sendMessage(msg.Chat.ID, "I can only read text messages for now.")
		return
	}

	log.Printf("💬 message from %s (@%s), %d chars", uid, msg.From.UserName, len(text))
	b.reply(ctx, uid, msg.Chat.ID, text)
}

// reply admits the message, then streams the answer into a placeholder.
func (b *Bot) reply(ctx context.Context, uid string, chatID int64, text string) {
	if _, err := b.quota.Admit(ctx, uid); err != nil {
		var qe *quota.QuotaExceededError
		if errors.As(err, &qe) {
			b.sendMessage(chatID, limitText(qe))
			return
		}
		log.Printf("❌ admit %s: %v", uid, err)
		b.sendMessage(chatID, failureText)
		return
	}

	// offer a fresh start when the previous exchange is old
	turns, err := b.conversations.BuildContext(ctx, uid)
	if err != nil {
		log.Printf("⚠️ load history for %s: %v", uid, err)
	}
	offerNewChat := b.conversations.IsIdle(turns)

	placeholder, err := b.s.Send(tgbotapi.NewMessage(chatID, placeholderText))
	if err != nil {
		log.Printf("❌ failed to send placeholder: %v", err)
		return
	}

	sink := newEditSink(b.s, chatID, placeholder.MessageID, b.editInterval, b.now)
	if offerNewChat {
		kb := newChatKeyboard()
		sink.markup = &kb
	}
	if _, err := b.coordinator.Run(ctx, uid, text, sink); err != nil {
		log.Printf("❌ reply to %s failed: %v", uid, err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, uid string, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start":
		b.sendMessage(chatID, "Hi! Send me a message and I will answer.\n\n"+b.statusText(ctx, uid)+
			"\n\nCommands: /new, /status, /key <KEY>, /logout")
	case "new":
		b.resetConversation(ctx, uid, chatID)
	case "status":
		b.sendMessage(chatID, b.statusText(ctx, uid))
	case "key":
		g, err := b.quota.Redeem(ctx, uid, msg.CommandArguments())
		switch {
		case errors.Is(err, quota.ErrMissingKey):
			b.sendMessage(chatID, "Usage: /key <KEY>")
		case errors.Is(err, quota.ErrInvalidKey):
			b.sendMessage(chatID, "Invalid key.")
		case err != nil:
			log.Printf("❌ redeem for %s: %v", uid, err)
			b.sendMessage(chatID, failureText)
		default:
			b.sendMessage(chatID, fmt.Sprintf("🔓 Unlimited messages until %s.", g.Expiry.Format("2006-01-02 15:04 MST")))
		}
	case "logout":
		revoked, err := b.quota.Revoke(ctx, uid)
		switch {
		case err != nil:
			log.Printf("❌ revoke for %s: %v", uid, err)
			b.sendMessage(chatID, failureText)
		case revoked:
			b.sendMessage(chatID, "Key removed. "+b.statusText(ctx, uid))
		default:
			b.sendMessage(chatID, "No active key.")
		}
	default:
		b.sendMessage(chatID, "Unknown command. Try /start.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || cb.Message == nil {
		return
	}
	if cb.Data == newChatCmd {
		b.resetConversation(ctx, identity.TelegramID(cb.From.ID), cb.Message.Chat.ID)
	}
	if _, err := b.s.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		log.Printf("⚠️ failed to answer callback: %v", err)
	}
}

func (b *Bot) resetConversation(ctx context.Context, uid string, chatID int64) {
	if err := b.conversations.ResetConversation(ctx, uid); err != nil {
		log.Printf("❌ reset conversation for %s: %v", uid, err)
		b.sendMessage(chatID, failureText)
		return
	}
	b.sendMessage(chatID, "🆕 New chat started.")
}

func (b *Bot) statusText(ctx context.Context, uid string) string {
	st, err := b.quota.Status(ctx, uid)
	if err != nil {
		log.Printf("⚠️ status for %s: %v", uid, err)
		return "Status is unavailable right now."
	}
	if st.Unlimited {
		return fmt.Sprintf("🔓 Unlimited until %s.", st.ValidTill.Format("2006-01-02 15:04 MST"))
	}
	return fmt.Sprintf("Free messages left today: %d of %d.", st.Left, st.Limit)
}

func limitText(qe *quota.QuotaExceededError) string {
	return fmt.Sprintf("Daily free limit reached (%d/day). It resets at %s. Use /key <KEY> to unlock unlimited.",
		qe.Limit, qe.ResetAt.Format("15:04 MST"))
}

func newChatKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Start new chat", newChatCmd),
		),
	)
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.s.Send(msg); err != nil {
		log.Printf("failed to send message: %v", err)
	}
}
