package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramMessageLimit is Telegram's hard cap on message text length.
const telegramMessageLimit = 4096

// anchorTitleLimit caps anchor titles well under the message limit so the
// MarkdownV2 escaping below can never push the anchor past it.
const anchorTitleLimit = 256

// TelegramNotifier implements Notifier for Telegram. A thread is a reply
// chain rooted at an anchor message; the anchor's message id is the thread
// reference. All traffic goes to one configured chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegramNotifier creates the notifier and verifies the token against
// the Telegram API.
func NewTelegramNotifier(token string, chatID int64, logger *slog.Logger) (*TelegramNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger.Info("telegram notifier ready", "user", bot.Self.UserName, "chat_id", chatID)
	return &TelegramNotifier{bot: bot, chatID: chatID, logger: logger}, nil
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// CreateThread sends the anchor message that roots a session's reply chain.
func (t *TelegramNotifier) CreateThread(ctx context.Context, title string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	msg := tgbotapi.NewMessage(t.chatID, anchorText(title))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	sent, err := t.bot.Send(msg)
	if err != nil {
		return "", "", fmt.Errorf("telegram create thread: %w", err)
	}
	t.logger.Info("telegram thread created", "message_id", sent.MessageID)
	return strconv.FormatInt(t.chatID, 10), strconv.Itoa(sent.MessageID), nil
}

// Post sends a message as a reply to the thread's anchor. A missing or
// unparsable reference falls back to a plain message in the chat.
func (t *TelegramNotifier) Post(ctx context.Context, threadRef, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, Truncate(text, telegramMessageLimit))
	if anchor, err := ParseThreadRef(threadRef); err == nil {
		msg.ReplyToMessageID = anchor
	} else if threadRef != "" {
		t.logger.Warn("telegram post: bad thread ref, sending unthreaded", "thread_ref", threadRef)
	}
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram post: %w", err)
	}
	return nil
}

// anchorText renders the anchor message in MarkdownV2 with the title bold,
// so the thread root stands out from the replies beneath it.
func anchorText(title string) string {
	return "*" + EscapeMarkdownV2(Truncate(title, anchorTitleLimit)) + "*"
}

// ParseThreadRef converts a stored thread reference back to the anchor
// message id.
func ParseThreadRef(ref string) (int, error) {
	if ref == "" {
		return 0, fmt.Errorf("empty thread ref")
	}
	id, err := strconv.Atoi(ref)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid thread ref %q", ref)
	}
	return id, nil
}

// Truncate caps text at limit bytes on a rune boundary, marking the cut.
func Truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	const marker = "…"
	cut := limit - len(marker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + marker
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// EscapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
// Must escape: _ * [ ] ( ) ~ > # + - = | { } . !
func EscapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!"

	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(specialChars, c) >= 0 {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}
