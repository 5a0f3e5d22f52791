package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/chatdigest/internal/digest"
)

// telegramMaxRunes is Telegram's per-message text limit.
const telegramMaxRunes = 4096

// telegramAPI is the part of tgbotapi.BotAPI used for sending.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel implements the Channel interface for Telegram group chats.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	engine     Engine
	logger     *slog.Logger

	mu  sync.RWMutex
	api telegramAPI
}

// NewTelegramChannel creates a new Telegram channel. allowedIDs lists the
// group chat IDs or user IDs whose messages are accepted; empty accepts every
// group the bot is in.
func NewTelegramChannel(token string, allowedIDs []int64, engine Engine, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		engine:     engine,
		logger:     logger.With("channel", "telegram"),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.mu.Lock()
	t.api = bot
	t.mu.Unlock()

	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		u.AllowedUpdates = []string{"message"}
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) allowed(msg *tgbotapi.Message) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	if _, ok := t.allowedIDs[msg.Chat.ID]; ok {
		return true
	}
	if msg.From != nil {
		_, ok := t.allowedIDs[msg.From.ID]
		return ok
	}
	return false
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || !(msg.Chat.IsGroup() || msg.Chat.IsSuperGroup()) {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	if !t.allowed(msg) {
		t.logger.Warn("telegram access denied", "chat_id", msg.Chat.ID)
		return
	}

	convID := ConversationID(t.Name(), strconv.FormatInt(msg.Chat.ID, 10))
	if isStatusCommand(content) {
		st, found := t.engine.Status(convID)
		if err := t.Send(ctx, convID, statusText(st, found)); err != nil {
			t.logger.Warn("status reply failed", "error", err)
		}
		return
	}

	in := digest.Inbound{
		ConversationID: convID,
		Sender:         telegramSender(msg.From),
		Text:           content,
		Timestamp:      msg.Time(),
	}
	if err := t.engine.HandleMessage(ctx, in); err != nil {
		t.logger.Error("telegram message not handled", "conversation_id", convID, "error", err)
	}
}

func telegramSender(u *tgbotapi.User) string {
	if u == nil {
		return "unknown"
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.UserName != "" {
		return u.UserName
	}
	return strconv.FormatInt(u.ID, 10)
}

// Send posts text to a telegram conversation, splitting it at Telegram's
// message size limit.
func (t *TelegramChannel) Send(ctx context.Context, conversationID, text string) error {
	channel, native, ok := SplitConversationID(conversationID)
	if !ok || channel != t.Name() {
		return fmt.Errorf("%w: %q is not a telegram conversation", ErrUnknownChannel, conversationID)
	}
	chatID, err := strconv.ParseInt(native, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", native, err)
	}

	t.mu.RLock()
	api := t.api
	t.mu.RUnlock()
	if api == nil {
		return fmt.Errorf("telegram bot not started")
	}

	for _, chunk := range splitMessage(text, telegramMaxRunes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}
