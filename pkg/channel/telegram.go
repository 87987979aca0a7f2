package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatbridge/pkg/logx"
	"chatbridge/pkg/store"
)

// telegramPrefix namespaces Telegram chat IDs into JIDs ("tg:123").
const telegramPrefix = "tg:"

// Telegram adapts a Telegram bot to the Channel contract and feeds inbound
// updates into the core callbacks.
type Telegram struct {
	bot       *tgbotapi.BotAPI
	callbacks Callbacks
	logger    *logx.Logger
	done      chan struct{}
}

// NewTelegram connects a bot with the given token.
func NewTelegram(token string, callbacks Callbacks) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect telegram bot: %w", err)
	}

	t := &Telegram{
		bot:       bot,
		callbacks: callbacks,
		logger:    logx.NewLogger("telegram"),
		done:      make(chan struct{}),
	}
	t.logger.Info("Telegram connected as @%s", bot.Self.UserName)
	return t, nil
}

// Start begins consuming updates until Disconnect is called.
func (t *Telegram) Start() {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := t.bot.GetUpdatesChan(cfg)

	go func() {
		for {
			select {
			case <-t.done:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					t.handleMessage(update.Message)
				}
			}
		}
	}()
}

func (t *Telegram) handleMessage(msg *tgbotapi.Message) {
	jid := telegramPrefix + strconv.FormatInt(msg.Chat.ID, 10)
	ts := msg.Time().UTC().Format(time.RFC3339)

	if t.callbacks.OnChatMetadata != nil {
		t.callbacks.OnChatMetadata(&store.Chat{
			JID:             jid,
			Name:            chatName(msg.Chat),
			LastMessageTime: ts,
			IsGroup:         msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
		})
	}

	content := messageContent(msg)
	if content == "" {
		return
	}
	if t.callbacks.OnMessage != nil {
		t.callbacks.OnMessage(&store.Message{
			ID:         strconv.Itoa(msg.MessageID),
			ChatJID:    jid,
			Sender:     senderID(msg),
			SenderName: senderName(msg),
			Content:    content,
			Timestamp:  ts,
		})
	}
}

// SendMessage implements Channel.
func (t *Telegram) SendMessage(_ context.Context, jid, text string) error {
	chatID, err := t.chatID(jid)
	if err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}

	if t.callbacks.OnOutgoingMessage != nil {
		t.callbacks.OnOutgoingMessage(&store.Message{
			ID:           strconv.FormatInt(time.Now().UnixNano(), 10),
			ChatJID:      jid,
			Sender:       t.bot.Self.UserName,
			SenderName:   t.bot.Self.UserName,
			Content:      text,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			IsFromMe:     true,
			IsBotMessage: true,
		})
	}
	return nil
}

// SetTyping implements Channel.
func (t *Telegram) SetTyping(_ context.Context, jid string, typing bool) error {
	if !typing {
		// Telegram typing indicators expire on their own.
		return nil
	}
	chatID, err := t.chatID(jid)
	if err != nil {
		return err
	}
	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("telegram chat action failed: %w", err)
	}
	return nil
}

// Disconnect implements Channel.
func (t *Telegram) Disconnect(_ context.Context) error {
	close(t.done)
	t.bot.StopReceivingUpdates()
	return nil
}

// OwnsJID implements Channel.
func (t *Telegram) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, telegramPrefix)
}

func (t *Telegram) chatID(jid string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(jid, telegramPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed telegram jid %q: %w", jid, err)
	}
	return id, nil
}

func chatName(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}

func senderID(msg *tgbotapi.Message) string {
	if msg.From == nil {
		return ""
	}
	return strconv.FormatInt(msg.From.ID, 10)
}

func senderName(msg *tgbotapi.Message) string {
	if msg.From == nil {
		return "unknown"
	}
	if msg.From.UserName != "" {
		return msg.From.UserName
	}
	return strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
}

// messageContent renders a message as text, substituting placeholders for
// media the agent cannot consume directly.
func messageContent(msg *tgbotapi.Message) string {
	switch {
	case msg.Text != "":
		return msg.Text
	case msg.Photo != nil:
		return withCaption("[photo]", msg.Caption)
	case msg.Document != nil:
		return withCaption(fmt.Sprintf("[document: %s]", msg.Document.FileName), msg.Caption)
	case msg.Voice != nil:
		return "[voice message]"
	case msg.Video != nil:
		return withCaption("[video]", msg.Caption)
	case msg.Sticker != nil:
		return fmt.Sprintf("[sticker: %s]", msg.Sticker.Emoji)
	case msg.Location != nil:
		return fmt.Sprintf("[location: %f,%f]", msg.Location.Latitude, msg.Location.Longitude)
	default:
		return ""
	}
}

func withCaption(placeholder, caption string) string {
	if caption == "" {
		return placeholder
	}
	return placeholder + " " + caption
}
