package channel

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramJIDScheme(t *testing.T) {
	tg := &Telegram{}

	assert.True(t, tg.OwnsJID("tg:-10012345"))
	assert.False(t, tg.OwnsJID("wa:12345"))

	id, err := tg.chatID("tg:-10012345")
	require.NoError(t, err)
	assert.Equal(t, int64(-10012345), id)

	_, err = tg.chatID("tg:not-a-number")
	assert.Error(t, err)
}

func TestMessageContentPlaceholders(t *testing.T) {
	assert.Equal(t, "hello", messageContent(&tgbotapi.Message{Text: "hello"}))
	assert.Equal(t, "[photo]", messageContent(&tgbotapi.Message{Photo: []tgbotapi.PhotoSize{{}}}))
	assert.Equal(t, "[photo] sunset", messageContent(&tgbotapi.Message{Photo: []tgbotapi.PhotoSize{{}}, Caption: "sunset"}))
	assert.Equal(t, "[document: notes.pdf]", messageContent(&tgbotapi.Message{Document: &tgbotapi.Document{FileName: "notes.pdf"}}))
	assert.Equal(t, "[voice message]", messageContent(&tgbotapi.Message{Voice: &tgbotapi.Voice{}}))
	// Unsupported content types yield nothing and are not stored.
	assert.Equal(t, "", messageContent(&tgbotapi.Message{}))
}

func TestSenderAndChatNames(t *testing.T) {
	assert.Equal(t, "alice_dev", senderName(&tgbotapi.Message{From: &tgbotapi.User{UserName: "alice_dev", FirstName: "Alice"}}))
	assert.Equal(t, "Alice Smith", senderName(&tgbotapi.Message{From: &tgbotapi.User{FirstName: "Alice", LastName: "Smith"}}))
	assert.Equal(t, "unknown", senderName(&tgbotapi.Message{}))

	assert.Equal(t, "Team Chat", chatName(&tgbotapi.Chat{Title: "Team Chat"}))
	assert.Equal(t, "Alice", chatName(&tgbotapi.Chat{FirstName: "Alice"}))
}
