package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/licensebot/internal/model"
)

type fakeTelegram struct {
	mu       sync.Mutex
	requests map[string]url.Values
	editErr  string
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	_ = r.ParseForm()

	f.mu.Lock()
	f.requests[method] = r.PostForm
	editErr := f.editErr
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Shop","username":"license_bot"}}`))
	case "sendMessage", "sendPhoto":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":5,"type":"private"}}}`))
	case "editMessageText":
		if editErr != "" {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"` + editErr + `"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

func (f *fakeTelegram) request(method string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[method]
}

func newTestBot(t *testing.T) (*Bot, *fakeTelegram) {
	t.Helper()
	fake := &fakeTelegram{requests: make(map[string]url.Values)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	bot, err := NewWithEndpoint("token", srv.URL+"/bot%s/%s", srv.Client(), zap.NewNop())
	require.NoError(t, err)
	return bot, fake
}

func TestBot_SendMessage(t *testing.T) {
	bot, fake := newTestBot(t)
	assert.Equal(t, "license_bot", bot.Username())

	kb := model.Keyboard{model.Row(model.Button{Text: "Menu", Data: "main_menu"})}
	id, err := bot.SendMessage(context.Background(), 5, "<b>Halo</b>", kb)
	require.NoError(t, err)
	assert.Equal(t, 77, id)

	req := fake.request("sendMessage")
	assert.Equal(t, "5", req.Get("chat_id"))
	assert.Equal(t, "HTML", req.Get("parse_mode"))

	var markup tgbotapi.InlineKeyboardMarkup
	require.NoError(t, json.Unmarshal([]byte(req.Get("reply_markup")), &markup))
	require.Len(t, markup.InlineKeyboard, 1)
	require.NotNil(t, markup.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "main_menu", *markup.InlineKeyboard[0][0].CallbackData)
}

func TestBot_EditMessageNotModified(t *testing.T) {
	bot, fake := newTestBot(t)

	fake.mu.Lock()
	fake.editErr = "Bad Request: message is not modified"
	fake.mu.Unlock()
	assert.NoError(t, bot.EditMessage(context.Background(), 5, 10, "same", nil))

	fake.mu.Lock()
	fake.editErr = "Bad Request: message to edit not found"
	fake.mu.Unlock()
	assert.Error(t, bot.EditMessage(context.Background(), 5, 10, "same", nil))
}

func TestBot_DeleteAndAcknowledge(t *testing.T) {
	bot, fake := newTestBot(t)
	ctx := context.Background()

	require.NoError(t, bot.DeleteMessage(ctx, 5, 42))
	assert.Equal(t, "42", fake.request("deleteMessage").Get("message_id"))

	require.NoError(t, bot.AcknowledgeCallback(ctx, "cb-1", "Memproses..."))
	assert.Equal(t, "cb-1", fake.request("answerCallbackQuery").Get("callback_query_id"))
}

func TestBot_CancelledContext(t *testing.T) {
	bot, fake := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := bot.SendMessage(ctx, 5, "x", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, fake.request("sendMessage"))
}

func TestEventFromUpdate(t *testing.T) {
	chat := &tgbotapi.Chat{ID: 9, FirstName: "Siti"}

	tests := []struct {
		name   string
		update tgbotapi.Update
		want   model.Event
		ok     bool
	}{
		{
			name: "command",
			update: tgbotapi.Update{Message: &tgbotapi.Message{
				MessageID: 3, Chat: chat, Text: "/start",
				Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
			}},
			want: model.Event{ChatID: 9, Kind: model.EventCommand, Payload: "/start", MessageID: 3, FirstName: "Siti"},
			ok:   true,
		},
		{
			name:   "text",
			update: tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 4, Chat: chat, Text: "FF-KEY-1"}},
			want:   model.Event{ChatID: 9, Kind: model.EventText, Payload: "FF-KEY-1", MessageID: 4, FirstName: "Siti"},
			ok:     true,
		},
		{
			name: "button",
			update: tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
				ID: "cb", Data: "dur_3", From: &tgbotapi.User{FirstName: "Siti"},
				Message: &tgbotapi.Message{MessageID: 11, Chat: chat},
			}},
			want: model.Event{ChatID: 9, Kind: model.EventButton, Payload: "dur_3", CallbackID: "cb", MessageID: 11, FirstName: "Siti"},
			ok:   true,
		},
		{
			name:   "sticker without text",
			update: tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 5, Chat: chat}},
			ok:     false,
		},
		{
			name:   "inline callback without message",
			update: tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb", Data: "x"}},
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EventFromUpdate(tt.update)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
