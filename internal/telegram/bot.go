// Package telegram связывает бота с Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/licensebot/internal/model"
)

// Bot реализует отправку сообщений через Telegram Bot API.
type Bot struct {
	api    *tgbotapi.BotAPI
	logger *zap.Logger
}

// New подключается к Telegram с указанным токеном.
func New(token string, logger *zap.Logger) (*Bot, error) {
	return NewWithEndpoint(token, tgbotapi.APIEndpoint, nil, logger)
}

// NewWithEndpoint подключается к совместимому с Telegram API адресу.
// endpoint задаётся в формате tgbotapi.APIEndpoint.
func NewWithEndpoint(token, endpoint string, client tgbotapi.HTTPClient, logger *zap.Logger) (*Bot, error) {
	var api *tgbotapi.BotAPI
	var err error
	if client == nil {
		api, err = tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	} else {
		api, err = tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}

	logger.Info("telegram bot authorized", zap.String("username", api.Self.UserName))
	return &Bot{api: api, logger: logger}, nil
}

// Username возвращает имя бота.
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// SendMessage отправляет HTML-сообщение и возвращает его идентификатор.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string, kb model.Keyboard) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if len(kb) > 0 {
		msg.ReplyMarkup = inlineKeyboard(kb)
	}

	sent, err := b.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return sent.MessageID, nil
}

// SendPhoto отправляет изображение PNG с подписью.
func (b *Bot) SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string, kb model.Keyboard) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	msg := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "qris.png", Bytes: photo})
	msg.Caption = caption
	msg.ParseMode = tgbotapi.ModeHTML
	if len(kb) > 0 {
		msg.ReplyMarkup = inlineKeyboard(kb)
	}

	sent, err := b.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send photo: %w", err)
	}
	return sent.MessageID, nil
}

// EditMessage заменяет текст и клавиатуру сообщения.
func (b *Bot) EditMessage(ctx context.Context, chatID int64, messageID int, text string, kb model.Keyboard) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeHTML
	if len(kb) > 0 {
		markup := inlineKeyboard(kb)
		edit.ReplyMarkup = &markup
	}

	if _, err := b.api.Request(edit); err != nil {
		if notModified(err) {
			return nil
		}
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeleteMessage удаляет сообщение.
func (b *Bot) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// AcknowledgeCallback отвечает на нажатие кнопки.
func (b *Bot) AcknowledgeCallback(ctx context.Context, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// SetWebhook регистрирует адрес для доставки обновлений.
func (b *Bot) SetWebhook(url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("build webhook: %w", err)
	}
	wh.AllowedUpdates = []string{"message", "callback_query"}

	if _, err := b.api.Request(wh); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	return nil
}

// DeleteWebhook отключает webhook, чтобы можно было получать обновления опросом.
func (b *Bot) DeleteWebhook() error {
	if _, err := b.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// Poll получает обновления длинным опросом, пока не отменён ctx.
func (b *Bot) Poll(ctx context.Context, handle func(ctx context.Context, u tgbotapi.Update)) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			handle(ctx, upd)
		}
	}
}

func inlineKeyboard(kb model.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

// EventFromUpdate нормализует обновление Telegram. Неподдерживаемые обновления возвращают false.
func EventFromUpdate(u tgbotapi.Update) (model.Event, bool) {
	if cq := u.CallbackQuery; cq != nil {
		if cq.Message == nil || cq.Message.Chat == nil {
			return model.Event{}, false
		}
		e := model.Event{
			ChatID:     cq.Message.Chat.ID,
			Kind:       model.EventButton,
			Payload:    cq.Data,
			CallbackID: cq.ID,
			MessageID:  cq.Message.MessageID,
		}
		if cq.From != nil {
			e.FirstName = cq.From.FirstName
		}
		return e, true
	}

	msg := u.Message
	if msg == nil || msg.Chat == nil || msg.Text == "" {
		return model.Event{}, false
	}

	e := model.Event{
		ChatID:    msg.Chat.ID,
		Kind:      model.EventText,
		Payload:   msg.Text,
		MessageID: msg.MessageID,
		FirstName: msg.Chat.FirstName,
	}
	if e.FirstName == "" && msg.From != nil {
		e.FirstName = msg.From.FirstName
	}
	if msg.IsCommand() {
		e.Kind = model.EventCommand
	}
	return e, true
}
