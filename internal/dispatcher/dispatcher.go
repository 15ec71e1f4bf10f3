// Package dispatcher маршрутизирует входящие события чата в сценарии покупки, продления и обмена баллов.
package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/licensebot/internal/catalog"
	"github.com/mmeshcher/licensebot/internal/model"
	"github.com/mmeshcher/licensebot/internal/service"
)

// Coordinator описывает операции над заказами, доступные диалогу.
type Coordinator interface {
	CreateOrder(ctx context.Context, chatID int64, product model.Product, kind model.OrderKind, days int, targetKey string) (model.Order, error)
	CancelOrder(ctx context.Context, chatID int64, orderID string) error
	Points(ctx context.Context, chatID int64) (int64, error)
	Catalog() *catalog.Catalog
}

// Conversations хранит состояние диалога чата.
type Conversations interface {
	Get(ctx context.Context, chatID int64) (model.Conversation, error)
	Set(ctx context.Context, chatID int64, c model.Conversation) error
	Clear(ctx context.Context, chatID int64) error
}

// Messenger описывает часть транспорта, которой пользуется диалог.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb model.Keyboard) (int, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, kb model.Keyboard) error
	AcknowledgeCallback(ctx context.Context, callbackID, text string) error
}

type handlerFunc func(ctx context.Context, e model.Event) error

type prefixRoute struct {
	prefix  string
	handler func(ctx context.Context, e model.Event, arg string) error
}

// errSessionExpired означает, что кнопка не соответствует текущему шагу диалога.
var errSessionExpired = errors.New("conversation step does not accept this button")

// Dispatcher обрабатывает события чата по таблицам маршрутизации.
type Dispatcher struct {
	coord         Coordinator
	conversations Conversations
	messenger     Messenger
	logger        *zap.Logger
	adminContact  string

	kinds    map[model.EventKind]handlerFunc
	commands map[string]handlerFunc
	buttons  map[string]handlerFunc
	prefixed []prefixRoute
	texts    map[model.Step]handlerFunc
}

// New создаёт диспетчер.
func New(coord Coordinator, conversations Conversations, messenger Messenger, logger *zap.Logger, adminContact string) *Dispatcher {
	d := &Dispatcher{
		coord:         coord,
		conversations: conversations,
		messenger:     messenger,
		logger:        logger,
		adminContact:  adminContact,
	}

	d.kinds = map[model.EventKind]handlerFunc{
		model.EventCommand: d.handleCommand,
		model.EventButton:  d.handleButton,
		model.EventText:    d.handleText,
	}

	d.commands = map[string]handlerFunc{
		"/start":  d.start,
		"/menu":   d.mainMenu,
		"/points": d.points,
		"/help":   d.help,
	}

	d.buttons = map[string]handlerFunc{
		btnMainMenu:     d.mainMenu,
		btnNewOrder:     d.newOrder,
		btnExtend:       d.extend,
		btnRedeemPoints: d.redeemMenu,
		btnHelp:         d.help,
		btnPoints:       d.points,
	}

	// Порядок важен: более длинные префиксы проверяются первыми.
	d.prefixed = []prefixRoute{
		{prefix: prefixCancel, handler: d.cancel},
		{prefix: prefixExtendType, handler: d.pickExtendProduct},
		{prefix: prefixNewType, handler: d.pickNewProduct},
		{prefix: prefixDuration, handler: d.pickDuration},
		{prefix: prefixRedeemType, handler: d.pickRedeemProduct},
		{prefix: prefixRedeem, handler: d.pickRedeemDays},
	}

	d.texts = map[model.Step]handlerFunc{
		model.StepAwaitingExtendKey: d.extendKey,
		model.StepAwaitingPayment:   d.awaitingPayment,
	}

	return d
}

// Dispatch обрабатывает одно событие. Ошибки превращаются в сообщение пользователю.
func (d *Dispatcher) Dispatch(ctx context.Context, e model.Event) {
	log := d.logger.With(zap.Int64("chat", e.ChatID), zap.String("kind", string(e.Kind)))

	if e.Kind == model.EventButton && e.CallbackID != "" {
		if err := d.messenger.AcknowledgeCallback(ctx, e.CallbackID, textProcessing); err != nil {
			log.Debug("could not acknowledge callback", zap.Error(err))
		}
	}

	h, ok := d.kinds[e.Kind]
	if !ok {
		log.Warn("unsupported event kind")
		return
	}

	if err := h(ctx, e); err != nil {
		d.fail(ctx, log, e, err)
	}
}

func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, e model.Event, err error) {
	var verr *service.ValidationError

	text := textApology
	switch {
	case errors.As(err, &verr) && verr.Message != "":
		log.Info("request rejected", zap.String("reason", verr.Reason))
		text = verr.Message
	case errors.Is(err, errSessionExpired):
		log.Info("button does not match conversation step", zap.String("payload", e.Payload))
		text = textSessionExpired
	case errors.Is(err, service.ErrUnauthorized):
		log.Warn("foreign order reference rejected", zap.String("payload", e.Payload))
		text = textUnauthorized
	case errors.Is(err, service.ErrAlreadyResolved):
		log.Debug("order already resolved", zap.String("payload", e.Payload))
		text = textAlreadyDone
	default:
		log.Error("could not handle event", zap.String("payload", e.Payload), zap.Error(err))
	}

	d.send(ctx, e.ChatID, text, mainMenuKeyboard())
}

func (d *Dispatcher) handleCommand(ctx context.Context, e model.Event) error {
	if fields := strings.Fields(e.Payload); len(fields) > 0 {
		name := fields[0]
		// Команды в группах приходят в виде /start@botname.
		if i := strings.IndexByte(name, '@'); i > 0 {
			name = name[:i]
		}
		if h, ok := d.commands[strings.ToLower(name)]; ok {
			return h(ctx, e)
		}
	}
	d.send(ctx, e.ChatID, textUnknownCommand, mainMenuKeyboard())
	return nil
}

func (d *Dispatcher) handleButton(ctx context.Context, e model.Event) error {
	if h, ok := d.buttons[e.Payload]; ok {
		return h(ctx, e)
	}
	for _, r := range d.prefixed {
		if arg, ok := strings.CutPrefix(e.Payload, r.prefix); ok {
			return r.handler(ctx, e, arg)
		}
	}

	d.send(ctx, e.ChatID, textUnknownCommand, nil)
	return nil
}

func (d *Dispatcher) handleText(ctx context.Context, e model.Event) error {
	conv, err := d.conversations.Get(ctx, e.ChatID)
	if err != nil {
		return err
	}

	if h, ok := d.texts[conv.Step()]; ok {
		return h(ctx, e)
	}

	d.send(ctx, e.ChatID, greetingText(e.FirstName), nil)
	return nil
}

func (d *Dispatcher) start(ctx context.Context, e model.Event) error {
	if err := d.conversations.Clear(ctx, e.ChatID); err != nil {
		return err
	}
	points, err := d.coord.Points(ctx, e.ChatID)
	if err != nil {
		return err
	}
	d.send(ctx, e.ChatID, welcomeText(e.FirstName, points), mainMenuKeyboard())
	return nil
}

func (d *Dispatcher) mainMenu(ctx context.Context, e model.Event) error {
	if err := d.conversations.Clear(ctx, e.ChatID); err != nil {
		return err
	}
	points, err := d.coord.Points(ctx, e.ChatID)
	if err != nil {
		return err
	}
	d.render(ctx, e, mainMenuText(points), mainMenuKeyboard())
	return nil
}

func (d *Dispatcher) points(ctx context.Context, e model.Event) error {
	points, err := d.coord.Points(ctx, e.ChatID)
	if err != nil {
		return err
	}
	d.render(ctx, e, pointsText(d.coord.Catalog(), points), pointsKeyboard())
	return nil
}

func (d *Dispatcher) help(ctx context.Context, e model.Event) error {
	points, err := d.coord.Points(ctx, e.ChatID)
	if err != nil {
		return err
	}
	d.render(ctx, e, helpText(points, d.adminContact), helpKeyboard())
	return nil
}

func (d *Dispatcher) newOrder(ctx context.Context, e model.Event) error {
	if err := d.conversations.Set(ctx, e.ChatID, model.ChoosingProduct{Kind: model.KindNew}); err != nil {
		return err
	}
	d.render(ctx, e, newOrderText, productKeyboard(d.coord.Catalog(), prefixNewType))
	return nil
}

func (d *Dispatcher) extend(ctx context.Context, e model.Event) error {
	if err := d.conversations.Set(ctx, e.ChatID, model.ChoosingProduct{Kind: model.KindExtend}); err != nil {
		return err
	}
	d.render(ctx, e, extendText, productKeyboard(d.coord.Catalog(), prefixExtendType))
	return nil
}

func (d *Dispatcher) redeemMenu(ctx context.Context, e model.Event) error {
	points, err := d.coord.Points(ctx, e.ChatID)
	if err != nil {
		return err
	}
	cat := d.coord.Catalog()
	d.render(ctx, e, redeemText(cat, points), redeemKeyboard(cat))
	return nil
}

func (d *Dispatcher) pickNewProduct(ctx context.Context, e model.Event, arg string) error {
	return d.pickProduct(ctx, e, model.KindNew, arg)
}

func (d *Dispatcher) pickExtendProduct(ctx context.Context, e model.Event, arg string) error {
	return d.pickProduct(ctx, e, model.KindExtend, arg)
}

func (d *Dispatcher) pickProduct(ctx context.Context, e model.Event, kind model.OrderKind, arg string) error {
	product, err := model.ParseProduct(arg)
	if err != nil {
		return errSessionExpired
	}

	if err := d.conversations.Set(ctx, e.ChatID, model.ChoosingDuration{Kind: kind, Product: product}); err != nil {
		return err
	}

	cat := d.coord.Catalog()
	d.render(ctx, e, durationText(cat, kind, product), durationKeyboard(cat))
	return nil
}

func (d *Dispatcher) pickDuration(ctx context.Context, e model.Event, arg string) error {
	days, err := strconv.Atoi(arg)
	if err != nil {
		return errSessionExpired
	}

	conv, err := d.conversations.Get(ctx, e.ChatID)
	if err != nil {
		return err
	}

	step, ok := conv.(model.ChoosingDuration)
	if !ok {
		return errSessionExpired
	}

	if step.Kind == model.KindExtend {
		if err := d.conversations.Set(ctx, e.ChatID, model.AwaitingExtendKey{Product: step.Product, Days: days}); err != nil {
			return err
		}
		d.render(ctx, e, textAskExtendKey, model.Keyboard{backRow()})
		return nil
	}

	_, err = d.coord.CreateOrder(ctx, e.ChatID, step.Product, model.KindNew, days, "")
	return err
}

func (d *Dispatcher) extendKey(ctx context.Context, e model.Event) error {
	conv, err := d.conversations.Get(ctx, e.ChatID)
	if err != nil {
		return err
	}

	step, ok := conv.(model.AwaitingExtendKey)
	if !ok {
		return errSessionExpired
	}

	_, err = d.coord.CreateOrder(ctx, e.ChatID, step.Product, model.KindExtend, step.Days, e.Payload)
	return err
}

func (d *Dispatcher) awaitingPayment(ctx context.Context, e model.Event) error {
	conv, err := d.conversations.Get(ctx, e.ChatID)
	if err != nil {
		return err
	}

	var kb model.Keyboard
	if id := conv.BoundOrder(); id != "" {
		kb = model.Keyboard{model.Row(model.Button{Text: "❌ Batalkan Pesanan", Data: prefixCancel + id})}
	}
	d.send(ctx, e.ChatID, textAwaitingPayment, kb)
	return nil
}

func (d *Dispatcher) pickRedeemDays(ctx context.Context, e model.Event, arg string) error {
	days, err := strconv.Atoi(arg)
	if err != nil {
		return errSessionExpired
	}
	if _, err := d.coord.Catalog().RedeemCost(days); err != nil {
		return errSessionExpired
	}

	if err := d.conversations.Set(ctx, e.ChatID, model.ChoosingRedeemProduct{Days: days}); err != nil {
		return err
	}
	d.render(ctx, e, redeemProductText(days), productKeyboard(d.coord.Catalog(), prefixRedeemType))
	return nil
}

func (d *Dispatcher) pickRedeemProduct(ctx context.Context, e model.Event, arg string) error {
	product, err := model.ParseProduct(arg)
	if err != nil {
		return errSessionExpired
	}

	conv, err := d.conversations.Get(ctx, e.ChatID)
	if err != nil {
		return err
	}

	step, ok := conv.(model.ChoosingRedeemProduct)
	if !ok {
		return errSessionExpired
	}

	_, err = d.coord.CreateOrder(ctx, e.ChatID, product, model.KindRedeem, step.Days, "")
	return err
}

func (d *Dispatcher) cancel(ctx context.Context, e model.Event, orderID string) error {
	return d.coord.CancelOrder(ctx, e.ChatID, orderID)
}

// render редактирует сообщение с кнопкой, а если это невозможно, отправляет новое.
func (d *Dispatcher) render(ctx context.Context, e model.Event, text string, kb model.Keyboard) {
	if e.Kind == model.EventButton && e.MessageID != 0 {
		err := d.messenger.EditMessage(ctx, e.ChatID, e.MessageID, text, kb)
		if err == nil {
			return
		}
		d.logger.Debug("could not edit message, sending a new one", zap.Int64("chat", e.ChatID), zap.Error(err))
	}
	d.send(ctx, e.ChatID, text, kb)
}

func (d *Dispatcher) send(ctx context.Context, chatID int64, text string, kb model.Keyboard) {
	if _, err := d.messenger.SendMessage(ctx, chatID, text, kb); err != nil {
		d.logger.Warn("could not send message", zap.Int64("chat", chatID), zap.Error(err))
	}
}
