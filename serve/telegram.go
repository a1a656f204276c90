package serve

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/parleyops/parley"
	"github.com/parleyops/parley/basic"
)

// TelegramBot handles incoming Telegram messages via long polling and
// feeds them into the runtime as live turns. Script suggestions become
// inline keyboard buttons on the reply.
type TelegramBot struct {
	bot   *tgbotapi.BotAPI
	rt    *basic.Runtime
	botID string
}

// NewTelegramBot creates a TelegramBot connected to the given token.
func NewTelegramBot(token, botID string, rt *basic.Runtime) (*TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	bot.Debug = false
	return &TelegramBot{
		bot:   bot,
		rt:    rt,
		botID: botID,
	}, nil
}

// Start runs the long-polling loop until ctx is cancelled.
func (t *TelegramBot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	slog.Info("telegram channel started", "bot", t.botID)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			go t.handle(ctx, update)
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		}
	}
}

// handle processes a single Telegram update.
func (t *TelegramBot) handle(ctx context.Context, update tgbotapi.Update) {
	text, chatID, userID, ok := updateText(update)
	if !ok {
		return
	}

	// Button presses come back as callback queries; acknowledge them
	// so the client stops the spinner.
	if update.CallbackQuery != nil {
		t.bot.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, ""))
	}

	user := "tg:" + strconv.FormatInt(userID, 10)
	out := func(reply string) {
		t.send(chatID, user, reply)
	}

	if err := t.rt.HandleTurn(ctx, t.botID, user, text, out); err != nil {
		slog.Error("telegram: turn failed", "bot", t.botID, "user", user, "error", err)
		t.bot.Send(tgbotapi.NewMessage(chatID, "Error: "+err.Error()))
	}
}

// updateText extracts the user text and addressing from an update.
func updateText(update tgbotapi.Update) (text string, chatID, userID int64, ok bool) {
	switch {
	case update.Message != nil && update.Message.Text != "":
		m := update.Message
		return m.Text, m.Chat.ID, m.From.ID, true
	case update.CallbackQuery != nil && update.CallbackQuery.Data != "":
		q := update.CallbackQuery
		return q.Data, q.Message.Chat.ID, q.From.ID, true
	default:
		return "", 0, 0, false
	}
}

// send delivers one reply, attaching any suggestions the script queued
// as an inline keyboard.
func (t *TelegramBot) send(chatID int64, user, text string) {
	msg := tgbotapi.NewMessage(chatID, text)

	if sess, ok := t.rt.Session(t.botID, user); ok {
		// Give the instance a beat to queue suggestions after TALK.
		time.Sleep(50 * time.Millisecond)
		if kb, ok := suggestionKeyboard(sess.Suggestions()); ok {
			msg.ReplyMarkup = kb
		}
	}

	if _, err := t.bot.Send(msg); err != nil {
		slog.Warn("telegram: failed to send message", "error", err)
	}
}

// suggestionKeyboard maps queued suggestions to an inline keyboard,
// one button per row.
func suggestionKeyboard(suggestions []parley.Suggestion) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(suggestions) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, s := range suggestions {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(s.Label, s.Text),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}
