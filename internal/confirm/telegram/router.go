package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/confirm"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/service"
	userdomain "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
)

const callbackPrefixRequest = "request:"

const helpText = `Commands:
/request [account] - open a VPN session
/sessions - show your active session
/history - your recent sessions
/disconnect - end your session`

// HandleUpdate routes one update. Errors are reported to the chat and logged.
func (b *Bot) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.From != nil && u.Message.Chat != nil && u.Message.IsCommand():
		b.handleCommand(ctx, u.Message)
	}
}

func (b *Bot) handleCommand(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	args := strings.Fields(m.CommandArguments())
	if sessions, users := b.services(); sessions == nil || users == nil {
		b.reply(chatID, replyFor(errNotAttached))
		return
	}
	if b.isAdmin(chatID) && b.handleAdminCommand(ctx, m, args) {
		return
	}

	switch m.Command() {
	case "start":
		b.cmdStart(ctx, m)
		return
	case "help":
		text := helpText
		if b.isAdmin(chatID) {
			text += "\n\n" + adminHelpText
		}
		b.reply(chatID, text)
		return
	}

	u, ok := b.knownUser(ctx, m.From.ID, chatID)
	if !ok {
		return
	}
	switch m.Command() {
	case "request":
		b.cmdRequest(ctx, chatID, u, args)
	case "sessions", "status":
		b.cmdSessions(ctx, chatID, u)
	case "history":
		b.cmdHistory(ctx, chatID, u)
	case "disconnect":
		b.disconnect(ctx, chatID, u, "")
	default:
		b.reply(chatID, "Unknown command.\n"+helpText)
	}
}

func (b *Bot) cmdStart(ctx context.Context, m *tgbotapi.Message) {
	_, users := b.services()
	u, err := users.GetByTelegramID(ctx, m.From.ID)
	if err != nil {
		b.log.Warn("telegram: user lookup failed", zap.Int64("telegram_id", m.From.ID), zap.Error(err))
		b.reply(m.Chat.ID, replyFor(err))
		return
	}
	if u != nil {
		b.reply(m.Chat.ID, fmt.Sprintf("Your registration is %s.\n%s", u.Status, helpText))
		return
	}
	u = &userdomain.User{
		ID:         uuid.New().String(),
		TelegramID: m.From.ID,
		FullName:   strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
		Status:     userdomain.UserStatusPending,
		CreatedAt:  b.now(),
	}
	if err := users.Create(ctx, u); err != nil {
		b.log.Warn("telegram: register user failed", zap.Int64("telegram_id", m.From.ID), zap.Error(err))
		b.reply(m.Chat.ID, replyFor(err))
		return
	}
	b.log.Info("telegram: user registered", zap.String("user_id", u.ID), zap.Int64("telegram_id", u.TelegramID))
	b.reply(m.Chat.ID, "Registration received. An administrator has to approve it before you can request access.")
	if b.adminChatID != 0 {
		b.reply(b.adminChatID, fmt.Sprintf("New registration: %s (telegram id %d, @%s).\nApprove with /approve %d",
			u.FullName, u.TelegramID, m.From.UserName, u.TelegramID))
	}
}

func (b *Bot) cmdRequest(ctx context.Context, chatID int64, u *userdomain.User, args []string) {
	if len(args) > 0 {
		b.requestAccess(ctx, chatID, u, args[0])
		return
	}
	_, users := b.services()
	bindings, err := users.ListAccounts(ctx, u.ID)
	if err != nil {
		b.reply(chatID, replyFor(err))
		return
	}
	var accounts []string
	for _, bd := range bindings {
		if bd.Active {
			accounts = append(accounts, bd.AccountName)
		}
	}
	switch len(accounts) {
	case 0:
		b.reply(chatID, replyFor(userdomain.ErrAccountNotBound))
	case 1:
		b.requestAccess(ctx, chatID, u, accounts[0])
	default:
		rows := make([][]InlineButton, 0, len(accounts))
		for _, a := range accounts {
			rows = append(rows, []InlineButton{{Text: a, Data: callbackPrefixRequest + a}})
		}
		msg := tgbotapi.NewMessage(chatID, "Which account?")
		msg.ReplyMarkup = BuildInlineKeyboard(rows)
		if _, err := b.send(msg); err != nil {
			b.log.Warn("telegram: account picker failed", zap.Error(err))
		}
	}
}

func (b *Bot) requestAccess(ctx context.Context, chatID int64, u *userdomain.User, account string) {
	sessions, _ := b.services()
	if _, err := sessions.RequestAccess(ctx, u.ID, account); err != nil {
		b.log.Info("telegram: request rejected", zap.String("user_id", u.ID), zap.String("account", account), zap.Error(err))
		b.reply(chatID, replyFor(err))
	}
}

func (b *Bot) cmdSessions(ctx context.Context, chatID int64, u *userdomain.User) {
	sessions, _ := b.services()
	list, err := sessions.ListActiveForUser(ctx, u.ID)
	if err != nil {
		b.reply(chatID, replyFor(err))
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "No active session. Use /request to open one.")
		return
	}
	now := b.now()
	for _, s := range list {
		msg := tgbotapi.NewMessage(chatID, confirm.SessionLine(s, now))
		msg.ReplyMarkup = BuildInlineKeyboard([][]InlineButton{{{Text: "Disconnect", Data: confirm.DisconnectCallback(s.ID)}}})
		if _, err := b.send(msg); err != nil {
			b.log.Warn("telegram: session listing failed", zap.Error(err))
		}
	}
}

// historyLimit caps /history output.
const historyLimit = 10

func (b *Bot) cmdHistory(ctx context.Context, chatID int64, u *userdomain.User) {
	sessions, _ := b.services()
	list, err := sessions.History(ctx, u.ID, historyLimit)
	if err != nil {
		b.reply(chatID, replyFor(err))
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "No sessions yet.")
		return
	}
	var sb strings.Builder
	for _, s := range list {
		sb.WriteString(confirm.HistoryLine(s))
		sb.WriteByte('\n')
	}
	b.reply(chatID, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) disconnect(ctx context.Context, chatID int64, u *userdomain.User, sessionID string) {
	sessions, _ := b.services()
	if _, err := sessions.Disconnect(ctx, u.ID, sessionID); err != nil {
		b.reply(chatID, replyFor(err))
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil {
		return
	}
	answer := ""
	defer func() { b.request(tgbotapi.NewCallback(q.ID, answer)) }()

	chatID := q.From.ID
	if q.Message != nil && q.Message.Chat != nil {
		chatID = q.Message.Chat.ID
	}

	if account, ok := strings.CutPrefix(q.Data, callbackPrefixRequest); ok {
		if u, ok := b.knownUser(ctx, q.From.ID, chatID); ok {
			b.requestAccess(ctx, chatID, u, account)
		}
		return
	}

	cb, ok := confirm.ParseCallback(q.Data)
	if !ok {
		answer = "Unknown action."
		return
	}
	sessions, _ := b.services()
	if sessions == nil {
		answer = replyFor(errNotAttached)
		return
	}
	if cb.Disconnect {
		u, ok := b.knownUser(ctx, q.From.ID, chatID)
		if !ok {
			return
		}
		if _, err := sessions.Disconnect(ctx, u.ID, cb.SessionID); err != nil {
			answer = replyFor(err)
			return
		}
		answer = "Disconnected."
		b.clearKeyboard(q)
		return
	}

	s, err := sessions.Decide(ctx, confirm.Decision{
		SessionID:         cb.SessionID,
		Answer:            cb.Answer,
		DeciderTelegramID: q.From.ID,
	})
	if err != nil {
		answer = replyFor(err)
		if errors.Is(err, service.ErrDecisionNotApplicable) {
			b.clearKeyboard(q)
		}
		return
	}
	answer = "Recorded."
	b.clearKeyboard(q)
	b.log.Info("telegram: decision recorded", zap.String("session_id", s.ID), zap.String("status", string(s.Status)))
}

// clearKeyboard removes the buttons from the message a callback came from.
func (b *Bot) clearKeyboard(q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.Message.Chat == nil {
		return
	}
	b.request(tgbotapi.NewEditMessageReplyMarkup(q.Message.Chat.ID, q.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}))
}

func (b *Bot) knownUser(ctx context.Context, telegramID, chatID int64) (*userdomain.User, bool) {
	sessions, users := b.services()
	if sessions == nil || users == nil {
		b.reply(chatID, replyFor(errNotAttached))
		return nil, false
	}
	u, err := users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		b.log.Warn("telegram: user lookup failed", zap.Int64("telegram_id", telegramID), zap.Error(err))
		b.reply(chatID, replyFor(err))
		return nil, false
	}
	if u == nil {
		b.reply(chatID, "You are not registered. Send /start first.")
		return nil, false
	}
	return u, true
}

func (b *Bot) isAdmin(chatID int64) bool {
	return b.adminChatID != 0 && chatID == b.adminChatID
}

// replyFor maps service errors to user-facing text.
func replyFor(err error) string {
	switch {
	case errors.Is(err, userdomain.ErrUserNotApproved):
		return "Your registration has not been approved yet."
	case errors.Is(err, userdomain.ErrAccountNotBound):
		return "That account is not assigned to you."
	case errors.Is(err, domain.ErrSessionAlreadyActive):
		return "You already have an active session. Use /sessions."
	case errors.Is(err, domain.ErrSessionNotFound):
		return "No such session."
	case errors.Is(err, service.ErrDecisionNotApplicable):
		return "This request is no longer waiting for an answer."
	case errors.Is(err, service.ErrSessionNotActive):
		return "That session has already ended."
	case errors.Is(err, service.ErrNotSessionOwner):
		return "That session is not yours."
	case errors.Is(err, service.ErrInvalidAccount):
		return "Please name an account."
	case errors.Is(err, errNotAttached):
		return "The service is starting, try again shortly."
	}
	return "Something went wrong, please try again later."
}
