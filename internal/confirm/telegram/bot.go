// Package telegram implements the confirmation channel and the user-facing commands on top
// of the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/confirm"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/machine"
	settingsrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings/repository"
	userdomain "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
)

// SessionService is the part of the session service the bot drives.
type SessionService interface {
	RequestAccess(ctx context.Context, userID, account string) (*domain.Session, error)
	Decide(ctx context.Context, d confirm.Decision) (*domain.Session, error)
	Disconnect(ctx context.Context, userID, sessionID string) (*domain.Session, error)
	Revoke(ctx context.Context, sessionID string) (*domain.Session, error)
	ListActiveForUser(ctx context.Context, userID string) ([]*domain.Session, error)
	ListActive(ctx context.Context) ([]*domain.Session, error)
	History(ctx context.Context, userID string, limit int) ([]*domain.Session, error)
}

// UserDirectory is the part of the user repository the bot needs, including the
// operator commands that manage registrations and account bindings.
type UserDirectory interface {
	GetByTelegramID(ctx context.Context, telegramID int64) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
	Update(ctx context.Context, u *userdomain.User) error
	ListByStatus(ctx context.Context, status userdomain.UserStatus) ([]*userdomain.User, error)
	ListAccounts(ctx context.Context, userID string) ([]*userdomain.AccountBinding, error)
	BindAccount(ctx context.Context, b *userdomain.AccountBinding) error
	UnbindAccount(ctx context.Context, userID, accountName string) (bool, error)
}

// SettingsStore persists runtime overrides edited from the admin chat.
type SettingsStore interface {
	All(ctx context.Context) (map[string]string, []error, error)
	Set(ctx context.Context, s settingsrepo.Setting) error
	Delete(ctx context.Context, key string) error
}

// sender is the subset of *tgbotapi.BotAPI used for outgoing calls.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Config configures the bot.
type Config struct {
	// Token is the bot token. Empty runs the bot in dry-run mode: sends are logged, no updates are read.
	Token string
	// AdminChatID receives operator notices and may use admin commands. 0 disables both.
	AdminChatID int64
	// PollTimeout is the getUpdates long-poll timeout in seconds.
	PollTimeout int
	// Links adds one-tap decision URLs to prompts when non-nil.
	Links *confirm.LinkBuilder
}

// Bot is a confirm.Channel and confirm.Notifier. Attach must be called before Start so
// incoming commands reach the session service.
type Bot struct {
	api         sender
	updates     func(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	stop        func()
	dryRun      bool
	adminChatID int64
	pollTimeout int
	links       *confirm.LinkBuilder
	log         *zap.Logger
	now         func() time.Time

	mu       sync.RWMutex
	sessions SessionService
	users    UserDirectory
	settings SettingsStore
}

// New connects to the Bot API. log may be nil.
func New(cfg Config, log *zap.Logger) (*Bot, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bot{
		adminChatID: cfg.AdminChatID,
		pollTimeout: cfg.PollTimeout,
		links:       cfg.Links,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if b.pollTimeout <= 0 {
		b.pollTimeout = 30
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		b.dryRun = true
		return b, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot api: %w", err)
	}
	b.api = api
	b.updates = api.GetUpdatesChan
	b.stop = api.StopReceivingUpdates
	log.Info("telegram: authorized", zap.String("bot", api.Self.UserName))
	return b, nil
}

// Attach wires the services used by incoming commands. store may be nil, which disables
// the settings commands.
func (b *Bot) Attach(sessions SessionService, users UserDirectory, store SettingsStore) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = sessions
	b.users = users
	b.settings = store
}

func (b *Bot) services() (SessionService, UserDirectory) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions, b.users
}

// Start reads updates until ctx is done. In dry-run mode it just waits.
func (b *Bot) Start(ctx context.Context) error {
	if b.dryRun {
		b.log.Warn("telegram: TELEGRAM_BOT_TOKEN is empty, running in dry mode")
		<-ctx.Done()
		return nil
	}
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = b.pollTimeout
	updates := b.updates(cfg)
	for {
		select {
		case <-ctx.Done():
			b.stop()
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, u)
		}
	}
}

// SendPrompt sends the approve/reject question with inline buttons.
func (b *Bot) SendPrompt(ctx context.Context, p confirm.Prompt) (confirm.DeliveryHandle, error) {
	if p.To.TelegramID == 0 {
		return confirm.DeliveryHandle{}, confirm.ErrNoRecipient
	}
	text := confirm.PromptText(p)
	rows := [][]InlineButton{{
		{Text: "Approve", Data: confirm.ConfirmCallback(p.SessionID, machine.AnswerYes)},
		{Text: "Reject", Data: confirm.ConfirmCallback(p.SessionID, machine.AnswerNo)},
	}}
	msg := tgbotapi.NewMessage(p.To.TelegramID, text)
	keyboard := BuildInlineKeyboard(rows)
	if b.links != nil {
		yes, no, err := b.links.Links(p)
		if err != nil {
			b.log.Warn("telegram: decision links unavailable", zap.String("session_id", p.SessionID), zap.Error(err))
		} else {
			keyboard.InlineKeyboard = append(keyboard.InlineKeyboard, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonURL("Approve in browser", yes),
				tgbotapi.NewInlineKeyboardButtonURL("Reject in browser", no),
			))
		}
	}
	msg.ReplyMarkup = keyboard
	sent, err := b.send(msg)
	if err != nil {
		return confirm.DeliveryHandle{}, err
	}
	return confirm.DeliveryHandle{ChatID: p.To.TelegramID, MessageID: sent.MessageID}, nil
}

// Notify sends a notice to the user.
func (b *Bot) Notify(ctx context.Context, to confirm.Recipient, n confirm.Notice) error {
	if to.TelegramID == 0 {
		return confirm.ErrNoRecipient
	}
	_, err := b.send(tgbotapi.NewMessage(to.TelegramID, confirm.NoticeText(n)))
	return err
}

// NotifyAdmin sends a notice to the operator chat. It is a no-op without an admin chat.
func (b *Bot) NotifyAdmin(ctx context.Context, n confirm.Notice) error {
	if b.adminChatID == 0 {
		return nil
	}
	text := "[admin] " + confirm.NoticeText(n)
	if n.UserID != "" {
		text += "\nuser: " + n.UserID
	}
	_, err := b.send(tgbotapi.NewMessage(b.adminChatID, text))
	return err
}

func (b *Bot) send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if b.dryRun {
		b.log.Debug("telegram: dry run, message not sent")
		return tgbotapi.Message{}, nil
	}
	m, err := b.api.Send(c)
	if err != nil {
		return tgbotapi.Message{}, fmt.Errorf("telegram send: %w", err)
	}
	return m, nil
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.Warn("telegram: reply failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) request(c tgbotapi.Chattable) {
	if b.dryRun {
		return
	}
	if _, err := b.api.Request(c); err != nil {
		b.log.Debug("telegram: request failed", zap.Error(err))
	}
}

var (
	_ confirm.Channel  = (*Bot)(nil)
	_ confirm.Notifier = (*Bot)(nil)
)

var errNotAttached = errors.New("telegram: services not attached")
