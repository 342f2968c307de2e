package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/confirm"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings"
	settingsrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings/repository"
	userdomain "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
)

const adminHelpText = `Admin commands:
/pending - list registrations awaiting approval
/approve <telegram id> - approve a user
/reject <telegram id> - reject a user
/user <telegram id> - show a user's settings
/bind <telegram id> <account> - allow a user to request an account
/unbind <telegram id> <account> - remove an account from a user
/setconfirm <telegram id> on|off|default - per-user confirmation
/setfwrule <telegram id> <rule id|-> - firewall rule enabled on confirmation
/setfwcomment <telegram id> <fragment|-> - firewall rule comment to search
/active - list active sessions
/revoke <session id> - end a session
/settings - show runtime overrides
/set <key> [value] - set an override, or reset it without a value`

// clearValue resets an optional per-user field.
const clearValue = "-"

// handleAdminCommand runs m when it is an admin command and reports whether it was one.
func (b *Bot) handleAdminCommand(ctx context.Context, m *tgbotapi.Message, args []string) bool {
	chatID := m.Chat.ID
	switch m.Command() {
	case "pending":
		b.cmdPending(ctx, chatID)
	case "approve":
		b.cmdSetStatus(ctx, chatID, args, userdomain.UserStatusApproved)
	case "reject":
		b.cmdSetStatus(ctx, chatID, args, userdomain.UserStatusRejected)
	case "user":
		b.cmdUser(ctx, chatID, args)
	case "bind":
		b.cmdBind(ctx, chatID, args)
	case "unbind":
		b.cmdUnbind(ctx, chatID, args)
	case "setconfirm":
		b.cmdSetConfirm(ctx, chatID, args)
	case "setfwrule":
		b.cmdSetFirewall(ctx, chatID, args, "/setfwrule <telegram id> <rule id|->", func(u *userdomain.User, v string) {
			u.FirewallRuleID = v
		})
	case "setfwcomment":
		b.cmdSetFirewall(ctx, chatID, args, "/setfwcomment <telegram id> <fragment|->", func(u *userdomain.User, v string) {
			u.FirewallRuleComment = v
		})
	case "active":
		b.cmdActive(ctx, chatID)
	case "revoke":
		b.cmdRevoke(ctx, chatID, args)
	case "settings":
		b.cmdSettings(ctx, chatID)
	case "set":
		b.cmdSet(ctx, m)
	default:
		return false
	}
	return true
}

// lookupUser parses a Telegram id argument and loads the user, replying on failure.
func (b *Bot) lookupUser(ctx context.Context, chatID int64, arg string) (*userdomain.User, bool) {
	tgID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		b.reply(chatID, "Telegram id must be a number.")
		return nil, false
	}
	_, users := b.services()
	u, err := users.GetByTelegramID(ctx, tgID)
	if err != nil {
		b.log.Warn("telegram: user lookup failed", zap.Int64("telegram_id", tgID), zap.Error(err))
		b.reply(chatID, replyFor(err))
		return nil, false
	}
	if u == nil {
		b.reply(chatID, "User not found.")
		return nil, false
	}
	return u, true
}

func (b *Bot) updateUser(ctx context.Context, chatID int64, u *userdomain.User) bool {
	_, users := b.services()
	if err := users.Update(ctx, u); err != nil {
		b.log.Warn("telegram: user update failed", zap.String("user_id", u.ID), zap.Error(err))
		b.reply(chatID, replyFor(err))
		return false
	}
	return true
}

func (b *Bot) cmdPending(ctx context.Context, chatID int64) {
	_, users := b.services()
	list, err := users.ListByStatus(ctx, userdomain.UserStatusPending)
	if err != nil {
		b.reply(chatID, replyFor(err))
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "No pending registrations.")
		return
	}
	lines := make([]string, 0, len(list))
	for _, u := range list {
		lines = append(lines, fmt.Sprintf("%s (%d) since %s  /approve %d", displayName(u), u.TelegramID,
			u.CreatedAt.Format("2006-01-02 15:04"), u.TelegramID))
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdSetStatus(ctx context.Context, chatID int64, args []string, status userdomain.UserStatus) {
	if len(args) != 1 {
		b.reply(chatID, fmt.Sprintf("Usage: /%s <telegram id>", statusVerb(status)))
		return
	}
	u, ok := b.lookupUser(ctx, chatID, args[0])
	if !ok {
		return
	}
	u.Status = status
	if status == userdomain.UserStatusApproved {
		now := b.now()
		u.ApprovedAt = &now
	}
	if !b.updateUser(ctx, chatID, u) {
		return
	}
	b.log.Info("telegram: user status changed", zap.String("user_id", u.ID), zap.String("status", string(status)))
	switch status {
	case userdomain.UserStatusApproved:
		b.reply(chatID, fmt.Sprintf("Approved %s (%d). Bind an account with /bind %d <account>.",
			displayName(u), u.TelegramID, u.TelegramID))
		b.reply(u.TelegramID, "Your registration was approved.\n"+helpText)
	default:
		b.reply(chatID, fmt.Sprintf("Rejected %s (%d).", displayName(u), u.TelegramID))
		b.reply(u.TelegramID, "Your registration was rejected.")
	}
}

func (b *Bot) cmdUser(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Usage: /user <telegram id>")
		return
	}
	u, ok := b.lookupUser(ctx, chatID, args[0])
	if !ok {
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
	b.reply(chatID, confirm.UserSummary(u, accounts))
}

func (b *Bot) cmdBind(ctx context.Context, chatID int64, args []string) {
	if len(args) != 2 {
		b.reply(chatID, "Usage: /bind <telegram id> <account>")
		return
	}
	u, ok := b.lookupUser(ctx, chatID, args[0])
	if !ok {
		return
	}
	account := args[1]
	_, users := b.services()
	err := users.BindAccount(ctx, &userdomain.AccountBinding{
		ID:          uuid.New().String(),
		UserID:      u.ID,
		AccountName: account,
		Active:      true,
		CreatedAt:   b.now(),
	})
	if err != nil {
		b.log.Warn("telegram: bind account failed", zap.String("user_id", u.ID), zap.Error(err))
		b.reply(chatID, replyFor(err))
		return
	}
	b.log.Info("telegram: account bound", zap.String("user_id", u.ID), zap.String("account", account))
	b.reply(chatID, fmt.Sprintf("Bound %s to %s (%d).", account, displayName(u), u.TelegramID))
	b.reply(u.TelegramID, fmt.Sprintf("VPN account %s is now available. Use /request %s.", account, account))
}

func (b *Bot) cmdUnbind(ctx context.Context, chatID int64, args []string) {
	if len(args) != 2 {
		b.reply(chatID, "Usage: /unbind <telegram id> <account>")
		return
	}
	u, ok := b.lookupUser(ctx, chatID, args[0])
	if !ok {
		return
	}
	_, users := b.services()
	removed, err := users.UnbindAccount(ctx, u.ID, args[1])
	if err != nil {
		b.reply(chatID, replyFor(err))
		return
	}
	if !removed {
		b.reply(chatID, fmt.Sprintf("%s is not bound to %s.", args[1], displayName(u)))
		return
	}
	b.log.Info("telegram: account unbound", zap.String("user_id", u.ID), zap.String("account", args[1]))
	b.reply(chatID, fmt.Sprintf("Unbound %s from %s. A running session is not ended; use /revoke for that.",
		args[1], displayName(u)))
}

func (b *Bot) cmdSetConfirm(ctx context.Context, chatID int64, args []string) {
	if len(args) != 2 {
		b.reply(chatID, "Usage: /setconfirm <telegram id> on|off|default")
		return
	}
	var override *bool
	switch strings.ToLower(args[1]) {
	case "on":
		v := true
		override = &v
	case "off":
		v := false
		override = &v
	case "default":
	default:
		b.reply(chatID, "Use on, off or default.")
		return
	}
	u, ok := b.lookupUser(ctx, chatID, args[0])
	if !ok {
		return
	}
	u.RequireConfirmation = override
	if !b.updateUser(ctx, chatID, u) {
		return
	}
	b.reply(chatID, fmt.Sprintf("Confirmation for %s: %s.", displayName(u), confirm.OverrideLabel(override)))
}

func (b *Bot) cmdSetFirewall(ctx context.Context, chatID int64, args []string, usage string, set func(*userdomain.User, string)) {
	if len(args) != 2 {
		b.reply(chatID, "Usage: "+usage)
		return
	}
	u, ok := b.lookupUser(ctx, chatID, args[0])
	if !ok {
		return
	}
	value := args[1]
	if value == clearValue {
		value = ""
	}
	set(u, value)
	if !b.updateUser(ctx, chatID, u) {
		return
	}
	b.reply(chatID, confirm.UserSummary(u, nil))
}

func (b *Bot) cmdActive(ctx context.Context, chatID int64) {
	sessions, _ := b.services()
	list, err := sessions.ListActive(ctx)
	if err != nil {
		b.reply(chatID, replyFor(err))
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "No active sessions.")
		return
	}
	now := b.now()
	lines := make([]string, 0, len(list))
	for _, s := range list {
		lines = append(lines, s.ID+"  "+confirm.SessionLine(s, now))
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdRevoke(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Usage: /revoke <session id>")
		return
	}
	sessions, _ := b.services()
	s, err := sessions.Revoke(ctx, args[0])
	if err != nil {
		b.reply(chatID, replyFor(err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Session %s revoked.", s.ID))
}

func (b *Bot) settingsStore() SettingsStore {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings
}

func (b *Bot) cmdSettings(ctx context.Context, chatID int64) {
	store := b.settingsStore()
	if store == nil {
		b.reply(chatID, "Runtime settings are not available.")
		return
	}
	values, skipped, err := store.All(ctx)
	if err != nil {
		b.reply(chatID, replyFor(err))
		return
	}
	if len(values) == 0 && len(skipped) == 0 {
		b.reply(chatID, "No overrides; environment defaults apply.\nKeys: "+strings.Join(settings.Keys, ", "))
		return
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys)+len(skipped))
	for _, k := range keys {
		v := values[k]
		if settings.SecretKeys[k] {
			v = "(set)"
		}
		lines = append(lines, k+" = "+v)
	}
	for _, e := range skipped {
		lines = append(lines, "unreadable: "+e.Error())
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

// cmdSet takes the raw arguments so multi-line values such as a Rego policy survive.
func (b *Bot) cmdSet(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	store := b.settingsStore()
	if store == nil {
		b.reply(chatID, "Runtime settings are not available.")
		return
	}
	key, value := splitFirst(strings.TrimSpace(m.CommandArguments()))
	if key == "" {
		b.reply(chatID, "Usage: /set <key> [value]\nKeys: "+strings.Join(settings.Keys, ", "))
		return
	}
	secret := settings.SecretKeys[key]
	if secret {
		// keep the secret out of the chat history
		b.request(tgbotapi.NewDeleteMessage(chatID, m.MessageID))
	}
	if value == "" {
		if !settings.IsKey(key) {
			b.reply(chatID, fmt.Sprintf("Unknown setting %q.", key))
			return
		}
		if err := store.Delete(ctx, key); err != nil {
			b.reply(chatID, "Could not reset "+key+": "+err.Error())
			return
		}
		b.log.Info("telegram: setting reset", zap.String("key", key))
		b.reply(chatID, fmt.Sprintf("Reset %s to its default.", key))
		return
	}
	if err := settings.Validate(key, value); err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if err := store.Set(ctx, settingsrepo.Setting{Key: key, Value: value, Secret: secret}); err != nil {
		b.log.Warn("telegram: setting not saved", zap.String("key", key), zap.Error(err))
		b.reply(chatID, "Could not save "+key+": "+err.Error())
		return
	}
	b.log.Info("telegram: setting saved", zap.String("key", key), zap.Bool("secret", secret))
	b.reply(chatID, fmt.Sprintf("Saved %s. It applies from the next reconciliation tick.", key))
}

func splitFirst(s string) (first, rest string) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func statusVerb(s userdomain.UserStatus) string {
	if s == userdomain.UserStatusApproved {
		return "approve"
	}
	return "reject"
}

func displayName(u *userdomain.User) string {
	if u.FullName != "" {
		return u.FullName
	}
	return strconv.FormatInt(u.TelegramID, 10)
}
