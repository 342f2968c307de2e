package telegram

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/confirm"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/security"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/machine"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/service"
	settingsrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings/repository"
	userdomain "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
)

const adminChat = int64(999)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	err      error
	nextID   int
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeAPI) callbackAnswers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.requests {
		if cb, ok := c.(tgbotapi.CallbackConfig); ok {
			out = append(out, cb.Text)
		}
	}
	return out
}

type fakeSessions struct {
	requested []string
	decisions []confirm.Decision
	revoked   []string
	disc      []string
	active    []*domain.Session
	history   []*domain.Session
	err       error
}

func (f *fakeSessions) RequestAccess(_ context.Context, userID, account string) (*domain.Session, error) {
	f.requested = append(f.requested, userID+"/"+account)
	return &domain.Session{ID: "s-new", UserID: userID, AccountName: account}, f.err
}

func (f *fakeSessions) Decide(_ context.Context, d confirm.Decision) (*domain.Session, error) {
	f.decisions = append(f.decisions, d)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Session{ID: d.SessionID, Status: domain.StatusActive}, nil
}

func (f *fakeSessions) Disconnect(_ context.Context, userID, sessionID string) (*domain.Session, error) {
	f.disc = append(f.disc, userID+"/"+sessionID)
	return &domain.Session{ID: sessionID}, f.err
}

func (f *fakeSessions) Revoke(_ context.Context, sessionID string) (*domain.Session, error) {
	f.revoked = append(f.revoked, sessionID)
	return &domain.Session{ID: sessionID}, f.err
}

func (f *fakeSessions) ListActiveForUser(_ context.Context, userID string) ([]*domain.Session, error) {
	return f.active, nil
}

func (f *fakeSessions) ListActive(context.Context) ([]*domain.Session, error) {
	return f.active, nil
}

func (f *fakeSessions) History(_ context.Context, _ string, limit int) ([]*domain.Session, error) {
	if len(f.history) > limit {
		return f.history[:limit], nil
	}
	return f.history, nil
}

type memUsers struct {
	byTG     map[int64]*userdomain.User
	accounts map[string][]*userdomain.AccountBinding
}

func (m *memUsers) GetByTelegramID(_ context.Context, id int64) (*userdomain.User, error) {
	return m.byTG[id], nil
}

func (m *memUsers) Create(_ context.Context, u *userdomain.User) error {
	m.byTG[u.TelegramID] = u
	return nil
}

func (m *memUsers) Update(_ context.Context, u *userdomain.User) error {
	m.byTG[u.TelegramID] = u
	return nil
}

func (m *memUsers) ListAccounts(_ context.Context, userID string) ([]*userdomain.AccountBinding, error) {
	return m.accounts[userID], nil
}

func (m *memUsers) ListByStatus(_ context.Context, status userdomain.UserStatus) ([]*userdomain.User, error) {
	var out []*userdomain.User
	for _, u := range m.byTG {
		if u.Status == status {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TelegramID < out[j].TelegramID })
	return out, nil
}

func (m *memUsers) BindAccount(_ context.Context, b *userdomain.AccountBinding) error {
	for _, existing := range m.accounts[b.UserID] {
		if existing.AccountName == b.AccountName {
			existing.Active = b.Active
			return nil
		}
	}
	m.accounts[b.UserID] = append(m.accounts[b.UserID], b)
	return nil
}

func (m *memUsers) UnbindAccount(_ context.Context, userID, account string) (bool, error) {
	for _, b := range m.accounts[userID] {
		if b.AccountName == account && b.Active {
			b.Active = false
			return true, nil
		}
	}
	return false, nil
}

type memSettings struct {
	rows map[string]settingsrepo.Setting
	err  error
}

func (m *memSettings) All(context.Context) (map[string]string, []error, error) {
	out := make(map[string]string, len(m.rows))
	for k, r := range m.rows {
		out[k] = r.Value
	}
	return out, nil, nil
}

func (m *memSettings) Set(_ context.Context, s settingsrepo.Setting) error {
	if m.err != nil {
		return m.err
	}
	m.rows[s.Key] = s
	return nil
}

func (m *memSettings) Delete(_ context.Context, key string) error {
	delete(m.rows, key)
	return nil
}

type harness struct {
	bot      *Bot
	api      *fakeAPI
	sessions *fakeSessions
	users    *memUsers
	settings *memSettings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		api:      &fakeAPI{},
		sessions: &fakeSessions{},
		users: &memUsers{
			byTG:     map[int64]*userdomain.User{},
			accounts: map[string][]*userdomain.AccountBinding{},
		},
		settings: &memSettings{rows: map[string]settingsrepo.Setting{}},
	}
	h.bot = &Bot{
		api:         h.api,
		adminChatID: adminChat,
		pollTimeout: 30,
		log:         zap.NewNop(),
		now:         func() time.Time { return t0 },
	}
	h.bot.Attach(h.sessions, h.users, h.settings)
	return h
}

func (h *harness) approvedUser(id string, tg int64, accounts ...string) {
	h.users.byTG[tg] = &userdomain.User{ID: id, TelegramID: tg, Status: userdomain.UserStatusApproved}
	for _, a := range accounts {
		h.users.accounts[id] = append(h.users.accounts[id], &userdomain.AccountBinding{UserID: id, AccountName: a, Active: true})
	}
}

func command(chatID int64, text string) tgbotapi.Update {
	word, _, _ := strings.Cut(text, " ")
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chatID},
		From:     &tgbotapi.User{ID: chatID, FirstName: "Alice", UserName: "alice"},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(word)}},
	}}
}

func callback(fromID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: fromID},
		Message: &tgbotapi.Message{MessageID: 7, Chat: &tgbotapi.Chat{ID: fromID}},
		Data:    data,
	}}
}

func lastText(t *testing.T, h *harness) string {
	t.Helper()
	msgs := h.api.messages()
	if len(msgs) == 0 {
		t.Fatal("no message sent")
	}
	return msgs[len(msgs)-1].Text
}

func TestSendPrompt(t *testing.T) {
	h := newHarness(t)
	p := confirm.Prompt{
		To:          confirm.Recipient{UserID: "u1", TelegramID: 101},
		SessionID:   "s1",
		AccountName: "alice",
		Attempt:     1,
		Deadline:    t0.Add(5 * time.Minute),
	}
	handle, err := h.bot.SendPrompt(context.Background(), p)
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if handle.ChatID != 101 || handle.MessageID != 1 {
		t.Errorf("handle = %+v", handle)
	}
	msgs := h.api.messages()
	if len(msgs) != 1 || msgs[0].ChatID != 101 || !strings.Contains(msgs[0].Text, `"alice"`) {
		t.Fatalf("messages = %+v", msgs)
	}
	kb, ok := msgs[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard = %+v", msgs[0].ReplyMarkup)
	}
	if data := kb.InlineKeyboard[0][0].CallbackData; data == nil || *data != "confirm:s1:yes" {
		t.Errorf("approve data = %v", data)
	}
	if data := kb.InlineKeyboard[0][1].CallbackData; data == nil || *data != "confirm:s1:no" {
		t.Errorf("reject data = %v", data)
	}
}

func TestSendPrompt_WithLinks(t *testing.T) {
	h := newHarness(t)
	tokens := security.NewDecisionTokenProvider([]byte("0123456789abcdef0123456789abcdef"), "vpn2fa", 10*time.Minute)
	h.bot.links = confirm.NewLinkBuilder(tokens, "https://vpn.example.com/")
	_, err := h.bot.SendPrompt(context.Background(), confirm.Prompt{
		To: confirm.Recipient{UserID: "u1", TelegramID: 101}, SessionID: "s1", AccountName: "alice", Attempt: 1,
	})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	kb := h.api.messages()[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if len(kb.InlineKeyboard) != 2 {
		t.Fatalf("rows = %d, want 2", len(kb.InlineKeyboard))
	}
	u := kb.InlineKeyboard[1][0].URL
	if u == nil || !strings.HasPrefix(*u, "https://vpn.example.com/v1/decisions?token=") {
		t.Errorf("link = %v", u)
	}
}

func TestSendPrompt_Errors(t *testing.T) {
	h := newHarness(t)
	if _, err := h.bot.SendPrompt(context.Background(), confirm.Prompt{SessionID: "s1"}); !errors.Is(err, confirm.ErrNoRecipient) {
		t.Errorf("err = %v, want ErrNoRecipient", err)
	}
	h.api.err = errors.New("429 too many requests")
	if _, err := h.bot.SendPrompt(context.Background(), confirm.Prompt{To: confirm.Recipient{TelegramID: 1}}); err == nil {
		t.Error("expected send error")
	}
}

func TestDryRun(t *testing.T) {
	b, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := b.SendPrompt(context.Background(), confirm.Prompt{To: confirm.Recipient{TelegramID: 1}}); err != nil {
		t.Errorf("dry-run SendPrompt: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Start(ctx); err != nil {
		t.Errorf("dry-run Start: %v", err)
	}
}

func TestNotifyAdmin(t *testing.T) {
	h := newHarness(t)
	if err := h.bot.NotifyAdmin(context.Background(), confirm.Notice{Event: domain.EventExpired, AccountName: "alice", Detail: "revocation failed: force_disconnect"}); err != nil {
		t.Fatalf("NotifyAdmin: %v", err)
	}
	msgs := h.api.messages()
	if len(msgs) != 1 || msgs[0].ChatID != adminChat || !strings.Contains(msgs[0].Text, "force_disconnect") {
		t.Errorf("messages = %+v", msgs)
	}

	h.bot.adminChatID = 0
	if err := h.bot.NotifyAdmin(context.Background(), confirm.Notice{}); err != nil {
		t.Errorf("NotifyAdmin without chat: %v", err)
	}
	if len(h.api.messages()) != 1 {
		t.Error("no admin message expected without an admin chat")
	}
}

func TestCallback_Decision(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), callback(101, "confirm:s1:yes"))

	if len(h.sessions.decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(h.sessions.decisions))
	}
	d := h.sessions.decisions[0]
	if d.SessionID != "s1" || d.Answer != machine.AnswerYes || d.DeciderTelegramID != 101 {
		t.Errorf("decision = %+v", d)
	}
	if answers := h.api.callbackAnswers(); len(answers) != 1 || answers[0] != "Recorded." {
		t.Errorf("callback answers = %v", answers)
	}
}

func TestCallback_LateDecision(t *testing.T) {
	h := newHarness(t)
	h.sessions.err = service.ErrDecisionNotApplicable
	h.bot.HandleUpdate(context.Background(), callback(101, "confirm:s1:no"))
	answers := h.api.callbackAnswers()
	if len(answers) != 1 || !strings.Contains(answers[0], "no longer waiting") {
		t.Errorf("callback answers = %v", answers)
	}
}

func TestCallback_Malformed(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), callback(101, "confirm:s1:maybe"))
	if len(h.sessions.decisions) != 0 {
		t.Error("malformed callback must not reach the service")
	}
}

func TestCallback_Disconnect(t *testing.T) {
	h := newHarness(t)
	h.approvedUser("u1", 101, "alice")
	h.bot.HandleUpdate(context.Background(), callback(101, "disconnect:s1"))
	if len(h.sessions.disc) != 1 || h.sessions.disc[0] != "u1/s1" {
		t.Errorf("disconnects = %v", h.sessions.disc)
	}
}

func TestStart_RegistersPendingUser(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), command(101, "/start"))

	u := h.users.byTG[101]
	if u == nil || u.Status != userdomain.UserStatusPending || u.FullName != "Alice" {
		t.Fatalf("registered user = %+v", u)
	}
	var toAdmin bool
	for _, m := range h.api.messages() {
		if m.ChatID == adminChat && strings.Contains(m.Text, "/approve 101") {
			toAdmin = true
		}
	}
	if !toAdmin {
		t.Error("admin should be told about the registration")
	}

	h.bot.HandleUpdate(context.Background(), command(101, "/start"))
	if !strings.Contains(lastText(t, h), "pending") {
		t.Errorf("repeat /start reply = %q", lastText(t, h))
	}
}

func TestRequest(t *testing.T) {
	h := newHarness(t)
	h.approvedUser("u1", 101, "alice")
	h.approvedUser("u2", 102, "bob", "carol")

	h.bot.HandleUpdate(context.Background(), command(101, "/request"))
	if len(h.sessions.requested) != 1 || h.sessions.requested[0] != "u1/alice" {
		t.Errorf("requested = %v", h.sessions.requested)
	}

	h.bot.HandleUpdate(context.Background(), command(102, "/request"))
	msgs := h.api.messages()
	kb, ok := msgs[len(msgs)-1].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(kb.InlineKeyboard) != 2 {
		t.Fatalf("picker = %+v", msgs[len(msgs)-1])
	}
	h.bot.HandleUpdate(context.Background(), callback(102, *kb.InlineKeyboard[1][0].CallbackData))
	if got := h.sessions.requested[len(h.sessions.requested)-1]; got != "u2/carol" {
		t.Errorf("picked request = %q", got)
	}

	h.bot.HandleUpdate(context.Background(), command(102, "/request bob"))
	if got := h.sessions.requested[len(h.sessions.requested)-1]; got != "u2/bob" {
		t.Errorf("explicit request = %q", got)
	}
}

func TestRequest_ErrorsAreExplained(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), command(555, "/request"))
	if !strings.Contains(lastText(t, h), "/start") {
		t.Errorf("unregistered reply = %q", lastText(t, h))
	}

	h.approvedUser("u1", 101, "alice")
	h.sessions.err = domain.ErrSessionAlreadyActive
	h.bot.HandleUpdate(context.Background(), command(101, "/request alice"))
	if !strings.Contains(lastText(t, h), "already have an active session") {
		t.Errorf("reply = %q", lastText(t, h))
	}
}

func TestSessionsListing(t *testing.T) {
	h := newHarness(t)
	h.approvedUser("u1", 101, "alice")
	h.sessions.active = []*domain.Session{{ID: "s1", AccountName: "alice", Status: domain.StatusActive, ExpiresAt: t0.Add(2 * time.Hour)}}

	h.bot.HandleUpdate(context.Background(), command(101, "/sessions"))
	msgs := h.api.messages()
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Text, "alice") || !strings.Contains(last.Text, "2h0m0s") {
		t.Errorf("listing = %q", last.Text)
	}
	kb := last.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if data := kb.InlineKeyboard[0][0].CallbackData; data == nil || *data != "disconnect:s1" {
		t.Errorf("disconnect button = %v", data)
	}
}

func TestHistory(t *testing.T) {
	h := newHarness(t)
	h.approvedUser("u1", 101, "alice")

	h.bot.HandleUpdate(context.Background(), command(101, "/history"))
	msgs := h.api.messages()
	if last := msgs[len(msgs)-1]; last.Text != "No sessions yet." {
		t.Errorf("empty history = %q", last.Text)
	}

	h.sessions.history = []*domain.Session{
		{ID: "s2", AccountName: "alice", Status: domain.StatusActive, CreatedAt: t0},
		{ID: "s1", AccountName: "alice", Status: domain.StatusDisconnected, EndReason: domain.EndReasonConfirmTimeout, CreatedAt: t0.Add(-time.Hour)},
	}
	h.bot.HandleUpdate(context.Background(), command(101, "/history"))
	msgs = h.api.messages()
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Text, "active") || !strings.Contains(last.Text, "confirm_timeout") {
		t.Errorf("history = %q", last.Text)
	}
	if strings.Count(last.Text, "\n") != 1 {
		t.Errorf("history lines = %q, want 2 lines", last.Text)
	}
}

func TestAdminCommands(t *testing.T) {
	h := newHarness(t)
	h.users.byTG[101] = &userdomain.User{ID: "u1", TelegramID: 101, Status: userdomain.UserStatusPending}

	h.bot.HandleUpdate(context.Background(), command(101, "/approve 101"))
	if h.users.byTG[101].Status != userdomain.UserStatusPending {
		t.Fatal("non-admin must not approve")
	}

	h.bot.HandleUpdate(context.Background(), command(adminChat, "/approve 101"))
	u := h.users.byTG[101]
	if u.Status != userdomain.UserStatusApproved || u.ApprovedAt == nil || !u.ApprovedAt.Equal(t0) {
		t.Errorf("user after approve = %+v", u)
	}

	h.bot.HandleUpdate(context.Background(), command(adminChat, "/revoke s9"))
	if len(h.sessions.revoked) != 1 || h.sessions.revoked[0] != "s9" {
		t.Errorf("revoked = %v", h.sessions.revoked)
	}

	h.bot.HandleUpdate(context.Background(), command(adminChat, "/active"))
	if !strings.Contains(lastText(t, h), "No active sessions") {
		t.Errorf("active reply = %q", lastText(t, h))
	}
}

func TestAdminPendingAndReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bot.HandleUpdate(ctx, command(adminChat, "/pending"))
	if got := lastText(t, h); got != "No pending registrations." {
		t.Errorf("empty pending = %q", got)
	}

	h.users.byTG[101] = &userdomain.User{ID: "u1", TelegramID: 101, FullName: "Alice", Status: userdomain.UserStatusPending, CreatedAt: t0}
	h.users.byTG[102] = &userdomain.User{ID: "u2", TelegramID: 102, FullName: "Bob", Status: userdomain.UserStatusPending, CreatedAt: t0}
	h.bot.HandleUpdate(ctx, command(adminChat, "/pending"))
	got := lastText(t, h)
	if !strings.Contains(got, "Alice (101)") || !strings.Contains(got, "/approve 102") {
		t.Errorf("pending = %q", got)
	}

	h.bot.HandleUpdate(ctx, command(adminChat, "/reject 102"))
	if h.users.byTG[102].Status != userdomain.UserStatusRejected {
		t.Errorf("status after reject = %q", h.users.byTG[102].Status)
	}
	var told bool
	for _, m := range h.api.messages() {
		if m.ChatID == 102 && strings.Contains(m.Text, "rejected") {
			told = true
		}
	}
	if !told {
		t.Error("rejected user should be told")
	}

	h.bot.HandleUpdate(ctx, command(adminChat, "/reject 555"))
	if got := lastText(t, h); got != "User not found." {
		t.Errorf("reject unknown = %q", got)
	}
	h.bot.HandleUpdate(ctx, command(adminChat, "/reject abc"))
	if !strings.Contains(lastText(t, h), "must be a number") {
		t.Errorf("reject bad id = %q", lastText(t, h))
	}
}

func TestAdminBindUnlocksRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.users.byTG[101] = &userdomain.User{ID: "u1", TelegramID: 101, Status: userdomain.UserStatusPending}

	h.bot.HandleUpdate(ctx, command(adminChat, "/approve 101"))
	h.bot.HandleUpdate(ctx, command(adminChat, "/bind 101 alice"))
	if b := h.users.accounts["u1"]; len(b) != 1 || b[0].AccountName != "alice" || !b[0].Active || b[0].ID == "" {
		t.Fatalf("bindings = %+v", b)
	}

	h.bot.HandleUpdate(ctx, command(101, "/request"))
	if len(h.sessions.requested) != 1 || h.sessions.requested[0] != "u1/alice" {
		t.Errorf("requested = %v", h.sessions.requested)
	}

	h.bot.HandleUpdate(ctx, command(adminChat, "/unbind 101 alice"))
	if h.users.accounts["u1"][0].Active {
		t.Error("binding still active after unbind")
	}
	h.bot.HandleUpdate(ctx, command(adminChat, "/unbind 101 alice"))
	if !strings.Contains(lastText(t, h), "is not bound") {
		t.Errorf("second unbind = %q", lastText(t, h))
	}

	h.bot.HandleUpdate(ctx, command(adminChat, "/bind 101"))
	if !strings.HasPrefix(lastText(t, h), "Usage: /bind") {
		t.Errorf("bind usage = %q", lastText(t, h))
	}
}

func TestAdminCommandsIgnoredOutsideAdminChat(t *testing.T) {
	h := newHarness(t)
	h.approvedUser("u1", 101)
	h.bot.HandleUpdate(context.Background(), command(101, "/bind 101 alice"))
	if len(h.users.accounts["u1"]) != 0 {
		t.Error("non-admin must not bind accounts")
	}
	h.bot.HandleUpdate(context.Background(), command(101, "/set require_confirmation off"))
	if len(h.settings.rows) != 0 {
		t.Error("non-admin must not change settings")
	}
}

func TestAdminSetConfirm(t *testing.T) {
	h := newHarness(t)
	h.approvedUser("u1", 101)
	ctx := context.Background()

	h.bot.HandleUpdate(ctx, command(adminChat, "/setconfirm 101 off"))
	if rc := h.users.byTG[101].RequireConfirmation; rc == nil || *rc {
		t.Errorf("after off = %v", rc)
	}
	h.bot.HandleUpdate(ctx, command(adminChat, "/setconfirm 101 on"))
	if rc := h.users.byTG[101].RequireConfirmation; rc == nil || !*rc {
		t.Errorf("after on = %v", rc)
	}
	h.bot.HandleUpdate(ctx, command(adminChat, "/setconfirm 101 default"))
	if rc := h.users.byTG[101].RequireConfirmation; rc != nil {
		t.Errorf("after default = %v, want nil", *rc)
	}
	h.bot.HandleUpdate(ctx, command(adminChat, "/setconfirm 101 sometimes"))
	if !strings.Contains(lastText(t, h), "on, off or default") {
		t.Errorf("invalid reply = %q", lastText(t, h))
	}
}

func TestAdminFirewallAssignment(t *testing.T) {
	h := newHarness(t)
	h.approvedUser("u1", 101, "alice")
	ctx := context.Background()

	h.bot.HandleUpdate(ctx, command(adminChat, "/setfwrule 101 *5"))
	h.bot.HandleUpdate(ctx, command(adminChat, "/setfwcomment 101 alice-vpn"))
	u := h.users.byTG[101]
	if u.FirewallRuleID != "*5" || u.FirewallRuleComment != "alice-vpn" {
		t.Errorf("user = %+v", u)
	}
	if !strings.Contains(lastText(t, h), "firewall comment: alice-vpn") {
		t.Errorf("reply = %q", lastText(t, h))
	}

	h.bot.HandleUpdate(ctx, command(adminChat, "/setfwrule 101 -"))
	if h.users.byTG[101].FirewallRuleID != "" {
		t.Errorf("FirewallRuleID = %q, want cleared", h.users.byTG[101].FirewallRuleID)
	}

	h.bot.HandleUpdate(ctx, command(adminChat, "/user 101"))
	got := lastText(t, h)
	if !strings.Contains(got, "accounts: alice") || !strings.Contains(got, "firewall rule: -") {
		t.Errorf("/user = %q", got)
	}
}

func TestAdminSettings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bot.HandleUpdate(ctx, command(adminChat, "/set confirmation_timeout_seconds 120"))
	if r, ok := h.settings.rows["confirmation_timeout_seconds"]; !ok || r.Value != "120" || r.Secret {
		t.Errorf("row = %+v", r)
	}

	h.bot.HandleUpdate(ctx, command(adminChat, "/set confirmation_timeout_seconds soon"))
	if h.settings.rows["confirmation_timeout_seconds"].Value != "120" {
		t.Error("invalid value must not be stored")
	}
	h.bot.HandleUpdate(ctx, command(adminChat, "/set poll_interval_seconds 3"))
	if _, ok := h.settings.rows["poll_interval_seconds"]; ok {
		t.Error("unknown key must not be stored")
	}

	upd := command(adminChat, "/set mikrotik_password s3cret")
	upd.Message.MessageID = 42
	h.bot.HandleUpdate(ctx, upd)
	if r := h.settings.rows["mikrotik_password"]; r.Value != "s3cret" || !r.Secret {
		t.Errorf("password row = %+v", r)
	}
	var deleted bool
	for _, c := range h.api.requests {
		if d, ok := c.(tgbotapi.DeleteMessageConfig); ok && d.MessageID == 42 {
			deleted = true
		}
	}
	if !deleted {
		t.Error("message carrying a secret should be deleted")
	}

	h.bot.HandleUpdate(ctx, command(adminChat, "/settings"))
	got := lastText(t, h)
	if !strings.Contains(got, "confirmation_timeout_seconds = 120") || strings.Contains(got, "s3cret") {
		t.Errorf("/settings = %q", got)
	}

	h.bot.HandleUpdate(ctx, command(adminChat, "/set confirmation_timeout_seconds"))
	if _, ok := h.settings.rows["confirmation_timeout_seconds"]; ok {
		t.Error("setting without a value should reset the override")
	}

	h.settings.err = errors.New("settings key not configured")
	h.bot.HandleUpdate(ctx, command(adminChat, "/set mikrotik_host 10.0.0.1"))
	if !strings.Contains(lastText(t, h), "Could not save mikrotik_host") {
		t.Errorf("store failure reply = %q", lastText(t, h))
	}
}

func TestAdminSettingsWithoutStore(t *testing.T) {
	h := newHarness(t)
	h.bot.Attach(h.sessions, h.users, nil)
	h.bot.HandleUpdate(context.Background(), command(adminChat, "/set require_confirmation off"))
	if !strings.Contains(lastText(t, h), "not available") {
		t.Errorf("reply = %q", lastText(t, h))
	}
}

func TestSplitFirst(t *testing.T) {
	key, value := splitFirst("confirmation_policy package vpn2fa\nrequire_confirmation := true")
	if key != "confirmation_policy" || value != "package vpn2fa\nrequire_confirmation := true" {
		t.Errorf("splitFirst = %q, %q", key, value)
	}
	if k, v := splitFirst("mikrotik_host"); k != "mikrotik_host" || v != "" {
		t.Errorf("splitFirst(single) = %q, %q", k, v)
	}
}

func TestReplyFor(t *testing.T) {
	testCases := []struct {
		err  error
		want string
	}{
		{userdomain.ErrUserNotApproved, "not been approved"},
		{userdomain.ErrAccountNotBound, "not assigned"},
		{service.ErrSessionNotActive, "already ended"},
		{errors.New("boom"), "Something went wrong"},
	}
	for _, tc := range testCases {
		if got := replyFor(tc.err); !strings.Contains(got, tc.want) {
			t.Errorf("replyFor(%v) = %q, want containing %q", tc.err, got, tc.want)
		}
	}
}
