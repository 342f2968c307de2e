// Package confirmtest records prompts and notices for tests.
package confirmtest

import (
	"context"
	"sync"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/confirm"
)

// AdminRecipient marks notices sent with NotifyAdmin.
var AdminRecipient = confirm.Recipient{UserID: "admin"}

// SentNotice is one recorded notice.
type SentNotice struct {
	To     confirm.Recipient
	Notice confirm.Notice
}

// Recorder implements confirm.Channel and confirm.Notifier in memory.
type Recorder struct {
	mu      sync.Mutex
	prompts []confirm.Prompt
	notices []SentNotice

	// PromptErr and NotifyErr, when set, are returned after recording.
	PromptErr error
	NotifyErr error
}

func (r *Recorder) SendPrompt(_ context.Context, p confirm.Prompt) (confirm.DeliveryHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, p)
	if r.PromptErr != nil {
		return confirm.DeliveryHandle{}, r.PromptErr
	}
	return confirm.DeliveryHandle{ChatID: p.To.TelegramID, MessageID: len(r.prompts)}, nil
}

func (r *Recorder) Notify(_ context.Context, to confirm.Recipient, n confirm.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, SentNotice{To: to, Notice: n})
	return r.NotifyErr
}

func (r *Recorder) NotifyAdmin(_ context.Context, n confirm.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, SentNotice{To: AdminRecipient, Notice: n})
	return r.NotifyErr
}

// Prompts returns a copy of the recorded prompts.
func (r *Recorder) Prompts() []confirm.Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]confirm.Prompt(nil), r.prompts...)
}

// Notices returns a copy of the recorded notices.
func (r *Recorder) Notices() []SentNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SentNotice(nil), r.notices...)
}

// AdminNotices returns notices sent with NotifyAdmin.
func (r *Recorder) AdminNotices() []confirm.Notice {
	var out []confirm.Notice
	for _, n := range r.Notices() {
		if n.To == AdminRecipient {
			out = append(out, n.Notice)
		}
	}
	return out
}

var (
	_ confirm.Channel  = (*Recorder)(nil)
	_ confirm.Notifier = (*Recorder)(nil)
)
