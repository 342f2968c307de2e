// Package handler serves the signed one-tap decision links embedded in confirmation prompts.
package handler

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/confirm"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/security"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/machine"
	sessionservice "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/service"
)

// TokenValidator validates decision tokens (e.g. *security.DecisionTokenProvider).
type TokenValidator interface {
	Validate(token string) (sessionID, userID, answer string, err error)
}

// Handler renders a confirmation form on GET and applies the decision on POST.
// GET never changes state: chat clients prefetch links for previews.
type Handler struct {
	tokens  TokenValidator
	decider confirm.Decider
	log     *zap.Logger
}

// New returns a Handler. log may be nil.
func New(tokens TokenValidator, decider confirm.Decider, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{tokens: tokens, decider: decider, log: log}
}

// Register mounts the handler at confirm.DecisionPath.
func (h *Handler) Register(r chi.Router) {
	r.Get(confirm.DecisionPath, h.form)
	r.Post(confirm.DecisionPath, h.decide)
}

var page = template.Must(template.New("decision").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width">
<title>VPN connection</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Token}}<form method="post">
<input type="hidden" name="token" value="{{.Token}}">
<button type="submit">{{.Button}}</button>
</form>{{end}}
</body></html>
`))

type view struct {
	Title   string
	Message string
	Token   string
	Button  string
}

func (h *Handler) form(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	_, _, answer, err := h.tokens.Validate(token)
	if err != nil {
		h.render(w, http.StatusUnauthorized, view{Title: "Link expired", Message: "This decision link is invalid or has expired."})
		return
	}
	v := view{Title: "Approve VPN connection?", Message: "Confirm that this connection is yours.", Token: token, Button: "Approve"}
	if machine.Answer(answer) == machine.AnswerNo {
		v = view{Title: "Reject VPN connection?", Message: "The connection will be terminated.", Token: token, Button: "Reject"}
	}
	h.render(w, http.StatusOK, v)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render(w, http.StatusBadRequest, view{Title: "Bad request", Message: "The form could not be read."})
		return
	}
	sessionID, userID, answer, err := h.tokens.Validate(r.PostForm.Get("token"))
	if err != nil {
		h.render(w, http.StatusUnauthorized, view{Title: "Link expired", Message: "This decision link is invalid or has expired."})
		return
	}
	s, err := h.decider.Decide(r.Context(), confirm.Decision{
		SessionID:     sessionID,
		Answer:        machine.Answer(answer),
		DeciderUserID: userID,
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSessionNotFound):
		h.render(w, http.StatusNotFound, view{Title: "Not found", Message: "This session no longer exists."})
		return
	case errors.Is(err, sessionservice.ErrDecisionNotApplicable), errors.Is(err, machine.ErrNotApplicable):
		h.render(w, http.StatusConflict, view{Title: "Already handled", Message: "This session is no longer waiting for a decision."})
		return
	default:
		h.log.Error("apply decision", zap.String("session_id", sessionID), zap.Error(err))
		h.render(w, http.StatusInternalServerError, view{Title: "Error", Message: "The decision could not be applied. Try again from Telegram."})
		return
	}
	if s.Status == domain.StatusActive {
		h.render(w, http.StatusOK, view{Title: "Approved", Message: "Your VPN connection is active until " + s.ExpiresAt.UTC().Format("2006-01-02 15:04 MST") + "."})
		return
	}
	h.render(w, http.StatusOK, view{Title: "Rejected", Message: "The connection was terminated."})
}

func (h *Handler) render(w http.ResponseWriter, status int, v view) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)
	if err := page.Execute(w, v); err != nil {
		h.log.Warn("render decision page", zap.Error(err))
	}
}

var _ TokenValidator = (*security.DecisionTokenProvider)(nil)
