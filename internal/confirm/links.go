package confirm

import (
	"errors"
	"net/url"
	"strings"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/security"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/machine"
)

// DecisionPath is where the HTTP decision handler is mounted.
const DecisionPath = "/v1/decisions"

// LinkBuilder produces signed one-tap decision URLs for prompts.
type LinkBuilder struct {
	tokens  *security.DecisionTokenProvider
	baseURL string
}

// NewLinkBuilder returns nil when either the token provider or baseURL is missing,
// which disables links in prompts.
func NewLinkBuilder(tokens *security.DecisionTokenProvider, baseURL string) *LinkBuilder {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if tokens == nil || baseURL == "" {
		return nil
	}
	return &LinkBuilder{tokens: tokens, baseURL: baseURL}
}

// Links returns the approve and reject URLs for p.
func (b *LinkBuilder) Links(p Prompt) (yes, no string, err error) {
	if b == nil {
		return "", "", errors.New("decision links are disabled")
	}
	yes, err = b.link(p, machine.AnswerYes)
	if err != nil {
		return "", "", err
	}
	no, err = b.link(p, machine.AnswerNo)
	return yes, no, err
}

func (b *LinkBuilder) link(p Prompt, a machine.Answer) (string, error) {
	token, _, err := b.tokens.Issue(p.SessionID, p.To.UserID, string(a))
	if err != nil {
		return "", err
	}
	return b.baseURL + DecisionPath + "?token=" + url.QueryEscape(token), nil
}
