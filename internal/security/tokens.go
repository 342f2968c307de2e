package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed or invalid.
	ErrInvalidToken = errors.New("invalid token")
)

// DecisionClaims holds JWT claims for a one-tap confirmation link.
// Subject is the user the prompt was sent to.
type DecisionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
}

// DecisionTokenProvider issues and validates HS256 decision tokens.
type DecisionTokenProvider struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewDecisionTokenProvider returns a provider signing with secret. Tokens are valid for ttl.
func NewDecisionTokenProvider(secret []byte, issuer string, ttl time.Duration) *DecisionTokenProvider {
	return &DecisionTokenProvider{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token binding sessionID, userID and answer ("yes" or "no").
// Returns the token string and its expiration time.
func (p *DecisionTokenProvider) Issue(sessionID, userID, answer string) (token string, expiresAt time.Time, err error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := p.now().UTC()
	expiresAt = now.Add(p.ttl)
	claims := DecisionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
		Answer:    answer,
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	return token, expiresAt, err
}

// Validate parses and validates the token (signature, exp, iss).
// Returns sessionID, userID and answer, or ErrInvalidToken.
func (p *DecisionTokenProvider) Validate(tokenString string) (sessionID, userID, answer string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &DecisionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			return p.secret, nil
		}
		return nil, ErrInvalidToken
	}, jwt.WithTimeFunc(p.now), jwt.WithIssuer(p.issuer))
	if err != nil {
		return "", "", "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*DecisionClaims)
	if !ok || !token.Valid {
		return "", "", "", ErrInvalidToken
	}
	if claims.SessionID == "" || claims.Subject == "" {
		return "", "", "", ErrInvalidToken
	}
	return claims.SessionID, claims.Subject, claims.Answer, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
