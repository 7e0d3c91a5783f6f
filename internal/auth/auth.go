// Package auth turns bearer tokens minted by the login front end into domain.AuthSession values.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"nadfeud/internal/domain"
)

var (
	ErrMissingToken = errors.New("authorization token required")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the identity fields of a session token.
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	IsAdmin  bool     `json:"is_admin"`
	CanVote  bool     `json:"can_vote"`
	jwt.StandardClaims
}

// Verifier validates and issues HS256 session tokens.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Parse checks the signature and expiry of raw and returns the session it describes.
func (v *Verifier) Parse(raw string) (domain.AuthSession, error) {
	if raw == "" {
		return domain.AuthSession{}, ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return domain.AuthSession{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return domain.AuthSession{}, ErrInvalidToken
	}
	return domain.AuthSession{
		UserID:   claims.Subject,
		Username: claims.Username,
		Roles:    claims.Roles,
		IsAdmin:  claims.IsAdmin,
		CanVote:  claims.CanVote,
	}, nil
}

// Issue mints a token for session. Used by operator tooling and tests.
func (v *Verifier) Issue(session domain.AuthSession) (string, error) {
	now := v.now()
	claims := Claims{
		Username: session.Username,
		Roles:    session.Roles,
		IsAdmin:  session.IsAdmin,
		CanVote:  session.CanVote,
		StandardClaims: jwt.StandardClaims{
			Subject:  session.UserID,
			IssuedAt: now.Unix(),
		},
	}
	if v.ttl > 0 {
		claims.ExpiresAt = now.Add(v.ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type sessionKey struct{}

// WithSession stores session on ctx.
func WithSession(ctx context.Context, session domain.AuthSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFrom returns the session stored by Middleware.
func SessionFrom(ctx context.Context) (domain.AuthSession, bool) {
	session, ok := ctx.Value(sessionKey{}).(domain.AuthSession)
	return session, ok
}

// TokenFromRequest reads a bearer token, falling back to the token query parameter for websocket clients.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
