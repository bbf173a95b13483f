package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionIssuer is the issuer stamped by TAuth.
const DefaultSessionIssuer = "tauth"

const bearerPrefix = "Bearer "

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims is the payload of a TAuth session token.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserAvatarURL   string   `json:"user_avatar_url"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig configures a SessionValidator. An empty issuer means
// DefaultSessionIssuer.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator accepts HS256 session tokens from the TAuth cookie or an
// Authorization header and turns them into sign-in credentials.
type SessionValidator struct {
	secret     []byte
	cookieName string
	parser     *jwt.Parser
}

var _ Verifier = (*SessionValidator)(nil)

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		secret:     append([]byte(nil), cfg.SigningSecret...),
		cookieName: cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// CookieName is the cookie that carries the session token.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken checks signature, issuer and expiry and returns the claims.
func (v *SessionValidator) ValidateToken(raw string) (SessionClaims, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), bearerPrefix))
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.signingKey); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if normalize(claims.Subject) == "" && normalize(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest reads the token from the session cookie, falling back to a
// bearer Authorization header.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && normalize(cookie.Value) != "" {
		return v.ValidateToken(cookie.Value)
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return v.ValidateToken(header)
	}
	return SessionClaims{}, ErrMissingSessionToken
}

func (v *SessionValidator) Verify(_ context.Context, token string) (Credential, error) {
	claims, err := v.ValidateToken(token)
	if err != nil {
		return Credential{}, err
	}
	return CredentialFromClaims(claims)
}

func (v *SessionValidator) signingKey(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("%w: unexpected signing method %s", ErrInvalidSessionToken, token.Method.Alg())
	}
	return v.secret, nil
}

// CredentialFromClaims maps TAuth claims onto a Credential. A "provider:subject"
// user id names the provider explicitly; otherwise the issuer is the provider.
func CredentialFromClaims(claims SessionClaims) (Credential, error) {
	provider := DefaultSessionIssuer
	subject := normalize(claims.Subject)

	if raw := normalize(claims.UserID); raw != "" {
		prefix, rest, found := strings.Cut(raw, ":")
		switch {
		case found && normalize(prefix) != "" && normalize(rest) != "":
			provider, subject = normalize(prefix), normalize(rest)
		case subject == "":
			subject = raw
		}
	}
	if subject == "" {
		subject = normalize(claims.UserEmail)
	}
	if subject == "" {
		return Credential{}, ErrMissingCredentialSubject
	}

	return Credential{
		Provider:    provider,
		Subject:     subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		PhotoURL:    normalize(claims.UserAvatarURL),
	}, nil
}
