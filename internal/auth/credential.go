package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrMissingCredentialSubject indicates a verified token that named no user.
var ErrMissingCredentialSubject = errors.New("auth: credential subject required")

// Credential is the result of an external sign-in.
type Credential struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
	PhotoURL    string
}

// Verifier turns a raw token from an identity provider into a Credential.
type Verifier interface {
	Verify(ctx context.Context, token string) (Credential, error)
}

// Provider is the sign-in boundary: it yields a Credential or an error.
type Provider interface {
	SignIn(ctx context.Context) (Credential, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Credential, error)

func (f ProviderFunc) SignIn(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// TokenSignIn signs in by verifying a token already obtained by the client.
type TokenSignIn struct {
	Verifier Verifier
	Token    string
}

func (s TokenSignIn) SignIn(ctx context.Context) (Credential, error) {
	if s.Verifier == nil {
		return Credential{}, errors.New("auth: verifier required")
	}
	return s.Verifier.Verify(ctx, s.Token)
}

// MultiVerifier tries each verifier in order and returns the first success.
type MultiVerifier []Verifier

func (m MultiVerifier) Verify(ctx context.Context, token string) (Credential, error) {
	var errs []error
	for _, verifier := range m {
		if verifier == nil {
			continue
		}
		credential, err := verifier.Verify(ctx, token)
		if err == nil {
			return credential, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Credential{}, errors.New("auth: no verifiers configured")
	}
	return Credential{}, errors.Join(errs...)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
