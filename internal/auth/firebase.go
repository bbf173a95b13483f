package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

const firebaseProvider = "firebase"

// ErrInvalidIDToken indicates a Firebase ID token that failed verification.
var ErrInvalidIDToken = errors.New("auth: invalid firebase id token")

// IDTokenVerifier is the part of the Firebase auth client used for sign-in.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier verifies Firebase ID tokens issued to the web client.
type FirebaseVerifier struct {
	client IDTokenVerifier
}

var _ Verifier = (*FirebaseVerifier)(nil)

// NewFirebaseVerifier wraps a Firebase auth client.
func NewFirebaseVerifier(client IDTokenVerifier) (*FirebaseVerifier, error) {
	if client == nil {
		return nil, fmt.Errorf("auth: firebase client is required")
	}
	return &FirebaseVerifier{client: client}, nil
}

func (v *FirebaseVerifier) Verify(ctx context.Context, idToken string) (Credential, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(idToken), "Bearer "))
	if trimmed == "" {
		return Credential{}, ErrMissingSessionToken
	}
	token, err := v.client.VerifyIDToken(ctx, trimmed)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	if token == nil || normalize(token.UID) == "" {
		return Credential{}, ErrMissingCredentialSubject
	}
	provider := firebaseProvider
	if signIn := normalize(token.Firebase.SignInProvider); signIn != "" {
		provider = signIn
	}
	return Credential{
		Provider:    provider,
		Subject:     normalize(token.UID),
		Email:       claimString(token.Claims, "email"),
		DisplayName: claimString(token.Claims, "name"),
		PhotoURL:    claimString(token.Claims, "picture"),
	}, nil
}

func claimString(claims map[string]interface{}, key string) string {
	value, ok := claims[key].(string)
	if !ok {
		return ""
	}
	return normalize(value)
}
