// Package credential manages the OAuth2 token lifecycle for the credentialed
// source: password-grant login, refresh-grant exchange, and fallback re-login.
package credential

import (
	"errors"
	"fmt"
	"time"
)

// Token is an access/refresh token pair with their expiries
type Token struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Present reports whether the token can still be used at all at now.
// A token whose refresh expiry has passed is treated as absent.
func (t *Token) Present(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	horizon := t.RefreshExpiresAt
	if t.RefreshToken == "" || horizon.IsZero() {
		horizon = t.AccessExpiresAt
	}
	return now.Before(horizon)
}

// AccessValid reports whether the access token is valid for at least buffer
func (t *Token) AccessValid(now time.Time, buffer time.Duration) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.AccessExpiresAt.Add(-buffer))
}

// CanRefresh reports whether the refresh token is valid for at least buffer
func (t *Token) CanRefresh(now time.Time, buffer time.Duration) bool {
	return t != nil && t.RefreshToken != "" && now.Before(t.RefreshExpiresAt.Add(-buffer))
}

// clamp keeps access expiry at or before refresh expiry
func (t Token) clamp() Token {
	if !t.RefreshExpiresAt.IsZero() && t.AccessExpiresAt.After(t.RefreshExpiresAt) {
		t.AccessExpiresAt = t.RefreshExpiresAt
	}
	return t
}

// ErrCredentialsMissing is returned when no email/password is configured
var ErrCredentialsMissing = errors.New("credentials missing: set the account email and password in settings")

// AuthError is an authentication or refresh failure. It is never retried by
// backoff; the user has to fix credentials.
type AuthError struct {
	Op  string // "login" or "refresh"
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed during %s (check the configured email and password): %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is an authentication failure
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
