package remote

import (
	"context"

	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/store"
)

// TokenSource supplies the bearer token for authenticated requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// AuthRecord is the value stored under secure_auth.
type AuthRecord struct {
	Token     string `json:"token"`
	UserID    int64  `json:"userId,omitempty"`
	CompanyID int64  `json:"companyId,omitempty"`
}

// StoreTokenSource reads the token from the local record store on every call,
// so a re-login is picked up without restarting.
type StoreTokenSource struct {
	secure *store.Secure
}

// NewStoreTokenSource creates a StoreTokenSource.
func NewStoreTokenSource(secure *store.Secure) *StoreTokenSource {
	return &StoreTokenSource{secure: secure}
}

// Token implements TokenSource.
func (s *StoreTokenSource) Token(ctx context.Context) (string, error) {
	var auth AuthRecord
	if !s.secure.GetJSON(ctx, store.KeyAuth, &auth) || auth.Token == "" {
		return "", errors.New(errors.ErrAuthMissing, "no bearer token in local storage")
	}
	return auth.Token, nil
}

// StaticToken is a fixed token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New(errors.ErrAuthMissing, "empty bearer token")
	}
	return string(t), nil
}
