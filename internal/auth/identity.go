// Package auth implements the identity bridge: non-blocking verification of
// connection tokens on a bounded worker pool, plus the entitlement contract
// against the external identity directory.
package auth

import (
	"context"

	"github.com/google/uuid"
)

// Identity is the account-scoped principal resolved from a verified token.
type Identity struct {
	UserID  uuid.UUID
	Subject string
	Email   string
}

// TokenVerifier checks an opaque bearer token and resolves its principal.
// The verification itself may block (signature check, principal lookup); the
// Bridge keeps it off the connection accept path.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Identity, error)
}

// Entitlements answers whether an identity may subscribe to an account's
// stream. Backed by the external identity directory.
type Entitlements interface {
	IsEntitled(ctx context.Context, ident *Identity, accountID string) (bool, error)
}
