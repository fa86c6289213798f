// Package router maps account identifiers to broadcast groups and enforces
// the subscription authorization boundary.
package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/finvex/tradestream/common/errors"
	"github.com/finvex/tradestream/internal/auth"
	"github.com/finvex/tradestream/internal/ws"
)

// Broadcaster is the slice of the hub the router needs.
type Broadcaster interface {
	Join(group string, c *ws.Client)
	Leave(group string, c *ws.Client)
	Publish(group string, payload []byte) int
	Members(group string) int
}

// GroupName derives the broadcast group key for an account. Every routing
// decision goes through this one function.
func GroupName(accountID string) string {
	return "account:" + accountID
}

// Router fans account events out to the owning account's group.
type Router struct {
	hub          Broadcaster
	entitlements auth.Entitlements
	logger       *zap.Logger
}

// New creates a Router on top of the given broadcaster and directory.
func New(hub Broadcaster, entitlements auth.Entitlements, logger *zap.Logger) *Router {
	return &Router{
		hub:          hub,
		entitlements: entitlements,
		logger:       logger.Named("router"),
	}
}

// Subscribe checks that ident is entitled to the account and joins the
// connection to the account's group. An unauthorized identity gets an
// AuthorizationError and no membership; the connection stays usable for
// other accounts.
func (r *Router) Subscribe(ctx context.Context, c *ws.Client, accountID string, ident *auth.Identity) error {
	entitled, err := r.entitlements.IsEntitled(ctx, ident, accountID)
	if err != nil {
		return &errors.ProviderError{Op: "is_entitled", AccountID: accountID, Err: err}
	}
	if !entitled {
		r.logger.Warn("subscription refused",
			zap.String("subject", ident.Subject),
			zap.String("account_id", accountID))
		return &errors.AuthorizationError{Subject: ident.Subject, AccountID: accountID}
	}
	r.hub.Join(GroupName(accountID), c)
	r.logger.Debug("subscribed",
		zap.String("client_id", c.ID),
		zap.String("account_id", accountID))
	return nil
}

// Unsubscribe removes the connection from the account's group.
func (r *Router) Unsubscribe(c *ws.Client, accountID string) {
	r.hub.Leave(GroupName(accountID), c)
}

// Route forwards an event payload to the owning account's group and returns
// the number of members it was queued for.
func (r *Router) Route(accountID string, payload []byte) int {
	return r.hub.Publish(GroupName(accountID), payload)
}
