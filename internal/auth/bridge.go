package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/finvex/tradestream/common/errors"
)

// Bridge runs token verification on a bounded worker pool so a slow
// verification never stalls connection handling or broadcast. Each Verify
// call suspends only its caller.
type Bridge struct {
	verifier TokenVerifier
	sem      chan struct{}
	timeout  time.Duration
	logger   *zap.Logger
}

// NewBridge creates a Bridge with at most workers concurrent verifications.
func NewBridge(verifier TokenVerifier, workers int, timeout time.Duration, logger *zap.Logger) *Bridge {
	if workers <= 0 {
		workers = 8
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bridge{
		verifier: verifier,
		sem:      make(chan struct{}, workers),
		timeout:  timeout,
		logger:   logger.Named("auth-bridge"),
	}
}

type verifyResult struct {
	ident *Identity
	err   error
}

// Verify resolves the token to an Identity. It blocks the calling goroutine
// only; cancellation of ctx (a dropped connection) abandons the pending
// verification without creating any state.
func (b *Bridge) Verify(ctx context.Context, token string) (*Identity, error) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.NewAuthFailure(errors.ReasonCancelled, ctx.Err())
	}

	vctx, cancel := context.WithTimeout(ctx, b.timeout)
	resultCh := make(chan verifyResult, 1)
	go func() {
		defer func() { <-b.sem }()
		defer cancel()
		ident, err := b.verifier.VerifyToken(vctx, token)
		resultCh <- verifyResult{ident: ident, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			b.logger.Debug("token verification failed", zap.Error(res.err))
		}
		return res.ident, res.err
	case <-ctx.Done():
		cancel()
		return nil, errors.NewAuthFailure(errors.ReasonCancelled, ctx.Err())
	}
}
