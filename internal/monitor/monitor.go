// Package monitor runs the periodic safety loop over open positions:
// evaluate protective rules per position, issue at most one corrective
// command through the external trading provider, and leave an audit trail.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finvex/tradestream/common/errors"
	"github.com/finvex/tradestream/internal/audit"
	"github.com/finvex/tradestream/internal/schema"
)

// Provider is the external trading capability consumed by the monitor.
// Positions are only ever mutated through these commands.
type Provider interface {
	GetOpenPositions(ctx context.Context, accountID string) ([]schema.OpenPosition, error)
	AdjustStop(ctx context.Context, positionID string, stop decimal.Decimal) error
	ClosePosition(ctx context.Context, positionID string) error
}

// QuoteSource supplies the latest observed tick per symbol. The ingest
// gateway implements it.
type QuoteSource interface {
	LastTick(symbol string) (schema.PriceTick, bool)
}

// AccountSource lists the accounts a cycle should cover.
type AccountSource interface {
	ActiveAccounts(ctx context.Context) ([]string, error)
}

// Config holds the monitor's rule parameters. The thresholds are
// configuration inputs with conservative defaults; brokers tune them.
type Config struct {
	Cooldown            time.Duration
	Workers             int
	ProviderTimeout     time.Duration
	TrailDistance       decimal.Decimal
	BreakEvenTrigger    decimal.Decimal
	MaxAdverseExcursion decimal.Decimal
}

// DefaultConfig returns the documented defaults: 5m cool-down, 4 workers,
// rules disabled unless a threshold is set.
func DefaultConfig() Config {
	return Config{
		Cooldown:        5 * time.Minute,
		Workers:         4,
		ProviderTimeout: 10 * time.Second,
	}
}

// Monitor evaluates the rule set over every account's open positions.
type Monitor struct {
	cfg      Config
	provider Provider
	quotes   QuoteSource
	recorder *audit.Recorder
	logger   *zap.Logger
	rules    []Rule

	// busy holds per-account cycle locks; two cycles for one account never
	// overlap.
	busy sync.Map

	cdMu      sync.Mutex
	cooldowns map[string]time.Time

	now func() time.Time
}

// New creates a Monitor. Rules whose threshold is unset are not installed.
func New(cfg Config, provider Provider, quotes QuoteSource, recorder *audit.Recorder, logger *zap.Logger) *Monitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	m := &Monitor{
		cfg:       cfg,
		provider:  provider,
		quotes:    quotes,
		recorder:  recorder,
		logger:    logger.Named("monitor"),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
	if !cfg.MaxAdverseExcursion.IsZero() {
		m.rules = append(m.rules, MaxAdverseExcursionRule{Threshold: cfg.MaxAdverseExcursion})
	}
	if !cfg.TrailDistance.IsZero() {
		m.rules = append(m.rules, TrailingStopRule{Distance: cfg.TrailDistance})
	}
	if !cfg.BreakEvenTrigger.IsZero() {
		m.rules = append(m.rules, BreakEvenRule{Trigger: cfg.BreakEvenTrigger})
	}
	return m
}

// RunCycle evaluates every account once, with bounded parallelism. Accounts
// still executing a previous cycle are skipped, not queued.
func (m *Monitor) RunCycle(ctx context.Context, accounts []string) {
	cyclesCounter.Inc()
	sem := make(chan struct{}, m.cfg.Workers)
	var wg sync.WaitGroup
	for _, accountID := range accounts {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			defer func() { <-sem }()
			m.monitorAccount(ctx, accountID)
		}(accountID)
	}
	wg.Wait()
}

// CycleFunc binds the monitor to an account source for the scheduler.
func (m *Monitor) CycleFunc(src AccountSource) func(context.Context) {
	return func(ctx context.Context) {
		accounts, err := src.ActiveAccounts(ctx)
		if err != nil {
			m.logger.Error("account listing failed, skipping cycle", zap.Error(err))
			return
		}
		m.RunCycle(ctx, accounts)
	}
}

func (m *Monitor) monitorAccount(ctx context.Context, accountID string) {
	if _, running := m.busy.LoadOrStore(accountID, struct{}{}); running {
		skippedCounter.Inc()
		m.logger.Info("cycle still running for account, skipping",
			zap.String("account_id", accountID))
		if m.recorder != nil {
			m.recorder.Record(audit.Event{Kind: audit.KindCycleSkipped, AccountID: accountID})
		}
		return
	}
	defer m.busy.Delete(accountID)

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	positions, err := m.provider.GetOpenPositions(pctx, accountID)
	cancel()
	if err != nil {
		providerErrorsCounter.Inc()
		m.logger.Warn("open positions fetch failed",
			zap.String("account_id", accountID),
			zap.Error(err))
		return
	}

	for _, pos := range positions {
		if ctx.Err() != nil {
			return
		}
		m.evaluatePosition(ctx, pos)
	}
}

// evaluatePosition applies the rule set to one position and issues at most
// one corrective command. A provider failure is recorded and left for the
// next scheduled cycle; it never aborts the rest of the cycle.
func (m *Monitor) evaluatePosition(ctx context.Context, pos schema.OpenPosition) {
	tick, ok := m.quotes.LastTick(pos.Symbol)
	if !ok {
		return
	}
	if m.onCooldown(pos.PositionID) {
		return
	}

	var fired []Action
	for _, rule := range m.rules {
		if action, hit := rule.Evaluate(pos, tick); hit {
			fired = append(fired, action)
		}
	}
	action, ok := mostRiskReducing(pos, fired)
	if !ok {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	defer cancel()

	var err error
	switch action.Kind {
	case ActionClosePosition:
		err = m.provider.ClosePosition(pctx, pos.PositionID)
	case ActionAdjustStop:
		err = m.provider.AdjustStop(pctx, pos.PositionID, action.Stop)
	}
	if err != nil {
		providerErrorsCounter.Inc()
		perr := &errors.ProviderError{
			Op:         string(action.Kind),
			AccountID:  pos.AccountID,
			PositionID: pos.PositionID,
			Err:        err,
		}
		m.logger.Warn("corrective command failed, will retry next cycle", zap.Error(perr))
		if m.recorder != nil {
			m.recorder.Record(audit.Event{
				Kind:       audit.KindCommandFailed,
				AccountID:  pos.AccountID,
				PositionID: pos.PositionID,
				Rule:       action.Rule,
				Detail:     map[string]string{"error": err.Error()},
			})
		}
		return
	}

	m.setCooldown(pos.PositionID)
	commandsCounter.WithLabelValues(string(action.Kind)).Inc()

	kind := audit.KindStopAdjusted
	detail := map[string]string{
		"old_stop": pos.StopLoss.String(),
		"new_stop": action.Stop.String(),
	}
	if action.Kind == ActionClosePosition {
		kind = audit.KindPositionClosed
		detail = map[string]string{"entry_price": pos.EntryPrice.String()}
	}
	if m.recorder != nil {
		m.recorder.Record(audit.Event{
			Kind:       kind,
			AccountID:  pos.AccountID,
			PositionID: pos.PositionID,
			Rule:       action.Rule,
			Detail:     detail,
		})
	}
	m.logger.Info("corrective action issued",
		zap.String("account_id", pos.AccountID),
		zap.String("position_id", pos.PositionID),
		zap.String("action", string(action.Kind)),
		zap.String("rule", action.Rule))
}

func (m *Monitor) onCooldown(positionID string) bool {
	m.cdMu.Lock()
	defer m.cdMu.Unlock()
	last, ok := m.cooldowns[positionID]
	return ok && m.now().Sub(last) < m.cfg.Cooldown
}

func (m *Monitor) setCooldown(positionID string) {
	m.cdMu.Lock()
	m.cooldowns[positionID] = m.now()
	m.cdMu.Unlock()
}
