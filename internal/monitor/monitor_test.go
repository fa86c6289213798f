package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finvex/tradestream/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type command struct {
	kind       ActionKind
	positionID string
	stop       decimal.Decimal
}

type fakeProvider struct {
	mu        sync.Mutex
	positions map[string][]schema.OpenPosition
	commands  []command
	failNext  bool
	block     chan struct{}
	fetches   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{positions: make(map[string][]schema.OpenPosition)}
}

func (f *fakeProvider) GetOpenPositions(ctx context.Context, accountID string) ([]schema.OpenPosition, error) {
	f.mu.Lock()
	f.fetches++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[accountID], nil
}

func (f *fakeProvider) AdjustStop(_ context.Context, positionID string, stop decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("provider rejected command")
	}
	f.commands = append(f.commands, command{kind: ActionAdjustStop, positionID: positionID, stop: stop})
	// Reflect the adjustment so the next cycle sees the new stop.
	for acc, positions := range f.positions {
		for i := range positions {
			if positions[i].PositionID == positionID {
				f.positions[acc][i].StopLoss = stop
			}
		}
	}
	return nil
}

func (f *fakeProvider) ClosePosition(_ context.Context, positionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("provider rejected command")
	}
	f.commands = append(f.commands, command{kind: ActionClosePosition, positionID: positionID})
	return nil
}

func (f *fakeProvider) issued() []command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]command, len(f.commands))
	copy(out, f.commands)
	return out
}

type fakeQuotes struct {
	mu    sync.Mutex
	ticks map[string]schema.PriceTick
}

func (f *fakeQuotes) set(symbol string, bid, ask string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ticks == nil {
		f.ticks = make(map[string]schema.PriceTick)
	}
	f.ticks[symbol] = schema.PriceTick{
		Symbol: symbol,
		Bid:    dec(bid),
		Ask:    dec(ask),
		Time:   time.Now().Unix(),
	}
}

func (f *fakeQuotes) LastTick(symbol string) (schema.PriceTick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tick, ok := f.ticks[symbol]
	return tick, ok
}

func buyPosition(account, id string, entry, stop string) schema.OpenPosition {
	return schema.OpenPosition{
		AccountID:  account,
		PositionID: id,
		Symbol:     "EURUSD",
		Direction:  schema.DirectionBuy,
		Volume:     dec("1"),
		EntryPrice: dec(entry),
		StopLoss:   dec(stop),
	}
}

func testMonitor(cfg Config, p Provider, q QuoteSource) *Monitor {
	return New(cfg, p, q, nil, zap.NewNop())
}

func TestTrailingStopTightensOnly(t *testing.T) {
	provider := newFakeProvider()
	provider.positions["acc"] = []schema.OpenPosition{buyPosition("acc", "p1", "1.0800", "1.0700")}
	quotes := &fakeQuotes{}
	quotes.set("EURUSD", "1.0900", "1.0902")

	m := testMonitor(Config{TrailDistance: dec("0.0050"), Cooldown: time.Minute}, provider, quotes)
	m.RunCycle(context.Background(), []string{"acc"})

	cmds := provider.issued()
	require.Len(t, cmds, 1)
	assert.Equal(t, ActionAdjustStop, cmds[0].kind)
	assert.True(t, cmds[0].stop.Equal(dec("1.0850")), "got %s", cmds[0].stop)
}

func TestTrailingStopNeverLoosens(t *testing.T) {
	provider := newFakeProvider()
	// Stop already above what the trail would propose.
	provider.positions["acc"] = []schema.OpenPosition{buyPosition("acc", "p1", "1.0800", "1.0880")}
	quotes := &fakeQuotes{}
	quotes.set("EURUSD", "1.0900", "1.0902")

	m := testMonitor(Config{TrailDistance: dec("0.0050"), Cooldown: time.Minute}, provider, quotes)
	m.RunCycle(context.Background(), []string{"acc"})

	assert.Empty(t, provider.issued())
}

func TestSellPositionUsesAskSide(t *testing.T) {
	provider := newFakeProvider()
	pos := buyPosition("acc", "p1", "1.0900", "1.1000")
	pos.Direction = schema.DirectionSell
	provider.positions["acc"] = []schema.OpenPosition{pos}
	quotes := &fakeQuotes{}
	quotes.set("EURUSD", "1.0798", "1.0800")

	m := testMonitor(Config{TrailDistance: dec("0.0050"), Cooldown: time.Minute}, provider, quotes)
	m.RunCycle(context.Background(), []string{"acc"})

	cmds := provider.issued()
	require.Len(t, cmds, 1)
	assert.True(t, cmds[0].stop.Equal(dec("1.0850")), "got %s", cmds[0].stop)
}

func TestCloseSupersedesAdjust(t *testing.T) {
	provider := newFakeProvider()
	// Deep under water: adverse excursion fires alongside nothing else, but
	// install both rules to prove the close wins the tie-break.
	provider.positions["acc"] = []schema.OpenPosition{buyPosition("acc", "p1", "1.1000", "0")}
	quotes := &fakeQuotes{}
	quotes.set("EURUSD", "1.0500", "1.0502")

	m := testMonitor(Config{
		TrailDistance:       dec("0.0050"),
		MaxAdverseExcursion: dec("0.0200"),
		Cooldown:            time.Minute,
	}, provider, quotes)
	m.RunCycle(context.Background(), []string{"acc"})

	cmds := provider.issued()
	require.Len(t, cmds, 1)
	assert.Equal(t, ActionClosePosition, cmds[0].kind)
}

func TestSecondCycleIsIdempotent(t *testing.T) {
	provider := newFakeProvider()
	provider.positions["acc"] = []schema.OpenPosition{buyPosition("acc", "p1", "1.0800", "1.0700")}
	quotes := &fakeQuotes{}
	quotes.set("EURUSD", "1.0900", "1.0902")

	m := testMonitor(Config{TrailDistance: dec("0.0050"), Cooldown: time.Minute}, provider, quotes)
	m.RunCycle(context.Background(), []string{"acc"})
	m.RunCycle(context.Background(), []string{"acc"})

	assert.Len(t, provider.issued(), 1)
}

func TestCooldownExpiresAndPriceMovesOn(t *testing.T) {
	provider := newFakeProvider()
	provider.positions["acc"] = []schema.OpenPosition{buyPosition("acc", "p1", "1.0800", "1.0700")}
	quotes := &fakeQuotes{}
	quotes.set("EURUSD", "1.0900", "1.0902")

	m := testMonitor(Config{TrailDistance: dec("0.0050"), Cooldown: time.Minute}, provider, quotes)
	now := time.Now()
	m.now = func() time.Time { return now }

	m.RunCycle(context.Background(), []string{"acc"})
	require.Len(t, provider.issued(), 1)

	// Price advances and the cooldown lapses; the stop ratchets again.
	quotes.set("EURUSD", "1.0950", "1.0952")
	now = now.Add(2 * time.Minute)
	m.RunCycle(context.Background(), []string{"acc"})

	cmds := provider.issued()
	require.Len(t, cmds, 2)
	assert.True(t, cmds[1].stop.Equal(dec("1.0900")), "got %s", cmds[1].stop)
}

func TestFailedCommandRetriesNextCycle(t *testing.T) {
	provider := newFakeProvider()
	provider.positions["acc"] = []schema.OpenPosition{buyPosition("acc", "p1", "1.0800", "1.0700")}
	provider.failNext = true
	quotes := &fakeQuotes{}
	quotes.set("EURUSD", "1.0900", "1.0902")

	m := testMonitor(Config{TrailDistance: dec("0.0050"), Cooldown: time.Hour}, provider, quotes)
	m.RunCycle(context.Background(), []string{"acc"})
	assert.Empty(t, provider.issued())

	// Failure must not start the cooldown; the next cycle retries.
	m.RunCycle(context.Background(), []string{"acc"})
	assert.Len(t, provider.issued(), 1)
}

func TestFailureIsolatedToOnePosition(t *testing.T) {
	provider := newFakeProvider()
	provider.positions["acc"] = []schema.OpenPosition{
		buyPosition("acc", "p1", "1.0800", "1.0700"),
		buyPosition("acc", "p2", "1.0800", "1.0700"),
	}
	provider.failNext = true
	quotes := &fakeQuotes{}
	quotes.set("EURUSD", "1.0900", "1.0902")

	m := testMonitor(Config{TrailDistance: dec("0.0050"), Cooldown: time.Minute}, provider, quotes)
	m.RunCycle(context.Background(), []string{"acc"})

	// First command fails, second position is still evaluated.
	cmds := provider.issued()
	require.Len(t, cmds, 1)
	assert.Equal(t, "p2", cmds[0].positionID)
}

func TestNoQuoteSkipsPosition(t *testing.T) {
	provider := newFakeProvider()
	provider.positions["acc"] = []schema.OpenPosition{buyPosition("acc", "p1", "1.0800", "1.0700")}

	m := testMonitor(Config{TrailDistance: dec("0.0050"), Cooldown: time.Minute}, provider, &fakeQuotes{})
	m.RunCycle(context.Background(), []string{"acc"})

	assert.Empty(t, provider.issued())
}

func TestOverlappingCyclesSkipBusyAccount(t *testing.T) {
	provider := newFakeProvider()
	provider.positions["acc"] = []schema.OpenPosition{buyPosition("acc", "p1", "1.0800", "1.0700")}
	block := make(chan struct{})
	provider.block = block
	quotes := &fakeQuotes{}
	quotes.set("EURUSD", "1.0900", "1.0902")

	m := testMonitor(Config{TrailDistance: dec("0.0050"), Cooldown: time.Minute, ProviderTimeout: 5 * time.Second}, provider, quotes)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.RunCycle(context.Background(), []string{"acc"})
	}()

	// Wait until the first cycle holds the account lock.
	require.Eventually(t, func() bool {
		_, running := m.busy.Load("acc")
		return running
	}, time.Second, time.Millisecond)

	// The overlapping cycle skips the busy account without blocking.
	m.RunCycle(context.Background(), []string{"acc"})
	provider.mu.Lock()
	fetches := provider.fetches
	provider.mu.Unlock()
	assert.Equal(t, 1, fetches)

	close(block)
	wg.Wait()
	assert.Len(t, provider.issued(), 1)
}

func TestRulesDisabledWithoutThresholds(t *testing.T) {
	m := testMonitor(DefaultConfig(), newFakeProvider(), &fakeQuotes{})
	assert.Empty(t, m.rules)
}
