package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finvex/tradestream/internal/schema"
)

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeRouter struct {
	mu      sync.Mutex
	routed  map[string][][]byte
	members int
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{routed: make(map[string][][]byte), members: 1}
}

func (f *fakeRouter) Route(accountID string, payload []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed[accountID] = append(f.routed[accountID], payload)
	return f.members
}

func (f *fakeRouter) count(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routed[accountID])
}

type fakeDeduper struct {
	seen map[string]bool
}

func (f *fakeDeduper) Seen(_ context.Context, eventID string) bool {
	if f.seen[eventID] {
		return true
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	f.seen[eventID] = true
	return false
}

type fakeFetcher struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return kafka.Message{}, fmt.Errorf("connection reset")
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return msg, nil
}

func (f *fakeFetcher) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func tickMessage(t *testing.T, accountID, eventID string) kafka.Message {
	t.Helper()
	payload, err := json.Marshal(schema.PriceTick{
		Symbol: "EURUSD",
		Bid:    mustDecimal("1.0850"),
		Ask:    mustDecimal("1.0852"),
		Last:   mustDecimal("1.0851"),
		Time:   time.Now().Unix(),
	})
	require.NoError(t, err)
	value, err := json.Marshal(schema.Envelope{
		EventID: eventID,
		Type:    schema.EventPriceTick,
		Payload: payload,
	})
	require.NoError(t, err)
	return kafka.Message{
		Key:   []byte("account." + accountID + ".price.tick"),
		Value: value,
	}
}

func newTestGateway(routes Router, dedupe Deduper) *Gateway {
	return NewGateway(Config{
		Brokers: []string{"localhost:9092"},
		Topic:   "market.events",
	}, routes, dedupe, nil, zap.NewNop())
}

func TestHandleRoutesValidTick(t *testing.T) {
	routes := newFakeRouter()
	g := newTestGateway(routes, nil)
	accountID := uuid.NewString()

	g.handle(context.Background(), tickMessage(t, accountID, "evt-1"))

	assert.Equal(t, 1, routes.count(accountID))
	tick, ok := g.LastTick("EURUSD")
	require.True(t, ok)
	assert.True(t, tick.Bid.Equal(mustDecimal("1.0850")))
}

func TestHandleRejectsBadRoutingKey(t *testing.T) {
	routes := newFakeRouter()
	g := newTestGateway(routes, nil)
	before := testutil.ToFloat64(rejectedCounter.WithLabelValues("bad_routing_key"))

	msg := tickMessage(t, uuid.NewString(), "evt-1")
	msg.Key = []byte("garbage")
	g.handle(context.Background(), msg)

	assert.Empty(t, routes.routed)
	after := testutil.ToFloat64(rejectedCounter.WithLabelValues("bad_routing_key"))
	assert.Equal(t, before+1, after)
}

func TestHandleRejectsTypeMismatch(t *testing.T) {
	routes := newFakeRouter()
	g := newTestGateway(routes, nil)
	accountID := uuid.NewString()

	msg := tickMessage(t, accountID, "evt-1")
	msg.Key = []byte("account." + accountID + ".candle.update")
	g.handle(context.Background(), msg)

	assert.Equal(t, 0, routes.count(accountID))
}

func TestHandleRejectsInvalidPayload(t *testing.T) {
	routes := newFakeRouter()
	g := newTestGateway(routes, nil)
	accountID := uuid.NewString()

	value, err := json.Marshal(schema.Envelope{
		Type:    schema.EventPriceTick,
		Payload: json.RawMessage(`{"symbol":"","bid":"0","ask":"0","time":0}`),
	})
	require.NoError(t, err)
	g.handle(context.Background(), kafka.Message{
		Key:   []byte("account." + accountID + ".price.tick"),
		Value: value,
	})

	assert.Equal(t, 0, routes.count(accountID))
	_, ok := g.LastTick("")
	assert.False(t, ok)
}

func TestHandleSuppressesDuplicates(t *testing.T) {
	routes := newFakeRouter()
	g := newTestGateway(routes, &fakeDeduper{})
	accountID := uuid.NewString()
	before := testutil.ToFloat64(duplicatesCounter)

	g.handle(context.Background(), tickMessage(t, accountID, "evt-1"))
	g.handle(context.Background(), tickMessage(t, accountID, "evt-1"))
	g.handle(context.Background(), tickMessage(t, accountID, "evt-2"))

	assert.Equal(t, 2, routes.count(accountID))
	assert.Equal(t, before+1, testutil.ToFloat64(duplicatesCounter))
}

func TestConsumeCommitsAfterProcessing(t *testing.T) {
	routes := newFakeRouter()
	g := newTestGateway(routes, nil)
	accountID := uuid.NewString()

	fetcher := &fakeFetcher{messages: []kafka.Message{
		tickMessage(t, accountID, "evt-1"),
		tickMessage(t, accountID, "evt-2"),
	}}

	live := false
	err := g.consume(context.Background(), fetcher, func() { live = true })
	require.Error(t, err)

	assert.True(t, live)
	assert.Equal(t, 2, routes.count(accountID))
	assert.Len(t, fetcher.committed, 2)
}

func TestRunRaisesHealthSignalAfterRepeatedFailures(t *testing.T) {
	routes := newFakeRouter()
	g := NewGateway(Config{
		Brokers:     []string{"localhost:9092"},
		Topic:       "market.events",
		MinBackoff:  time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		MaxAttempts: 3,
	}, routes, nil, nil, zap.NewNop())

	g.newFetcher = func() Fetcher { return &fakeFetcher{} }

	unhealthy := make(chan error, 1)
	g.OnUnhealthy(func(err error) {
		select {
		case unhealthy <- err:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = g.Run(ctx)
		close(done)
	}()

	select {
	case err := <-unhealthy:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("health signal never raised")
	}
	assert.False(t, g.Healthy())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop on cancellation")
	}
}
