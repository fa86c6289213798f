// Package ingest consumes the topic-routed market event stream, validates
// each message, and fans it out to the owning account's broadcast group.
package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/finvex/tradestream/common/errors"
	"github.com/finvex/tradestream/internal/audit"
	"github.com/finvex/tradestream/internal/schema"
)

// Config holds bus connection settings.
type Config struct {
	Brokers    []string
	Topic      string
	GroupID    string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxAttempts is the number of consecutive failed reconnects after which
	// the gateway raises the service-health signal. It keeps retrying at the
	// backoff cap afterwards.
	MaxAttempts int
}

func (c *Config) withDefaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// Router is the fan-out contract the gateway publishes through.
type Router interface {
	Route(accountID string, payload []byte) int
}

// Fetcher is the slice of kafka.Reader the gateway consumes through.
// Messages are committed only after successful processing, so a crash
// mid-message results in at most one redelivery.
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Gateway is the event ingest pipeline: fetch, parse routing key, validate,
// route, commit.
type Gateway struct {
	cfg      Config
	routes   Router
	dedupe   Deduper
	recorder *audit.Recorder
	logger   *zap.Logger

	newFetcher  func() Fetcher
	onUnhealthy func(error)
	healthy     atomic.Bool

	mu    sync.RWMutex
	ticks map[string]schema.PriceTick
}

// NewGateway creates a Gateway. dedupe may be nil.
func NewGateway(cfg Config, routes Router, dedupe Deduper, recorder *audit.Recorder, logger *zap.Logger) *Gateway {
	cfg.withDefaults()
	if dedupe == nil {
		dedupe = NopDeduper{}
	}
	g := &Gateway{
		cfg:      cfg,
		routes:   routes,
		dedupe:   dedupe,
		recorder: recorder,
		logger:   logger.Named("ingest"),
		ticks:    make(map[string]schema.PriceTick),
	}
	g.newFetcher = g.kafkaFetcher
	g.healthy.Store(true)
	return g
}

// OnUnhealthy registers the callback invoked when reconnects exhaust the
// backoff cap. This is the only operator-visible failure path.
func (g *Gateway) OnUnhealthy(fn func(error)) { g.onUnhealthy = fn }

// Healthy reports whether the bus connection is considered live.
func (g *Gateway) Healthy() bool { return g.healthy.Load() }

func (g *Gateway) kafkaFetcher() Fetcher {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     g.cfg.Brokers,
		Topic:       g.cfg.Topic,
		GroupID:     g.cfg.GroupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			g.logger.Sugar().Debugf(msg, args...)
		}),
	})
}

// Run consumes until ctx is cancelled, reconnecting with capped exponential
// backoff on bus failures. Missed messages are not replayed: each reconnect
// resumes from the bus's current position.
func (g *Gateway) Run(ctx context.Context) error {
	attempts := 0
	backoff := g.cfg.MinBackoff
	for {
		reader := g.newFetcher()
		err := g.consume(ctx, reader, func() {
			attempts = 0
			backoff = g.cfg.MinBackoff
			g.healthy.Store(true)
		})
		reader.Close()
		if ctx.Err() != nil {
			return nil
		}

		attempts++
		reconnectsCounter.Inc()
		g.logger.Warn("bus connection lost, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff))
		if attempts >= g.cfg.MaxAttempts {
			g.healthy.Store(false)
			if g.onUnhealthy != nil {
				g.onUnhealthy(&errors.BusDisconnected{Attempts: attempts, Err: err})
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > g.cfg.MaxBackoff {
			backoff = g.cfg.MaxBackoff
		}
	}
}

// consume reads messages until the fetcher fails. onLive is invoked after
// the first successful fetch of each session.
func (g *Gateway) consume(ctx context.Context, reader Fetcher, onLive func()) error {
	live := false
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return err
		}
		if !live {
			live = true
			if onLive != nil {
				onLive()
			}
		}
		g.handle(ctx, msg)
		if err := reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

// handle validates and routes a single message. Malformed messages are
// dropped, counted, and logged; they never propagate an error upward.
func (g *Gateway) handle(ctx context.Context, msg kafka.Message) {
	key := string(msg.Key)
	rk, err := schema.ParseRoutingKey(key)
	if err != nil {
		g.reject(&errors.SchemaError{RoutingKey: key, Reason: "bad_routing_key", Err: err})
		return
	}

	var env schema.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		g.reject(&errors.SchemaError{RoutingKey: key, EventType: string(rk.Type), Reason: "bad_envelope", Err: err})
		return
	}
	if env.Type != rk.Type {
		g.reject(&errors.SchemaError{RoutingKey: key, EventType: string(env.Type), Reason: "type_mismatch"})
		return
	}

	if env.EventID != "" && g.dedupe.Seen(ctx, env.EventID) {
		duplicatesCounter.Inc()
		g.logger.Debug("duplicate event suppressed",
			zap.String("event_id", env.EventID),
			zap.String("routing_key", key))
		return
	}

	switch rk.Type {
	case schema.EventPriceTick:
		var tick schema.PriceTick
		if err := json.Unmarshal(env.Payload, &tick); err != nil {
			g.reject(&errors.SchemaError{RoutingKey: key, EventType: string(rk.Type), Reason: "bad_payload", Err: err})
			return
		}
		if err := tick.Validate(); err != nil {
			g.reject(&errors.SchemaError{RoutingKey: key, EventType: string(rk.Type), Reason: "invalid_tick", Err: err})
			return
		}
		g.rememberTick(tick)

	case schema.EventCandleUpdate:
		var candle schema.CandleUpdate
		if err := json.Unmarshal(env.Payload, &candle); err != nil {
			g.reject(&errors.SchemaError{RoutingKey: key, EventType: string(rk.Type), Reason: "bad_payload", Err: err})
			return
		}
		if err := candle.Validate(); err != nil {
			g.reject(&errors.SchemaError{RoutingKey: key, EventType: string(rk.Type), Reason: "invalid_candle", Err: err})
			return
		}

	case schema.EventPositionClosed:
		// Trade synchronization happens in an external collaborator; the
		// relay just leaves an audit mark before fanning out.
		if g.recorder != nil {
			g.recorder.Record(audit.Event{
				Kind:      audit.KindTradeSync,
				AccountID: rk.AccountID,
				Detail:    map[string]string{"event_id": env.EventID},
			})
		}

	case schema.EventPositionsSnapshot, schema.EventAccountInfo:
		// Envelope-level validation only; payload is forwarded verbatim.
	}

	delivered := g.routes.Route(rk.AccountID, msg.Value)
	messagesCounter.WithLabelValues(string(rk.Type)).Inc()
	g.logger.Debug("event routed",
		zap.String("routing_key", key),
		zap.String("type", string(rk.Type)),
		zap.Int("delivered", delivered))
}

func (g *Gateway) reject(err *errors.SchemaError) {
	rejectedCounter.WithLabelValues(err.Reason).Inc()
	g.logger.Warn("bus message rejected",
		zap.String("routing_key", err.RoutingKey),
		zap.String("type", err.EventType),
		zap.String("reason", err.Reason),
		zap.Error(err.Err))
}

func (g *Gateway) rememberTick(tick schema.PriceTick) {
	g.mu.Lock()
	g.ticks[tick.Symbol] = tick
	g.mu.Unlock()
}

// LastTick returns the most recent tick seen for a symbol. Used by the
// position monitor as its quote source.
func (g *Gateway) LastTick(symbol string) (schema.PriceTick, bool) {
	g.mu.RLock()
	tick, ok := g.ticks[symbol]
	g.mu.RUnlock()
	return tick, ok
}
