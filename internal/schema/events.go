// Package schema defines the wire shapes consumed from the event bus and the
// position model read by the monitor. Events are ephemeral: validated, routed
// and discarded.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType discriminates bus messages.
type EventType string

const (
	EventPriceTick         EventType = "price.tick"
	EventCandleUpdate      EventType = "candle.update"
	EventPositionsSnapshot EventType = "positions.snapshot"
	EventAccountInfo       EventType = "account.info"
	EventPositionClosed    EventType = "position.closed"
)

// knownTypes lists every event type the gateway accepts.
var knownTypes = map[EventType]struct{}{
	EventPriceTick:         {},
	EventCandleUpdate:      {},
	EventPositionsSnapshot: {},
	EventAccountInfo:       {},
	EventPositionClosed:    {},
}

// Known reports whether t is an accepted event type.
func (t EventType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Envelope is the outer JSON shape of every bus message.
type Envelope struct {
	EventID string          `json:"event_id,omitempty"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PriceTick is a single bid/ask/last observation for a symbol.
type PriceTick struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Time   int64           `json:"time"`
}

// Validate checks the tick against its expected schema.
func (t *PriceTick) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("tick missing symbol")
	}
	if t.Time <= 0 {
		return fmt.Errorf("tick %s has invalid time %d", t.Symbol, t.Time)
	}
	if t.Bid.IsNegative() || t.Ask.IsNegative() || t.Last.IsNegative() {
		return fmt.Errorf("tick %s has negative price", t.Symbol)
	}
	if t.Bid.IsZero() && t.Ask.IsZero() {
		return fmt.Errorf("tick %s has no price", t.Symbol)
	}
	return nil
}

// Mid returns the bid/ask midpoint, falling back to last when one side is
// missing.
func (t *PriceTick) Mid() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return t.Last
	}
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// Candle is an aggregated OHLCV bar.
type Candle struct {
	Time   int64           `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// CandleUpdate carries one updated bar for a symbol and timeframe.
type CandleUpdate struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Candle    Candle `json:"candle"`
}

// Validate checks the candle update against its expected schema.
func (c *CandleUpdate) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("candle missing symbol")
	}
	if c.Timeframe == "" {
		return fmt.Errorf("candle %s missing timeframe", c.Symbol)
	}
	if c.Candle.Time <= 0 {
		return fmt.Errorf("candle %s@%s has invalid time %d", c.Symbol, c.Timeframe, c.Candle.Time)
	}
	if c.Candle.High.LessThan(c.Candle.Low) {
		return fmt.Errorf("candle %s@%s has high < low", c.Symbol, c.Timeframe)
	}
	if c.Candle.Volume < 0 {
		return fmt.Errorf("candle %s@%s has negative volume", c.Symbol, c.Timeframe)
	}
	return nil
}

// RoutingKey is the parsed form of "account.<account_id>.<event_type>".
type RoutingKey struct {
	AccountID string
	Type      EventType
}

// ParseRoutingKey splits and validates a bus routing key. The account id must
// be a UUID and the event type one of the accepted set.
func ParseRoutingKey(key string) (RoutingKey, error) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 || parts[0] != "account" {
		return RoutingKey{}, fmt.Errorf("routing key %q does not match account.<id>.<type>", key)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return RoutingKey{}, fmt.Errorf("routing key %q has invalid account id: %w", key, err)
	}
	et := EventType(parts[2])
	if !et.Known() {
		return RoutingKey{}, fmt.Errorf("routing key %q has unknown event type %q", key, parts[2])
	}
	return RoutingKey{AccountID: id.String(), Type: et}, nil
}

// Direction of an open position.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// OpenPosition is the provider's view of one open trade. It is never written
// by this service; stop and close mutations go through provider commands.
type OpenPosition struct {
	AccountID  string          `json:"account_id"`
	PositionID string          `json:"position_id"`
	Symbol     string          `json:"symbol"`
	Direction  Direction       `json:"direction"`
	Volume     decimal.Decimal `json:"volume"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
}
