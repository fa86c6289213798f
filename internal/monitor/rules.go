package monitor

import (
	"github.com/shopspring/decimal"

	"github.com/finvex/tradestream/internal/schema"
)

// ActionKind is the corrective command a rule proposes.
type ActionKind string

const (
	ActionAdjustStop    ActionKind = "adjust_stop"
	ActionClosePosition ActionKind = "close_position"
)

// Action is one proposed corrective command for a position.
type Action struct {
	Kind ActionKind
	Stop decimal.Decimal
	Rule string
}

// Rule evaluates one position against the current market price and proposes
// at most one action. The rule set is closed: new behaviors add a variant
// here, never a type switch elsewhere.
type Rule interface {
	Name() string
	Evaluate(pos schema.OpenPosition, tick schema.PriceTick) (Action, bool)
}

// marketPrice returns the side of the book a position would close against.
func marketPrice(pos schema.OpenPosition, tick schema.PriceTick) decimal.Decimal {
	if pos.Direction == schema.DirectionSell {
		return tick.Ask
	}
	return tick.Bid
}

// tightens reports whether stop is strictly more protective than the
// position's current stop. A position with no stop accepts any stop.
func tightens(pos schema.OpenPosition, stop decimal.Decimal) bool {
	if pos.StopLoss.IsZero() {
		return true
	}
	if pos.Direction == schema.DirectionSell {
		return stop.LessThan(pos.StopLoss)
	}
	return stop.GreaterThan(pos.StopLoss)
}

// TrailingStopRule keeps the stop within Distance of the market price,
// ratcheting it in the risk-reducing direction only.
type TrailingStopRule struct {
	Distance decimal.Decimal
}

func (r TrailingStopRule) Name() string { return "trailing_stop" }

func (r TrailingStopRule) Evaluate(pos schema.OpenPosition, tick schema.PriceTick) (Action, bool) {
	price := marketPrice(pos, tick)
	if price.IsZero() {
		return Action{}, false
	}
	var candidate decimal.Decimal
	if pos.Direction == schema.DirectionSell {
		candidate = price.Add(r.Distance)
	} else {
		candidate = price.Sub(r.Distance)
	}
	if !tightens(pos, candidate) {
		return Action{}, false
	}
	return Action{Kind: ActionAdjustStop, Stop: candidate, Rule: r.Name()}, true
}

// BreakEvenRule moves the stop to the entry price once the position is in
// profit by at least Trigger.
type BreakEvenRule struct {
	Trigger decimal.Decimal
}

func (r BreakEvenRule) Name() string { return "break_even" }

func (r BreakEvenRule) Evaluate(pos schema.OpenPosition, tick schema.PriceTick) (Action, bool) {
	price := marketPrice(pos, tick)
	if price.IsZero() {
		return Action{}, false
	}
	var inProfit bool
	if pos.Direction == schema.DirectionSell {
		inProfit = price.LessThanOrEqual(pos.EntryPrice.Sub(r.Trigger))
	} else {
		inProfit = price.GreaterThanOrEqual(pos.EntryPrice.Add(r.Trigger))
	}
	if !inProfit || !tightens(pos, pos.EntryPrice) {
		return Action{}, false
	}
	return Action{Kind: ActionAdjustStop, Stop: pos.EntryPrice, Rule: r.Name()}, true
}

// MaxAdverseExcursionRule closes a position once its open loss exceeds
// Threshold in price terms.
type MaxAdverseExcursionRule struct {
	Threshold decimal.Decimal
}

func (r MaxAdverseExcursionRule) Name() string { return "max_adverse_excursion" }

func (r MaxAdverseExcursionRule) Evaluate(pos schema.OpenPosition, tick schema.PriceTick) (Action, bool) {
	price := marketPrice(pos, tick)
	if price.IsZero() {
		return Action{}, false
	}
	var adverse decimal.Decimal
	if pos.Direction == schema.DirectionSell {
		adverse = price.Sub(pos.EntryPrice)
	} else {
		adverse = pos.EntryPrice.Sub(price)
	}
	if adverse.LessThan(r.Threshold) {
		return Action{}, false
	}
	return Action{Kind: ActionClosePosition, Rule: r.Name()}, true
}

// mostRiskReducing picks the winner when several rules fire: closing
// supersedes any stop adjustment; among adjustments the tightest stop wins.
func mostRiskReducing(pos schema.OpenPosition, actions []Action) (Action, bool) {
	if len(actions) == 0 {
		return Action{}, false
	}
	var winner Action
	var have bool
	for _, a := range actions {
		if a.Kind == ActionClosePosition {
			return a, true
		}
		if !have {
			winner, have = a, true
			continue
		}
		if pos.Direction == schema.DirectionSell {
			if a.Stop.LessThan(winner.Stop) {
				winner = a
			}
		} else if a.Stop.GreaterThan(winner.Stop) {
			winner = a
		}
	}
	return winner, have
}
