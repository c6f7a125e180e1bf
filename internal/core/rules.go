package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("amount below pair minimum")
	ErrBelowMinNotional = errors.New("cost below pair minimum")
)

// Rules are the trading constraints of one exchange pair.
type Rules struct {
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// RulesFromDecimals derives tick and step sizes from decimal-place counts.
func RulesFromDecimals(pairDecimals, lotDecimals int32, minQty, minCost decimal.Decimal) Rules {
	return Rules{
		PriceTick:   decimal.New(1, -pairDecimals),
		QtyStep:     decimal.New(1, -lotDecimals),
		MinQty:      minQty,
		MinNotional: minCost,
	}
}

// NormalizeOrder rounds price and amount down to the pair's tick and step and
// checks the pair minimums.
func NormalizeOrder(order LocalOrder, rules Rules) (LocalOrder, error) {
	if order.Amount.Cmp(decimal.Zero) <= 0 || order.Price.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if order.Side != Bid && order.Side != Ask {
		return order, ErrInvalidOrder
	}
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		order.Amount = RoundDown(order.Amount, rules.QtyStep)
	}
	if order.Amount.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && order.Amount.Cmp(rules.MinQty) < 0 {
		return order, ErrBelowMinQty
	}
	if rules.PriceTick.Cmp(decimal.Zero) > 0 {
		order.Price = RoundDown(order.Price, rules.PriceTick)
	}
	if order.Price.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		if order.Price.Mul(order.Amount).Cmp(rules.MinNotional) < 0 {
			return order, ErrBelowMinNotional
		}
	}
	return order, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
