package trigger

import (
	"fmt"

	"vaultexecutor/src/model"
	"vaultexecutor/src/pricing"
)

// Decision is the outcome of evaluating one position against one validated
// reading.
type Decision struct {
	ShouldExecute bool
	Kind          string // model.TriggerKind*
	Reason        string
}

// Evaluate decides whether an exit condition is met. It is deterministic
// and has no side effects.
//
// Stop-loss is checked first: if one reading somehow satisfies both
// thresholds the position is misconfigured, and the protective exit wins.
func Evaluate(pos *model.Position, reading pricing.PriceReading) Decision {
	price := reading.Price

	if price.LessThanOrEqual(pos.StopLossPrice) {
		return Decision{
			ShouldExecute: true,
			Kind:          model.TriggerKindStopLoss,
			Reason:        fmt.Sprintf("price %s <= stop-loss %s", price, pos.StopLossPrice),
		}
	}

	if price.GreaterThanOrEqual(pos.TakeProfitPrice) {
		return Decision{
			ShouldExecute: true,
			Kind:          model.TriggerKindTakeProfit,
			Reason:        fmt.Sprintf("price %s >= take-profit %s", price, pos.TakeProfitPrice),
		}
	}

	return Decision{
		Kind: model.TriggerKindNone,
		Reason: fmt.Sprintf(
			"no condition met: %s above stop-loss, %s below take-profit",
			price.Sub(pos.StopLossPrice), pos.TakeProfitPrice.Sub(price),
		),
	}
}
