package fees

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// AdjustedObligation is a definition with its discount applied.
type AdjustedObligation struct {
	Definition     FeeObligationDefinition
	BaseAmount     decimal.Decimal
	AdjustedAmount decimal.Decimal
	Exception      *FeeException
	Description    string
}

// ExceptionAdjuster applies active exceptions to base amounts.
//
// When several exceptions target the same definition the first one in the
// given order wins; stores return them ordered by CreatedAt then ID.
type ExceptionAdjuster struct{}

// Adjust returns one AdjustedObligation per definition, in input order.
func (ExceptionAdjuster) Adjust(defs []FeeObligationDefinition, exceptions []FeeException, at time.Time) []AdjustedObligation {
	out := make([]AdjustedObligation, 0, len(defs))
	for _, def := range defs {
		adj := AdjustedObligation{
			Definition:     def,
			BaseAmount:     def.Amount,
			AdjustedAmount: def.Amount,
		}
		if exc := firstActive(exceptions, def.ID, at); exc != nil {
			adj.Exception = exc
			adj.AdjustedAmount = AdjustAmount(def.Amount, *exc)
			adj.Description = describeException(*exc)
		}
		out = append(out, adj)
	}
	return out
}

// AdjustAmount applies a single exception to base. Never negative.
func AdjustAmount(base decimal.Decimal, exc FeeException) decimal.Decimal {
	var adjusted decimal.Decimal
	switch exc.Type {
	case ExceptionPercentage:
		factor := decimal.NewFromInt(1).Sub(exc.Value.Div(hundred))
		adjusted = base.Mul(factor)
	case ExceptionFixedAmount:
		adjusted = base.Sub(exc.Value)
	default:
		adjusted = base
	}
	return floorZero(adjusted).Round(MoneyScale)
}

func firstActive(exceptions []FeeException, defID DefinitionID, at time.Time) *FeeException {
	for i := range exceptions {
		if exceptions[i].DefinitionID == defID && exceptions[i].ActiveAt(at) {
			return &exceptions[i]
		}
	}
	return nil
}

func describeException(exc FeeException) string {
	var desc string
	switch exc.Type {
	case ExceptionPercentage:
		desc = fmt.Sprintf("%s%% discount", exc.Value.String())
	case ExceptionFixedAmount:
		desc = fmt.Sprintf("fixed discount of %s", exc.Value.StringFixed(MoneyScale))
	default:
		desc = "no discount"
	}
	if exc.Reason != "" {
		desc += " (" + exc.Reason + ")"
	}
	return desc
}
