// Package engine holds the pure pieces of the approval workflow: condition
// evaluation, approver resolution, the in-memory rule set and the side-effect
// dispatcher. Nothing in this package touches the database.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/poplovexz/qiyewenjian-approvals/internal/apperrors"
	"github.com/poplovexz/qiyewenjian-approvals/internal/repository"
)

// Evaluate decides whether a rule's trigger condition matches a frozen
// context. It is pure: identical inputs always yield the identical result.
//
// A condition whose field is absent from the context does not match and does
// not error; the rule is simply skipped. A condition with an unknown operator
// or an incomparable value is a ConfigurationError — the caller logs it and
// moves on to the next rule.
//
// Numeric comparison is done in decimal arithmetic, never float64, so
// monetary fields compare exactly.
func Evaluate(cond repository.Condition, context map[string]any) (bool, error) {
	if cond.Field == "" {
		return false, apperrors.New(apperrors.ErrCodeConfiguration, "condition has no field")
	}

	actual, ok := context[cond.Field]
	if !ok {
		return false, nil
	}

	switch cond.Operator {
	case ">", ">=", "<", "<=":
		left, okLeft := toDecimal(actual)
		right, okRight := toDecimal(cond.Value)
		if !okRight {
			return false, apperrors.Newf(apperrors.ErrCodeConfiguration,
				"condition value %v is not numeric", cond.Value).
				WithField("field", cond.Field)
		}
		if !okLeft {
			// Context carries a non-numeric value for a numeric predicate:
			// the condition cannot match.
			return false, nil
		}
		switch cond.Operator {
		case ">":
			return left.GreaterThan(right), nil
		case ">=":
			return left.GreaterThanOrEqual(right), nil
		case "<":
			return left.LessThan(right), nil
		default:
			return left.LessThanOrEqual(right), nil
		}

	case "==":
		return valuesEqual(actual, cond.Value), nil

	case "!=":
		return !valuesEqual(actual, cond.Value), nil

	case "in":
		members, err := toSlice(cond.Value)
		if err != nil {
			return false, apperrors.Wrap(err, apperrors.ErrCodeConfiguration,
				"'in' condition value is not a list").
				WithField("field", cond.Field)
		}
		for _, m := range members {
			if valuesEqual(actual, m) {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, apperrors.Newf(apperrors.ErrCodeConfiguration,
			"unknown condition operator %q", cond.Operator).
			WithField("field", cond.Field)
	}
}

// FirstMatch walks rules in their given order (priority ASC, created_at ASC)
// and returns the first enabled rule whose condition matches. Broken rules
// are reported through onConfigError and skipped. Returns nil when no rule
// fires — the explicit no-approval-required path.
func FirstMatch(
	rules []*repository.ApprovalRule,
	context map[string]any,
	onConfigError func(rule *repository.ApprovalRule, err error),
) *repository.ApprovalRule {
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if len(rule.ChainTemplate) == 0 {
			if onConfigError != nil {
				onConfigError(rule, apperrors.New(apperrors.ErrCodeConfiguration,
					"rule has an empty chain template").WithField("rule_id", rule.ID))
			}
			continue
		}

		matched, err := Evaluate(rule.TriggerCondition, context)
		if err != nil {
			if onConfigError != nil {
				onConfigError(rule, err)
			}
			continue
		}
		if matched {
			return rule
		}
	}
	return nil
}

// TriggerAmount extracts the monetary amount used against approver authority
// ceilings: the context's "amount" field when present, otherwise the value of
// the rule condition's own field when it is numeric. Nil when the context
// carries no usable amount.
func TriggerAmount(cond repository.Condition, context map[string]any) *decimal.Decimal {
	if v, ok := context["amount"]; ok {
		if d, ok := toDecimal(v); ok {
			return &d
		}
	}
	if v, ok := context[cond.Field]; ok {
		if d, ok := toDecimal(v); ok {
			return &d
		}
	}
	return nil
}

// toDecimal converts the value types that survive JSON round-trips into a
// decimal. float64 goes through its shortest string form, matching what the
// JSON document originally said.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case *decimal.Decimal:
		if n == nil {
			return decimal.Decimal{}, false
		}
		return *n, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		d, err := decimal.NewFromString(fmt.Sprintf("%v", n))
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

// valuesEqual compares two context/condition values: numerically when both
// sides parse as numbers, literally otherwise.
func valuesEqual(a, b any) bool {
	da, okA := toDecimal(a)
	db, okB := toDecimal(b)
	if okA && okB {
		return da.Equal(db)
	}
	if okA != okB {
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// toSlice normalizes an 'in' membership list.
func toSlice(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		return s, nil
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
}
