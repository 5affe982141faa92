package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poplovexz/qiyewenjian-approvals/internal/repository"
)

type fakeRuleSource struct {
	rules []*repository.ApprovalRule
	err   error
}

func (s *fakeRuleSource) ListEnabled(context.Context) ([]*repository.ApprovalRule, error) {
	return s.rules, s.err
}

func TestRuleSetGroupsByTypeKeepingOrder(t *testing.T) {
	source := &fakeRuleSource{rules: []*repository.ApprovalRule{
		{ID: "r1", RuleType: "contract-amount-change", Priority: 10},
		{ID: "r2", RuleType: "payment-order", Priority: 5},
		{ID: "r3", RuleType: "contract-amount-change", Priority: 20},
	}}

	rs := NewRuleSet(source)
	require.NoError(t, rs.Reload(context.Background()))

	contracts := rs.ForType("contract-amount-change")
	require.Len(t, contracts, 2)
	assert.Equal(t, "r1", contracts[0].ID)
	assert.Equal(t, "r3", contracts[1].ID)

	assert.Len(t, rs.ForType("payment-order"), 1)
	assert.Empty(t, rs.ForType("unknown"))
}

func TestRuleSetFailedReloadKeepsPreviousRules(t *testing.T) {
	source := &fakeRuleSource{rules: []*repository.ApprovalRule{
		{ID: "r1", RuleType: "quote"},
	}}

	rs := NewRuleSet(source)
	require.NoError(t, rs.Reload(context.Background()))

	source.err = errors.New("database unavailable")
	require.Error(t, rs.Reload(context.Background()))

	// The previous set stays in place.
	require.Len(t, rs.ForType("quote"), 1)
}
