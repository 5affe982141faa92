package engine

import (
	"context"
	"sync"

	"github.com/poplovexz/qiyewenjian-approvals/internal/repository"
)

// RuleSource loads the enabled rules, ordered by (priority, created_at).
// Implemented by repository.RuleRepository.
type RuleSource interface {
	ListEnabled(ctx context.Context) ([]*repository.ApprovalRule, error)
}

// RuleSet is the process-wide, read-mostly rule configuration. It is loaded
// once at startup and replaced wholesale by Reload; readers never observe a
// partially updated set. Reloads are serialized.
type RuleSet struct {
	source RuleSource

	mu       sync.RWMutex
	byType   map[string][]*repository.ApprovalRule
	reloadMu sync.Mutex
}

// NewRuleSet creates an empty rule set backed by source. Call Reload before
// first use.
func NewRuleSet(source RuleSource) *RuleSet {
	return &RuleSet{
		source: source,
		byType: make(map[string][]*repository.ApprovalRule),
	}
}

// Reload fetches the current rules and swaps them in atomically. Concurrent
// Reload calls run one at a time; a failed load leaves the previous set in
// place.
func (rs *RuleSet) Reload(ctx context.Context) error {
	rs.reloadMu.Lock()
	defer rs.reloadMu.Unlock()

	rules, err := rs.source.ListEnabled(ctx)
	if err != nil {
		return err
	}

	byType := make(map[string][]*repository.ApprovalRule)
	for _, rule := range rules {
		byType[rule.RuleType] = append(byType[rule.RuleType], rule)
	}

	rs.mu.Lock()
	rs.byType = byType
	rs.mu.Unlock()
	return nil
}

// ForType returns the enabled rules for one rule type in evaluation order.
// The returned slice is shared and must not be mutated.
func (rs *RuleSet) ForType(ruleType string) []*repository.ApprovalRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.byType[ruleType]
}
