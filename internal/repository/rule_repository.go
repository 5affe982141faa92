package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/poplovexz/qiyewenjian-approvals/internal/apperrors"
	"github.com/poplovexz/qiyewenjian-approvals/internal/database"
)

// RuleRepository handles reads and writes on approval_rules. The engine only
// consumes rules; authoring endpoints live in the admin service.
type RuleRepository struct {
	db *database.DB
}

// NewRuleRepository creates a new RuleRepository.
func NewRuleRepository(db *database.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// Create inserts a new approval rule.
func (r *RuleRepository) Create(ctx context.Context, rule *ApprovalRule) error {
	if len(rule.ChainTemplate) == 0 {
		return apperrors.InvalidInput("chain_template", "a rule needs at least one step")
	}

	conditionJSON, err := json.Marshal(rule.TriggerCondition)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal trigger condition")
	}
	chainJSON, err := json.Marshal(rule.ChainTemplate)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal chain template")
	}

	query := `
		INSERT INTO approval_rules
		    (rule_type, rule_name, trigger_condition, chain_template,
		     enabled, priority, lifecycle)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		rule.RuleType,
		rule.RuleName,
		conditionJSON,
		chainJSON,
		rule.Enabled,
		rule.Priority,
		rule.Lifecycle,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
}

// GetByID retrieves a rule by primary key.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*ApprovalRule, error) {
	query := `
		SELECT id, rule_type, rule_name, trigger_condition, chain_template,
		       enabled, priority, lifecycle, created_at, updated_at
		FROM approval_rules
		WHERE id = $1 AND lifecycle = 'active'
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_rule", id)
	}
	return rule, err
}

// ListEnabled returns all active, enabled rules ordered by priority then
// creation time. This ordering is the tie-break contract for rule matching.
func (r *RuleRepository) ListEnabled(ctx context.Context) ([]*ApprovalRule, error) {
	query := `
		SELECT id, rule_type, rule_name, trigger_condition, chain_template,
		       enabled, priority, lifecycle, created_at, updated_at
		FROM approval_rules
		WHERE lifecycle = 'active' AND enabled = TRUE
		ORDER BY priority ASC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SoftDelete marks a rule deleted. Existing workflow instances keep their
// rule_id reference for the audit trail.
func (r *RuleRepository) SoftDelete(ctx context.Context, id string) error {
	query := `
		UPDATE approval_rules
		SET lifecycle  = 'deleted',
		    enabled    = FALSE,
		    updated_at = NOW()
		WHERE id = $1 AND lifecycle = 'active'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_rule", id)
	}
	return err
}

// ── scan helper ──────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *RuleRepository) scanRule(row ruleScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	var conditionJSON, chainJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.RuleType,
		&rule.RuleName,
		&conditionJSON,
		&chainJSON,
		&rule.Enabled,
		&rule.Priority,
		&rule.Lifecycle,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(conditionJSON, &rule.TriggerCondition); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal trigger condition")
	}
	if err := json.Unmarshal(chainJSON, &rule.ChainTemplate); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal chain template")
	}
	return rule, nil
}
