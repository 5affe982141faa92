package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Domain types for the approval workflow engine ────────────────────────────

// RuleLifecycle is the soft-delete state of a rule.
type RuleLifecycle string

const (
	LifecycleActive  RuleLifecycle = "active"
	LifecycleDeleted RuleLifecycle = "deleted"
)

// WorkflowStatus is the state of a workflow instance. Statuses only move
// forward; approved, rejected and cancelled are terminal.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowApproved   WorkflowStatus = "approved"
	WorkflowRejected   WorkflowStatus = "rejected"
	WorkflowCancelled  WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave the status.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowApproved || s == WorkflowRejected || s == WorkflowCancelled
}

// StepResult is the decision state of one step record. A step transitions
// from pending to exactly one other value, once.
type StepResult string

const (
	StepPending   StepResult = "pending"
	StepApproved  StepResult = "approved"
	StepRejected  StepResult = "rejected"
	StepCancelled StepResult = "cancelled"
)

// Outcome is the terminal result handed to the side-effect dispatcher.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Condition is a rule's trigger predicate, stored as JSONB.
// Operator is one of >, >=, <, <=, ==, != or in.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// ChainStep is one entry in a rule's chain_template JSONB array.
type ChainStep struct {
	RoleCode      string           `json:"role_code"`
	AmountCeiling *decimal.Decimal `json:"amount_ceiling,omitempty"`
}

// ApprovalRule is a configurable trigger rule. Rules are authored elsewhere
// and consumed read-only here, ordered by (priority, created_at).
type ApprovalRule struct {
	ID               string
	RuleType         string
	RuleName         string
	TriggerCondition Condition
	ChainTemplate    []ChainStep
	Enabled          bool
	Priority         int // lower = evaluated first
	Lifecycle        RuleLifecycle
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WorkflowInstance is one approval run for a subject. TriggerContext is the
// frozen snapshot captured at trigger time and never re-read from the live
// subject.
type WorkflowInstance struct {
	ID                  string
	RuleID              *string
	SubjectType         string
	SubjectID           string
	ApplicantID         string
	Status              WorkflowStatus
	CurrentStepIndex    int
	TotalSteps          int
	TriggerContext      map[string]any
	SideEffectDelivered bool
	CreatedAt           time.Time
	CompletedAt         *time.Time
	UpdatedAt           time.Time
}

// StepRecord is a single approval step. Step indices form a contiguous
// 1..TotalSteps range with exactly one record per index.
type StepRecord struct {
	ID                 string
	WorkflowInstanceID string
	StepIndex          int
	RoleCode           string
	ApproverID         string
	ResolutionReason   string // role-match | escalated | fallback-default
	Result             StepResult
	Comment            *string
	TransferredFrom    *string
	DecidedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AuditEntry is one immutable record in the workflow audit log.
type AuditEntry struct {
	ID          string
	WorkflowID  string
	StepID      *string
	Action      string // submitted | approved | rejected | transferred | cancelled | side_effect_delivered | side_effect_failed
	PerformedBy string
	Metadata    map[string]any
	PerformedAt time.Time
}
