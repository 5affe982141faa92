package service

import (
	"context"
	"time"

	"github.com/poplovexz/qiyewenjian-approvals/internal/apperrors"
	"github.com/poplovexz/qiyewenjian-approvals/internal/engine"
	"github.com/poplovexz/qiyewenjian-approvals/internal/logger"
	"github.com/poplovexz/qiyewenjian-approvals/internal/repository"
)

// WorkflowStore persists workflow instances and applies decisions. Creation
// and decisions are atomic; decisions are compare-and-swap guarded so
// concurrent calls on the same step are linearized. Implemented by
// repository.WorkflowRepository.
type WorkflowStore interface {
	CreateInstance(ctx context.Context, inst *repository.WorkflowInstance, steps []*repository.StepRecord) error
	GetInstance(ctx context.Context, id string) (*repository.WorkflowInstance, error)
	DecideStep(ctx context.Context, d repository.StepDecision) error
	CancelInstance(ctx context.Context, id string, cancelledAt time.Time) error
	MarkSideEffectDelivered(ctx context.Context, id string) error
}

// StepStore reads and reassigns step records. Implemented by
// repository.StepRepository.
type StepStore interface {
	GetStep(ctx context.Context, workflowID string, stepIndex int) (*repository.StepRecord, error)
	StepsByWorkflow(ctx context.Context, workflowID string) ([]*repository.StepRecord, error)
	ListPendingForApprover(ctx context.Context, userID string) ([]*repository.StepRecord, error)
	TransferStep(ctx context.Context, stepID, newApproverID string, comment *string) error
}

// AuditStore appends to the immutable audit trail. Implemented by
// repository.AuditRepository.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ByWorkflow(ctx context.Context, workflowID string) ([]*repository.AuditEntry, error)
}

// Authorizer answers whether an actor holds the explicit override capability
// that lets them decide steps assigned to someone else. A nil Authorizer
// disables overrides.
type Authorizer interface {
	CanOverride(ctx context.Context, actorID string) (bool, error)
}

// EventPublisher fans workflow events out to the notification pipeline.
// Publishing is best-effort and never fails an operation.
type EventPublisher interface {
	PublishWorkflowEvent(ctx context.Context, eventType, workflowID, subjectType, subjectID, actorID string, payload map[string]any)
}

// ApprovalService is the approval workflow engine's entry point: it triggers
// workflow instances, executes step decisions and drives the side-effect
// dispatcher on terminal transitions.
type ApprovalService struct {
	ruleSet    *engine.RuleSet
	resolver   *engine.Resolver
	dispatcher *engine.Dispatcher
	directory  engine.Directory
	ladders    map[string]engine.Ladder

	workflows  WorkflowStore
	steps      StepStore
	audit      AuditStore
	authorizer Authorizer
	publisher  EventPublisher
	log        *logger.Logger
}

// NewApprovalService wires the engine together. authorizer and publisher may
// be nil.
func NewApprovalService(
	ruleSet *engine.RuleSet,
	resolver *engine.Resolver,
	dispatcher *engine.Dispatcher,
	directory engine.Directory,
	ladders map[string]engine.Ladder,
	workflows WorkflowStore,
	steps StepStore,
	audit AuditStore,
	authorizer Authorizer,
	publisher EventPublisher,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		ruleSet:    ruleSet,
		resolver:   resolver,
		dispatcher: dispatcher,
		directory:  directory,
		ladders:    ladders,
		workflows:  workflows,
		steps:      steps,
		audit:      audit,
		authorizer: authorizer,
		publisher:  publisher,
		log:        log,
	}
}

// ── Trigger ──────────────────────────────────────────────────────────────────

// Trigger evaluates the enabled rules for ruleType against the frozen context
// snapshot. On a match it resolves every step's approver up front and persists
// the instance plus all step records as one unit, leaving the subject
// untouched. Returns "" with a nil error when no rule fires — no approval
// required is a success, not a failure.
func (s *ApprovalService) Trigger(
	ctx context.Context,
	ruleType, subjectType, subjectID, applicantID string,
	triggerContext map[string]any,
) (string, error) {
	if ruleType == "" {
		return "", apperrors.InvalidInput("rule_type", "rule type is required")
	}
	if subjectType == "" || subjectID == "" {
		return "", apperrors.InvalidInput("subject", "subject type and id are required")
	}
	if applicantID == "" {
		return "", apperrors.InvalidInput("applicant_id", "applicant is required")
	}
	if triggerContext == nil {
		triggerContext = map[string]any{}
	}

	rule := engine.FirstMatch(s.ruleSet.ForType(ruleType), triggerContext,
		func(rule *repository.ApprovalRule, err error) {
			s.log.Warn().Err(err).
				Str("rule_id", rule.ID).
				Str("rule_type", rule.RuleType).
				Msg("Skipping broken approval rule")
		})
	if rule == nil {
		s.log.Debug().
			Str("rule_type", ruleType).
			Str("subject_type", subjectType).
			Str("subject_id", subjectID).
			Msg("No approval rule matched; no approval required")
		return "", nil
	}

	// Directory reads stay outside the write transaction.
	applicantDepartment := s.applicantDepartment(ctx, applicantID)
	amount := engine.TriggerAmount(rule.TriggerCondition, triggerContext)

	assignments, err := s.resolver.ResolveChain(ctx, rule.ChainTemplate, s.ladders[ruleType], applicantDepartment, amount)
	if err != nil {
		if e, ok := err.(*apperrors.Error); ok {
			e.WithField("rule_id", rule.ID)
		}
		return "", err
	}

	ruleID := rule.ID
	inst := &repository.WorkflowInstance{
		RuleID:           &ruleID,
		SubjectType:      subjectType,
		SubjectID:        subjectID,
		ApplicantID:      applicantID,
		Status:           repository.WorkflowPending,
		CurrentStepIndex: 1,
		TotalSteps:       len(assignments),
		TriggerContext:   triggerContext,
	}

	steps := make([]*repository.StepRecord, 0, len(assignments))
	for i, a := range assignments {
		steps = append(steps, &repository.StepRecord{
			StepIndex:        i + 1,
			RoleCode:         a.RoleCode,
			ApproverID:       a.ResolvedUserID,
			ResolutionReason: a.Reason,
			Result:           repository.StepPending,
		})
	}

	if err := s.workflows.CreateInstance(ctx, inst, steps); err != nil {
		return "", err
	}

	s.log.Info().
		Str("workflow_id", inst.ID).
		Str("rule_id", rule.ID).
		Str("subject_type", subjectType).
		Str("subject_id", subjectID).
		Int("total_steps", inst.TotalSteps).
		Msg("Approval workflow created")

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkflowID:  inst.ID,
		Action:      "submitted",
		PerformedBy: applicantID,
		Metadata: map[string]any{
			"rule_id":     rule.ID,
			"rule_type":   ruleType,
			"total_steps": inst.TotalSteps,
		},
	})
	s.publish(ctx, "workflow_created", inst, applicantID, map[string]any{
		"total_steps":    inst.TotalSteps,
		"first_approver": steps[0].ApproverID,
	})

	return inst.ID, nil
}

// applicantDepartment looks the applicant up for the same-department
// preference. A directory miss just disables the preference.
func (s *ApprovalService) applicantDepartment(ctx context.Context, applicantID string) string {
	user, err := s.directory.UserByID(ctx, applicantID)
	if err != nil || user == nil {
		if err != nil {
			s.log.Warn().Err(err).Str("applicant_id", applicantID).
				Msg("Could not resolve applicant; department preference disabled")
		}
		return ""
	}
	return user.Department
}

// ── Approve ──────────────────────────────────────────────────────────────────

// Approve records an approval for the active step. Approving the last step
// completes the workflow and fires the side-effect dispatcher exactly once;
// any earlier step advances current_step_index and moves the instance to
// in_progress.
func (s *ApprovalService) Approve(ctx context.Context, workflowID string, stepIndex int, actorID, comment string) error {
	inst, step, err := s.loadActionable(ctx, workflowID, stepIndex, actorID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	last := stepIndex >= inst.TotalSteps

	decision := repository.StepDecision{
		WorkflowID: workflowID,
		StepID:     step.ID,
		StepIndex:  stepIndex,
		Result:     repository.StepApproved,
		Comment:    optional(comment),
		DecidedAt:  now,
	}
	if last {
		decision.NextStepIndex = stepIndex
		decision.InstanceStatus = repository.WorkflowApproved
		decision.CompletedAt = &now
	} else {
		decision.NextStepIndex = stepIndex + 1
		decision.InstanceStatus = repository.WorkflowInProgress
	}

	if err := s.workflows.DecideStep(ctx, decision); err != nil {
		return err
	}

	s.log.Info().
		Str("workflow_id", workflowID).
		Int("step_index", stepIndex).
		Str("actor_id", actorID).
		Bool("workflow_complete", last).
		Msg("Approval step approved")

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkflowID:  workflowID,
		StepID:      &step.ID,
		Action:      "approved",
		PerformedBy: actorID,
		Metadata:    map[string]any{"step_index": stepIndex, "comment": comment},
	})

	if last {
		s.publish(ctx, "workflow_approved", inst, actorID, map[string]any{"step_index": stepIndex})
		return s.deliverSideEffect(ctx, inst, repository.OutcomeApproved, actorID)
	}

	s.publish(ctx, "step_approved", inst, actorID, map[string]any{
		"step_index": stepIndex,
		"next_step":  stepIndex + 1,
	})
	return nil
}

// ── Reject ───────────────────────────────────────────────────────────────────

// Reject terminates the workflow at the given step. Steps after the rejected
// one are never executed and keep their pending result permanently.
func (s *ApprovalService) Reject(ctx context.Context, workflowID string, stepIndex int, actorID, comment string) error {
	if comment == "" {
		return apperrors.InvalidInput("comment", "a rejection comment is required")
	}

	inst, step, err := s.loadActionable(ctx, workflowID, stepIndex, actorID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	decision := repository.StepDecision{
		WorkflowID:     workflowID,
		StepID:         step.ID,
		StepIndex:      stepIndex,
		Result:         repository.StepRejected,
		Comment:        optional(comment),
		DecidedAt:      now,
		NextStepIndex:  stepIndex,
		InstanceStatus: repository.WorkflowRejected,
		CompletedAt:    &now,
	}

	if err := s.workflows.DecideStep(ctx, decision); err != nil {
		return err
	}

	s.log.Info().
		Str("workflow_id", workflowID).
		Int("step_index", stepIndex).
		Str("actor_id", actorID).
		Msg("Approval workflow rejected")

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkflowID:  workflowID,
		StepID:      &step.ID,
		Action:      "rejected",
		PerformedBy: actorID,
		Metadata:    map[string]any{"step_index": stepIndex, "comment": comment},
	})
	s.publish(ctx, "workflow_rejected", inst, actorID, map[string]any{"step_index": stepIndex})

	return s.deliverSideEffect(ctx, inst, repository.OutcomeRejected, actorID)
}

// ── Transfer ─────────────────────────────────────────────────────────────────

// Transfer reassigns a still-pending step to a new approver. Workflow status
// and step index are untouched; both the old and new approver are retained on
// the record and in the audit trail.
func (s *ApprovalService) Transfer(ctx context.Context, workflowID string, stepIndex int, actorID, newApproverID, comment string) error {
	if newApproverID == "" {
		return apperrors.InvalidInput("new_approver_id", "a transfer target is required")
	}

	inst, step, err := s.loadActionable(ctx, workflowID, stepIndex, actorID)
	if err != nil {
		return err
	}

	if err := s.steps.TransferStep(ctx, step.ID, newApproverID, optional(comment)); err != nil {
		return err
	}

	s.log.Info().
		Str("workflow_id", workflowID).
		Int("step_index", stepIndex).
		Str("from", step.ApproverID).
		Str("to", newApproverID).
		Msg("Approval step transferred")

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkflowID:  workflowID,
		StepID:      &step.ID,
		Action:      "transferred",
		PerformedBy: actorID,
		Metadata: map[string]any{
			"step_index":    stepIndex,
			"from_approver": step.ApproverID,
			"to_approver":   newApproverID,
			"comment":       comment,
		},
	})
	s.publish(ctx, "step_transferred", inst, actorID, map[string]any{
		"step_index":  stepIndex,
		"to_approver": newApproverID,
	})

	return nil
}

// ── Cancel ───────────────────────────────────────────────────────────────────

// Cancel is the applicant's explicit terminal transition, allowed only while
// the workflow is still pending (no decision taken yet). No side effect
// fires: the subject never left its pre-approval state.
func (s *ApprovalService) Cancel(ctx context.Context, workflowID, actorID string) error {
	inst, err := s.workflows.GetInstance(ctx, workflowID)
	if err != nil {
		return err
	}
	if actorID != inst.ApplicantID {
		return apperrors.New(apperrors.ErrCodeUnauthorized, "only the applicant can cancel a workflow").
			WithField("workflow_id", workflowID)
	}

	if err := s.workflows.CancelInstance(ctx, workflowID, time.Now().UTC()); err != nil {
		return err
	}

	s.log.Info().
		Str("workflow_id", workflowID).
		Str("actor_id", actorID).
		Msg("Approval workflow cancelled")

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkflowID:  workflowID,
		Action:      "cancelled",
		PerformedBy: actorID,
	})
	s.publish(ctx, "workflow_cancelled", inst, actorID, nil)

	return nil
}

// ── Reads ────────────────────────────────────────────────────────────────────

// GetInstance returns a workflow instance with all of its steps — the audit
// read model.
func (s *ApprovalService) GetInstance(ctx context.Context, workflowID string) (*repository.WorkflowInstance, []*repository.StepRecord, error) {
	inst, err := s.workflows.GetInstance(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := s.steps.StepsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	return inst, steps, nil
}

// ListPendingForApprover returns every step currently awaiting a decision
// from a user.
func (s *ApprovalService) ListPendingForApprover(ctx context.Context, userID string) ([]*repository.StepRecord, error) {
	return s.steps.ListPendingForApprover(ctx, userID)
}

// GetAuditTrail returns the workflow's audit log, oldest first.
func (s *ApprovalService) GetAuditTrail(ctx context.Context, workflowID string) ([]*repository.AuditEntry, error) {
	return s.audit.ByWorkflow(ctx, workflowID)
}

// ReloadRules swaps in the current rule configuration. Reloads are
// serialized.
func (s *ApprovalService) ReloadRules(ctx context.Context) error {
	return s.ruleSet.Reload(ctx)
}

// ── Side effects ─────────────────────────────────────────────────────────────

// RetrySideEffect re-fires delivery for a terminal workflow whose mutation
// previously failed. A no-op when the side effect was already delivered.
func (s *ApprovalService) RetrySideEffect(ctx context.Context, workflowID, actorID string) error {
	inst, err := s.workflows.GetInstance(ctx, workflowID)
	if err != nil {
		return err
	}
	switch inst.Status {
	case repository.WorkflowApproved, repository.WorkflowRejected:
	default:
		return apperrors.New(apperrors.ErrCodeConflict, "workflow has no terminal outcome to deliver").
			WithField("workflow_id", workflowID)
	}
	if inst.SideEffectDelivered {
		return nil
	}

	outcome := repository.OutcomeApproved
	if inst.Status == repository.WorkflowRejected {
		outcome = repository.OutcomeRejected
	}
	return s.deliverSideEffect(ctx, inst, outcome, actorID)
}

// deliverSideEffect invokes the registered mutation once. The workflow's
// decision state is already committed and is never rolled back here; a
// failure is audited and surfaced for retry.
func (s *ApprovalService) deliverSideEffect(ctx context.Context, inst *repository.WorkflowInstance, outcome repository.Outcome, actorID string) error {
	if err := s.dispatcher.Dispatch(ctx, inst.SubjectType, inst.SubjectID, outcome); err != nil {
		s.log.Error().Err(err).
			Str("workflow_id", inst.ID).
			Str("subject_type", inst.SubjectType).
			Str("subject_id", inst.SubjectID).
			Str("outcome", string(outcome)).
			Msg("Side effect delivery failed; decision stands")

		s.appendAudit(ctx, &repository.AuditEntry{
			WorkflowID:  inst.ID,
			Action:      "side_effect_failed",
			PerformedBy: actorID,
			Metadata:    map[string]any{"outcome": string(outcome), "error": err.Error()},
		})
		if e, ok := err.(*apperrors.Error); ok {
			e.WithField("workflow_id", inst.ID)
		}
		return err
	}

	if err := s.workflows.MarkSideEffectDelivered(ctx, inst.ID); err != nil {
		s.log.Warn().Err(err).Str("workflow_id", inst.ID).
			Msg("Failed to record side effect delivery")
	}
	s.appendAudit(ctx, &repository.AuditEntry{
		WorkflowID:  inst.ID,
		Action:      "side_effect_delivered",
		PerformedBy: actorID,
		Metadata:    map[string]any{"outcome": string(outcome)},
	})
	return nil
}

// ── Internal helpers ─────────────────────────────────────────────────────────

// loadActionable fetches the instance and target step, then enforces every
// precondition shared by approve, reject and transfer: the instance is
// non-terminal, the target step is the active one and still pending, and the
// actor is allowed to act on it.
func (s *ApprovalService) loadActionable(ctx context.Context, workflowID string, stepIndex int, actorID string) (*repository.WorkflowInstance, *repository.StepRecord, error) {
	inst, err := s.workflows.GetInstance(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, nil, apperrors.Newf(apperrors.ErrCodeConflict,
			"workflow is %s and accepts no further decisions", inst.Status).
			WithField("workflow_id", workflowID)
	}
	if stepIndex != inst.CurrentStepIndex {
		return nil, nil, apperrors.Newf(apperrors.ErrCodeConflict,
			"step %d is not the active step (current: %d)", stepIndex, inst.CurrentStepIndex).
			WithField("workflow_id", workflowID).
			WithField("step_index", stepIndex)
	}

	step, err := s.steps.GetStep(ctx, workflowID, stepIndex)
	if err != nil {
		return nil, nil, err
	}
	if step.Result != repository.StepPending {
		return nil, nil, apperrors.New(apperrors.ErrCodeStepAlreadyDecided, "step has already been decided").
			WithField("workflow_id", workflowID).
			WithField("step_index", stepIndex)
	}

	if err := s.authorize(ctx, step, actorID); err != nil {
		return nil, nil, err
	}
	return inst, step, nil
}

// authorize admits the pre-resolved approver, or an actor holding the checked
// override capability. There is no implicit admin bypass.
func (s *ApprovalService) authorize(ctx context.Context, step *repository.StepRecord, actorID string) error {
	if actorID == "" {
		return apperrors.InvalidInput("actor_id", "actor is required")
	}
	if actorID == step.ApproverID {
		return nil
	}
	if s.authorizer != nil {
		ok, err := s.authorizer.CanOverride(ctx, actorID)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "override capability check failed").
				WithField("workflow_id", step.WorkflowInstanceID).
				WithField("step_index", step.StepIndex)
		}
		if ok {
			return nil
		}
	}
	return apperrors.New(apperrors.ErrCodeUnauthorized, "actor is not the assigned approver for this step").
		WithField("workflow_id", step.WorkflowInstanceID).
		WithField("step_index", step.StepIndex)
}

// appendAudit writes an audit entry, logging a warning on failure (never
// returns an error: audit writes must not fail the operation they describe).
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("workflow_id", entry.WorkflowID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

// publish fans an event out when a publisher is configured.
func (s *ApprovalService) publish(ctx context.Context, eventType string, inst *repository.WorkflowInstance, actorID string, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishWorkflowEvent(ctx, eventType, inst.ID, inst.SubjectType, inst.SubjectID, actorID, payload)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
