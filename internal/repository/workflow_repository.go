package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/poplovexz/qiyewenjian-approvals/internal/apperrors"
	"github.com/poplovexz/qiyewenjian-approvals/internal/database"
)

// WorkflowRepository manages workflow instances and their step records.
// Instance + step creation and every step decision run in one transaction;
// concurrent writers are serialized by compare-and-swap guards on the status
// and result columns.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// StepDecision is the full transition applied when a step is decided: the
// step's new result plus the instance's resulting state, committed atomically.
type StepDecision struct {
	WorkflowID string
	StepID     string
	StepIndex  int
	Result     StepResult
	Comment    *string
	DecidedAt  time.Time

	NextStepIndex  int
	InstanceStatus WorkflowStatus
	CompletedAt    *time.Time
}

// CreateInstance inserts a workflow and all pre-resolved steps in one
// transaction. Nothing is persisted when any insert fails.
func (r *WorkflowRepository) CreateInstance(ctx context.Context, inst *WorkflowInstance, steps []*StepRecord) error {
	contextJSON, err := json.Marshal(inst.TriggerContext)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal trigger context")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		instQuery := `
			INSERT INTO workflow_instances
			    (rule_id, subject_type, subject_id, applicant_id,
			     status, current_step_index, total_steps, trigger_context)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at
		`

		err := tx.QueryRow(ctx, instQuery,
			inst.RuleID,
			inst.SubjectType,
			inst.SubjectID,
			inst.ApplicantID,
			inst.Status,
			inst.CurrentStepIndex,
			inst.TotalSteps,
			contextJSON,
		).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create workflow instance")
		}

		stepQuery := `
			INSERT INTO step_records
			    (workflow_instance_id, step_index, role_code,
			     approver_id, resolution_reason, result)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`

		for _, step := range steps {
			step.WorkflowInstanceID = inst.ID

			err := tx.QueryRow(ctx, stepQuery,
				step.WorkflowInstanceID,
				step.StepIndex,
				step.RoleCode,
				step.ApproverID,
				step.ResolutionReason,
				step.Result,
			).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create step record").
					WithField("step_index", step.StepIndex)
			}
		}

		return nil
	})
}

// GetInstance retrieves a workflow instance by id.
func (r *WorkflowRepository) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `
		SELECT id, rule_id, subject_type, subject_id, applicant_id,
		       status, current_step_index, total_steps, trigger_context,
		       side_effect_delivered, created_at, completed_at, updated_at
		FROM workflow_instances
		WHERE id = $1
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("workflow_instance", id)
	}
	return inst, err
}

// DecideStep applies one decision: the step leaves pending and the instance
// advances or terminates, in a single transaction. The step update is guarded
// on result = 'pending' and the instance update on a non-terminal status, so
// of two concurrent calls exactly one commits; the loser gets
// ErrCodeStepAlreadyDecided.
func (r *WorkflowRepository) DecideStep(ctx context.Context, d StepDecision) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		stepQuery := `
			UPDATE step_records
			SET result     = $2,
			    comment    = $3,
			    decided_at = $4,
			    updated_at = NOW()
			WHERE id = $1
			  AND result = 'pending'
		`

		tag, err := tx.Exec(ctx, stepQuery, d.StepID, d.Result, d.Comment, d.DecidedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update step record").
				WithField("workflow_id", d.WorkflowID).
				WithField("step_index", d.StepIndex)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.New(apperrors.ErrCodeStepAlreadyDecided, "step has already been decided").
				WithField("workflow_id", d.WorkflowID).
				WithField("step_index", d.StepIndex)
		}

		instQuery := `
			UPDATE workflow_instances
			SET status             = $2,
			    current_step_index = $3,
			    completed_at       = $4,
			    updated_at         = NOW()
			WHERE id = $1
			  AND status IN ('pending', 'in_progress')
		`

		tag, err = tx.Exec(ctx, instQuery, d.WorkflowID, d.InstanceStatus, d.NextStepIndex, d.CompletedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update workflow instance").
				WithField("workflow_id", d.WorkflowID)
		}
		if tag.RowsAffected() == 0 {
			// Terminal instance; rolls back the step update above.
			return apperrors.New(apperrors.ErrCodeConflict, "workflow is no longer accepting decisions").
				WithField("workflow_id", d.WorkflowID)
		}

		return nil
	})
}

// CancelInstance moves a still-pending workflow to cancelled and marks every
// pending step cancelled, atomically. Conflict when the workflow already left
// the pending state.
func (r *WorkflowRepository) CancelInstance(ctx context.Context, id string, cancelledAt time.Time) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		instQuery := `
			UPDATE workflow_instances
			SET status       = 'cancelled',
			    completed_at = $2,
			    updated_at   = NOW()
			WHERE id = $1
			  AND status = 'pending'
		`

		tag, err := tx.Exec(ctx, instQuery, id, cancelledAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to cancel workflow instance").
				WithField("workflow_id", id)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.New(apperrors.ErrCodeConflict, "only pending workflows can be cancelled").
				WithField("workflow_id", id)
		}

		stepQuery := `
			UPDATE step_records
			SET result     = 'cancelled',
			    decided_at = $2,
			    updated_at = NOW()
			WHERE workflow_instance_id = $1
			  AND result = 'pending'
		`

		if _, err := tx.Exec(ctx, stepQuery, id, cancelledAt); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to cancel step records").
				WithField("workflow_id", id)
		}
		return nil
	})
}

// MarkSideEffectDelivered records that the subject mutation for a terminal
// workflow went through, so retries become no-ops.
func (r *WorkflowRepository) MarkSideEffectDelivered(ctx context.Context, id string) error {
	query := `
		UPDATE workflow_instances
		SET side_effect_delivered = TRUE,
		    updated_at            = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("workflow_instance", id)
	}
	return err
}

// ── scan helper ──────────────────────────────────────────────────────────────

type instanceScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowRepository) scanInstance(row instanceScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	var contextJSON []byte

	err := row.Scan(
		&inst.ID,
		&inst.RuleID,
		&inst.SubjectType,
		&inst.SubjectID,
		&inst.ApplicantID,
		&inst.Status,
		&inst.CurrentStepIndex,
		&inst.TotalSteps,
		&contextJSON,
		&inst.SideEffectDelivered,
		&inst.CreatedAt,
		&inst.CompletedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(contextJSON, &inst.TriggerContext); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal trigger context")
	}
	return inst, nil
}
