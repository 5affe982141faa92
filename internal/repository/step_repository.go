package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/poplovexz/qiyewenjian-approvals/internal/apperrors"
	"github.com/poplovexz/qiyewenjian-approvals/internal/database"
)

// StepRepository handles reads and reassignments on individual step records.
// Step creation and decisions are owned by WorkflowRepository (transactional).
type StepRepository struct {
	db *database.DB
}

// NewStepRepository creates a new StepRepository.
func NewStepRepository(db *database.DB) *StepRepository {
	return &StepRepository{db: db}
}

const stepColumns = `
	id, workflow_instance_id, step_index, role_code,
	approver_id, resolution_reason, result, comment,
	transferred_from, decided_at, created_at, updated_at
`

// GetStep returns the step at the given index within a workflow.
func (r *StepRepository) GetStep(ctx context.Context, workflowID string, stepIndex int) (*StepRecord, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM step_records
		WHERE workflow_instance_id = $1 AND step_index = $2
	`

	step, err := r.scanStep(r.db.QueryRow(ctx, query, workflowID, stepIndex))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("step_record", workflowID).
			WithField("step_index", stepIndex)
	}
	return step, err
}

// StepsByWorkflow returns all steps of a workflow ordered by step_index.
func (r *StepRepository) StepsByWorkflow(ctx context.Context, workflowID string) ([]*StepRecord, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM step_records
		WHERE workflow_instance_id = $1
		ORDER BY step_index ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get step records").
			WithField("workflow_id", workflowID)
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListPendingForApprover returns every step awaiting a decision from a user,
// restricted to workflows that can still be acted on.
func (r *StepRepository) ListPendingForApprover(ctx context.Context, userID string) ([]*StepRecord, error) {
	query := `
		SELECT s.id, s.workflow_instance_id, s.step_index, s.role_code,
		       s.approver_id, s.resolution_reason, s.result, s.comment,
		       s.transferred_from, s.decided_at, s.created_at, s.updated_at
		FROM step_records s
		JOIN workflow_instances w ON w.id = s.workflow_instance_id
		WHERE s.approver_id = $1
		  AND s.result = 'pending'
		  AND w.status IN ('pending', 'in_progress')
		  AND s.step_index = w.current_step_index
		ORDER BY s.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list pending approvals").
			WithField("user_id", userID)
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// TransferStep reassigns a still-pending step to a new approver, keeping the
// previous approver in transferred_from. Guarded on result = 'pending' so a
// transfer racing a decision loses cleanly.
func (r *StepRepository) TransferStep(ctx context.Context, stepID, newApproverID string, comment *string) error {
	query := `
		UPDATE step_records
		SET transferred_from  = approver_id,
		    approver_id       = $2,
		    comment           = $3,
		    updated_at        = NOW()
		WHERE id = $1
		  AND result = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, stepID, newApproverID, comment)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to transfer step").
			WithField("step_id", stepID)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.ErrCodeStepAlreadyDecided, "step has already been decided").
			WithField("step_id", stepID)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type stepScanner interface {
	Scan(dest ...any) error
}

func (r *StepRepository) scanStep(row stepScanner) (*StepRecord, error) {
	s := &StepRecord{}
	err := row.Scan(
		&s.ID,
		&s.WorkflowInstanceID,
		&s.StepIndex,
		&s.RoleCode,
		&s.ApproverID,
		&s.ResolutionReason,
		&s.Result,
		&s.Comment,
		&s.TransferredFrom,
		&s.DecidedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *StepRepository) scanRows(rows pgx.Rows) ([]*StepRecord, error) {
	var steps []*StepRecord
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan step record")
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
