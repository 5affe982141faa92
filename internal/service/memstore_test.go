package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poplovexz/qiyewenjian-approvals/internal/apperrors"
	"github.com/poplovexz/qiyewenjian-approvals/internal/repository"
)

// memStore is an in-memory WorkflowStore/StepStore/AuditStore with the same
// compare-and-swap semantics as the Postgres repositories, so the concurrency
// behavior under test is the real one.
type memStore struct {
	mu        sync.Mutex
	instances map[string]*repository.WorkflowInstance
	steps     map[string][]*repository.StepRecord
	audit     []*repository.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		instances: make(map[string]*repository.WorkflowInstance),
		steps:     make(map[string][]*repository.StepRecord),
	}
}

// ── WorkflowStore ────────────────────────────────────────────────────────────

func (m *memStore) CreateInstance(_ context.Context, inst *repository.WorkflowInstance, steps []*repository.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	inst.ID = uuid.NewString()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	for _, step := range steps {
		step.ID = uuid.NewString()
		step.WorkflowInstanceID = inst.ID
		step.CreatedAt = now
		step.UpdatedAt = now
	}

	m.instances[inst.ID] = inst
	m.steps[inst.ID] = steps
	return nil
}

func (m *memStore) GetInstance(_ context.Context, id string) (*repository.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, apperrors.NotFound("workflow_instance", id)
	}
	cp := *inst
	return &cp, nil
}

func (m *memStore) DecideStep(_ context.Context, d repository.StepDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	step := m.findStep(d.WorkflowID, d.StepID)
	if step == nil {
		return apperrors.NotFound("step_record", d.StepID)
	}
	if step.Result != repository.StepPending {
		return apperrors.New(apperrors.ErrCodeStepAlreadyDecided, "step has already been decided").
			WithField("workflow_id", d.WorkflowID).
			WithField("step_index", d.StepIndex)
	}

	inst, ok := m.instances[d.WorkflowID]
	if !ok {
		return apperrors.NotFound("workflow_instance", d.WorkflowID)
	}
	if inst.Status.IsTerminal() {
		return apperrors.New(apperrors.ErrCodeConflict, "workflow is no longer accepting decisions").
			WithField("workflow_id", d.WorkflowID)
	}

	decidedAt := d.DecidedAt
	step.Result = d.Result
	step.Comment = d.Comment
	step.DecidedAt = &decidedAt
	step.UpdatedAt = decidedAt

	inst.Status = d.InstanceStatus
	inst.CurrentStepIndex = d.NextStepIndex
	inst.CompletedAt = d.CompletedAt
	inst.UpdatedAt = decidedAt
	return nil
}

func (m *memStore) CancelInstance(_ context.Context, id string, cancelledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return apperrors.NotFound("workflow_instance", id)
	}
	if inst.Status != repository.WorkflowPending {
		return apperrors.New(apperrors.ErrCodeConflict, "only pending workflows can be cancelled").
			WithField("workflow_id", id)
	}

	inst.Status = repository.WorkflowCancelled
	inst.CompletedAt = &cancelledAt
	for _, step := range m.steps[id] {
		if step.Result == repository.StepPending {
			step.Result = repository.StepCancelled
			step.DecidedAt = &cancelledAt
		}
	}
	return nil
}

func (m *memStore) MarkSideEffectDelivered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return apperrors.NotFound("workflow_instance", id)
	}
	inst.SideEffectDelivered = true
	return nil
}

// ── StepStore ────────────────────────────────────────────────────────────────

func (m *memStore) GetStep(_ context.Context, workflowID string, stepIndex int) (*repository.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, step := range m.steps[workflowID] {
		if step.StepIndex == stepIndex {
			cp := *step
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("step_record", fmt.Sprintf("%s/%d", workflowID, stepIndex))
}

func (m *memStore) StepsByWorkflow(_ context.Context, workflowID string) ([]*repository.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.StepRecord
	for _, step := range m.steps[workflowID] {
		cp := *step
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListPendingForApprover(_ context.Context, userID string) ([]*repository.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.StepRecord
	for workflowID, steps := range m.steps {
		inst := m.instances[workflowID]
		if inst == nil || inst.Status.IsTerminal() {
			continue
		}
		for _, step := range steps {
			if step.ApproverID == userID &&
				step.Result == repository.StepPending &&
				step.StepIndex == inst.CurrentStepIndex {
				cp := *step
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (m *memStore) TransferStep(_ context.Context, stepID, newApproverID string, comment *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, steps := range m.steps {
		for _, step := range steps {
			if step.ID != stepID {
				continue
			}
			if step.Result != repository.StepPending {
				return apperrors.New(apperrors.ErrCodeStepAlreadyDecided, "step has already been decided").
					WithField("step_id", stepID)
			}
			from := step.ApproverID
			step.TransferredFrom = &from
			step.ApproverID = newApproverID
			step.Comment = comment
			return nil
		}
	}
	return apperrors.NotFound("step_record", stepID)
}

// ── AuditStore ───────────────────────────────────────────────────────────────

func (m *memStore) Append(_ context.Context, entry *repository.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = uuid.NewString()
	entry.PerformedAt = time.Now().UTC()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memStore) ByWorkflow(_ context.Context, workflowID string) ([]*repository.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.AuditEntry
	for _, entry := range m.audit {
		if entry.WorkflowID == workflowID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memStore) auditActions(workflowID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, entry := range m.audit {
		if entry.WorkflowID == workflowID {
			out = append(out, entry.Action)
		}
	}
	return out
}

func (m *memStore) findStep(workflowID, stepID string) *repository.StepRecord {
	for _, step := range m.steps[workflowID] {
		if step.ID == stepID {
			return step
		}
	}
	return nil
}
