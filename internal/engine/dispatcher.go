package engine

import (
	"context"

	"github.com/poplovexz/qiyewenjian-approvals/internal/apperrors"
	"github.com/poplovexz/qiyewenjian-approvals/internal/repository"
)

// SubjectMutator applies the business mutation to a subject once its workflow
// reaches a terminal outcome. Implementations live with the services that own
// each subject type.
type SubjectMutator interface {
	Apply(ctx context.Context, subjectType, subjectID string, outcome repository.Outcome) error
}

// Dispatcher is the closed subject_type → mutator registry. It is built once
// at startup and never mutated afterwards; dispatch is plain map lookup, no
// reflection.
type Dispatcher struct {
	mutators map[string]SubjectMutator
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{mutators: make(map[string]SubjectMutator)}
}

// Register binds one mutator to a subject type. Registering the same type
// twice is a configuration error.
func (d *Dispatcher) Register(subjectType string, m SubjectMutator) error {
	if _, exists := d.mutators[subjectType]; exists {
		return apperrors.Newf(apperrors.ErrCodeConfiguration,
			"subject type %q already has a registered mutator", subjectType)
	}
	d.mutators[subjectType] = m
	return nil
}

// Dispatch invokes the registered mutation for a terminal workflow. The
// caller commits the decision first; a delivery failure is surfaced as
// ErrCodeSideEffectDelivery and never rolls the decision back.
func (d *Dispatcher) Dispatch(ctx context.Context, subjectType, subjectID string, outcome repository.Outcome) error {
	m, ok := d.mutators[subjectType]
	if !ok {
		return apperrors.Newf(apperrors.ErrCodeSideEffectDelivery,
			"no mutator registered for subject type %q", subjectType).
			WithField("subject_id", subjectID)
	}

	if err := m.Apply(ctx, subjectType, subjectID, outcome); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSideEffectDelivery, "subject mutation failed").
			WithField("subject_type", subjectType).
			WithField("subject_id", subjectID).
			WithField("outcome", string(outcome))
	}
	return nil
}
