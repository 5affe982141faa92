package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/poplovexz/qiyewenjian-approvals/internal/apperrors"
	"github.com/poplovexz/qiyewenjian-approvals/internal/repository"
)

// Resolution reasons recorded on step records.
const (
	ReasonRoleMatch       = "role-match"
	ReasonEscalated       = "escalated"
	ReasonFallbackDefault = "fallback-default"
)

// DirectoryUser is one candidate approver returned by the user directory.
type DirectoryUser struct {
	ID            string           `json:"user_id"`
	Department    string           `json:"department"`
	AmountCeiling *decimal.Decimal `json:"amount_ceiling"`
	Active        bool             `json:"active"`
}

// Directory is the read-only user directory port. Lookups happen outside any
// transaction.
type Directory interface {
	UsersByRole(ctx context.Context, roleCode string) ([]DirectoryUser, error)
	UserByID(ctx context.Context, userID string) (*DirectoryUser, error)
}

// Ladder is the externally configured escalation ladder for one rule type:
// role codes ordered from lowest to highest authority, plus a last-resort
// default approver.
type Ladder struct {
	Tiers             []string
	DefaultApproverID string
}

// NextTier returns the role directly above roleCode on the ladder, or "".
func (l Ladder) NextTier(roleCode string) string {
	for i, tier := range l.Tiers {
		if tier == roleCode && i+1 < len(l.Tiers) {
			return l.Tiers[i+1]
		}
	}
	return ""
}

// Assignment is the transient outcome of resolving one chain step. It is
// materialized into a step record, never persisted on its own.
type Assignment struct {
	RoleCode       string
	ResolvedUserID string
	Reason         string
}

// Resolver turns a rule's chain template into concrete user assignments.
// Given a fixed directory snapshot the result is deterministic: candidates
// are always considered in ascending user-id order.
type Resolver struct {
	directory Directory
}

// NewResolver creates a Resolver over the given directory.
func NewResolver(directory Directory) *Resolver {
	return &Resolver{directory: directory}
}

// ResolveChain resolves every step of the template before anything is
// persisted. amount is the trigger amount used against per-user authority
// ceilings; nil means no ceiling check applies.
func (r *Resolver) ResolveChain(
	ctx context.Context,
	template []repository.ChainStep,
	ladder Ladder,
	applicantDepartment string,
	amount *decimal.Decimal,
) ([]Assignment, error) {
	assignments := make([]Assignment, 0, len(template))

	for i, step := range template {
		stepAmount := amount
		if step.AmountCeiling == nil {
			// Ceiling checks only apply to steps that declare one.
			stepAmount = nil
		}

		assignment, err := r.resolveStep(ctx, step.RoleCode, ladder, applicantDepartment, stepAmount)
		if err != nil {
			if e, ok := err.(*apperrors.Error); ok {
				e.WithField("step_index", i+1).WithField("role_code", step.RoleCode)
			}
			return nil, err
		}
		assignments = append(assignments, assignment)
	}

	return assignments, nil
}

// resolveStep finds an approver for one role requirement: same tier first,
// then up the ladder, then the configured default.
func (r *Resolver) resolveStep(
	ctx context.Context,
	roleCode string,
	ladder Ladder,
	applicantDepartment string,
	amount *decimal.Decimal,
) (Assignment, error) {
	reason := ReasonRoleMatch

	for role := roleCode; role != ""; role = ladder.NextTier(role) {
		candidate, err := r.pickCandidate(ctx, role, applicantDepartment, amount)
		if err != nil {
			return Assignment{}, err
		}
		if candidate != "" {
			return Assignment{RoleCode: roleCode, ResolvedUserID: candidate, Reason: reason}, nil
		}
		// Everyone at this tier is excluded; escalate.
		reason = ReasonEscalated
	}

	if ladder.DefaultApproverID != "" {
		return Assignment{
			RoleCode:       roleCode,
			ResolvedUserID: ladder.DefaultApproverID,
			Reason:         ReasonFallbackDefault,
		}, nil
	}

	return Assignment{}, apperrors.Newf(apperrors.ErrCodeNoApproverAvailable,
		"no eligible approver for role %q", roleCode)
}

// pickCandidate returns the chosen user id at one role tier, or "" when the
// tier has no eligible candidate.
func (r *Resolver) pickCandidate(
	ctx context.Context,
	roleCode string,
	applicantDepartment string,
	amount *decimal.Decimal,
) (string, error) {
	users, err := r.directory.UsersByRole(ctx, roleCode)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "directory lookup failed").
			WithField("role_code", roleCode)
	}

	eligible := make([]DirectoryUser, 0, len(users))
	for _, u := range users {
		if !u.Active {
			continue
		}
		if amount != nil && u.AmountCeiling != nil && amount.GreaterThan(*u.AmountCeiling) {
			continue
		}
		eligible = append(eligible, u)
	}
	if len(eligible) == 0 {
		return "", nil
	}

	// Stable tie-break: lowest user id wins within each preference group.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	if applicantDepartment != "" {
		for _, u := range eligible {
			if u.Department == applicantDepartment {
				return u.ID, nil
			}
		}
	}
	return eligible[0].ID, nil
}
