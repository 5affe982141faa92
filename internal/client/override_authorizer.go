package client

import (
	"context"

	"github.com/poplovexz/qiyewenjian-approvals/internal/engine"
)

// OverrideAuthorizer grants the step-override capability to active holders of
// one configured role. It is the explicit check consulted when an actor is
// not the assigned approver; there is no username-based bypass.
type OverrideAuthorizer struct {
	directory    engine.Directory
	overrideRole string
}

// NewOverrideAuthorizer creates the authorizer. An empty role code disables
// overrides: CanOverride then always answers false.
func NewOverrideAuthorizer(directory engine.Directory, overrideRole string) *OverrideAuthorizer {
	return &OverrideAuthorizer{directory: directory, overrideRole: overrideRole}
}

// CanOverride reports whether the actor is an active holder of the override
// role.
func (a *OverrideAuthorizer) CanOverride(ctx context.Context, actorID string) (bool, error) {
	if a.overrideRole == "" {
		return false, nil
	}

	users, err := a.directory.UsersByRole(ctx, a.overrideRole)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u.Active && u.ID == actorID {
			return true, nil
		}
	}
	return false, nil
}
