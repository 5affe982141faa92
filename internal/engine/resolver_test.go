package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poplovexz/qiyewenjian-approvals/internal/apperrors"
	"github.com/poplovexz/qiyewenjian-approvals/internal/repository"
)

// fakeDirectory is a fixed directory snapshot.
type fakeDirectory struct {
	byRole map[string][]DirectoryUser
}

func (d *fakeDirectory) UsersByRole(_ context.Context, roleCode string) ([]DirectoryUser, error) {
	return d.byRole[roleCode], nil
}

func (d *fakeDirectory) UserByID(_ context.Context, userID string) (*DirectoryUser, error) {
	for _, users := range d.byRole {
		for _, u := range users {
			if u.ID == userID {
				return &u, nil
			}
		}
	}
	return nil, nil
}

func dec(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return &d
}

func TestResolvePrefersApplicantDepartment(t *testing.T) {
	dir := &fakeDirectory{byRole: map[string][]DirectoryUser{
		"manager": {
			{ID: "u-001", Department: "sales", Active: true},
			{ID: "u-002", Department: "finance", Active: true},
		},
	}}
	r := NewResolver(dir)

	got, err := r.ResolveChain(context.Background(),
		[]repository.ChainStep{{RoleCode: "manager"}}, Ladder{}, "finance", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u-002", got[0].ResolvedUserID)
	assert.Equal(t, ReasonRoleMatch, got[0].Reason)
}

func TestResolveLowestUserIDTieBreak(t *testing.T) {
	dir := &fakeDirectory{byRole: map[string][]DirectoryUser{
		"manager": {
			{ID: "u-930", Department: "ops", Active: true},
			{ID: "u-114", Department: "ops", Active: true},
			{ID: "u-555", Department: "ops", Active: true},
		},
	}}
	r := NewResolver(dir)

	// No department preference applies; lowest id wins, every time.
	for i := 0; i < 20; i++ {
		got, err := r.ResolveChain(context.Background(),
			[]repository.ChainStep{{RoleCode: "manager"}}, Ladder{}, "sales", nil)
		require.NoError(t, err)
		require.Equal(t, "u-114", got[0].ResolvedUserID)
	}
}

func TestResolveSkipsInactiveUsers(t *testing.T) {
	dir := &fakeDirectory{byRole: map[string][]DirectoryUser{
		"manager": {
			{ID: "u-001", Department: "sales", Active: false},
			{ID: "u-002", Department: "sales", Active: true},
		},
	}}
	r := NewResolver(dir)

	got, err := r.ResolveChain(context.Background(),
		[]repository.ChainStep{{RoleCode: "manager"}}, Ladder{}, "sales", nil)
	require.NoError(t, err)
	assert.Equal(t, "u-002", got[0].ResolvedUserID)
}

func TestResolveCeilingExclusionEscalates(t *testing.T) {
	dir := &fakeDirectory{byRole: map[string][]DirectoryUser{
		"manager": {
			{ID: "u-001", Active: true, AmountCeiling: dec("1000")},
		},
		"finance": {
			{ID: "u-020", Active: true, AmountCeiling: dec("50000")},
		},
	}}
	r := NewResolver(dir)
	ladder := Ladder{Tiers: []string{"manager", "finance", "ceo"}}

	got, err := r.ResolveChain(context.Background(),
		[]repository.ChainStep{{RoleCode: "manager", AmountCeiling: dec("1000")}},
		ladder, "", dec("2000"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u-020", got[0].ResolvedUserID)
	assert.Equal(t, ReasonEscalated, got[0].Reason)
	// The step keeps its original role requirement.
	assert.Equal(t, "manager", got[0].RoleCode)
}

func TestResolveCeilingIgnoredWithoutStepCeiling(t *testing.T) {
	dir := &fakeDirectory{byRole: map[string][]DirectoryUser{
		"manager": {
			{ID: "u-001", Active: true, AmountCeiling: dec("1000")},
		},
	}}
	r := NewResolver(dir)

	// The step declares no ceiling, so personal authority is not checked.
	got, err := r.ResolveChain(context.Background(),
		[]repository.ChainStep{{RoleCode: "manager"}}, Ladder{}, "", dec("999999"))
	require.NoError(t, err)
	assert.Equal(t, "u-001", got[0].ResolvedUserID)
	assert.Equal(t, ReasonRoleMatch, got[0].Reason)
}

func TestResolveFallsBackToDefaultApprover(t *testing.T) {
	dir := &fakeDirectory{byRole: map[string][]DirectoryUser{}}
	r := NewResolver(dir)
	ladder := Ladder{Tiers: []string{"manager", "finance"}, DefaultApproverID: "u-root"}

	got, err := r.ResolveChain(context.Background(),
		[]repository.ChainStep{{RoleCode: "manager"}}, ladder, "sales", nil)
	require.NoError(t, err)
	assert.Equal(t, "u-root", got[0].ResolvedUserID)
	assert.Equal(t, ReasonFallbackDefault, got[0].Reason)
}

func TestResolveNoApproverAvailable(t *testing.T) {
	dir := &fakeDirectory{byRole: map[string][]DirectoryUser{}}
	r := NewResolver(dir)

	_, err := r.ResolveChain(context.Background(),
		[]repository.ChainStep{{RoleCode: "manager"}}, Ladder{}, "", nil)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoApproverAvailable))
}

func TestResolveChainResolvesEveryStep(t *testing.T) {
	dir := &fakeDirectory{byRole: map[string][]DirectoryUser{
		"manager": {{ID: "u-001", Active: true}},
		"finance": {{ID: "u-020", Active: true}},
		"ceo":     {{ID: "u-100", Active: true}},
	}}
	r := NewResolver(dir)

	got, err := r.ResolveChain(context.Background(), []repository.ChainStep{
		{RoleCode: "manager"},
		{RoleCode: "finance"},
		{RoleCode: "ceo"},
	}, Ladder{}, "", nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "u-001", got[0].ResolvedUserID)
	assert.Equal(t, "u-020", got[1].ResolvedUserID)
	assert.Equal(t, "u-100", got[2].ResolvedUserID)
}

func TestLadderNextTier(t *testing.T) {
	ladder := Ladder{Tiers: []string{"manager", "finance", "ceo"}}

	assert.Equal(t, "finance", ladder.NextTier("manager"))
	assert.Equal(t, "ceo", ladder.NextTier("finance"))
	assert.Equal(t, "", ladder.NextTier("ceo"))
	assert.Equal(t, "", ladder.NextTier("unknown"))
}
