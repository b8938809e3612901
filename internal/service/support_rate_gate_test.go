package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-support-chat/internal/models"
)

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestRateGateEvaluate(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	pricing := Pricing{Cost: 5, CooldownSeconds: 30}
	gate := RateGate{}

	cases := []struct {
		name      string
		sender    models.User
		kind      ChannelKind
		pricing   Pricing
		reason    RejectReason
		remaining int64
	}{
		{
			name:      "cooldown active",
			sender:    models.User{Role: models.RoleStudent, Credits: 5, LastChatAt: timePtr(now.Add(-10 * time.Second))},
			kind:      ChannelGlobal,
			pricing:   pricing,
			reason:    ReasonCooldown,
			remaining: 20,
		},
		{
			name:    "insufficient balance without history",
			sender:  models.User{Role: models.RoleStudent, Credits: 3},
			kind:    ChannelGlobal,
			pricing: pricing,
			reason:  ReasonInsufficientBalance,
		},
		{
			name:      "cooldown reported before balance",
			sender:    models.User{Role: models.RoleStudent, Credits: 1, LastChatAt: timePtr(now.Add(-29 * time.Second))},
			kind:      ChannelGlobal,
			pricing:   pricing,
			reason:    ReasonCooldown,
			remaining: 1,
		},
		{
			name:    "cooldown elapsed",
			sender:  models.User{Role: models.RoleStudent, Credits: 5, LastChatAt: timePtr(now.Add(-30 * time.Second))},
			kind:    ChannelGlobal,
			pricing: pricing,
		},
		{
			name:    "admin exempt",
			sender:  models.User{Role: models.RoleAdmin, LastChatAt: timePtr(now)},
			kind:    ChannelGlobal,
			pricing: pricing,
		},
		{
			name:    "sub admin exempt",
			sender:  models.User{Role: models.RoleSubAdmin},
			kind:    ChannelGlobal,
			pricing: pricing,
		},
		{
			name:    "direct channel exempt",
			sender:  models.User{Role: models.RoleStudent, LastChatAt: timePtr(now)},
			kind:    ChannelDirect,
			pricing: pricing,
		},
		{
			name:    "room exempt",
			sender:  models.User{Role: models.RoleStudent},
			kind:    ChannelRoom,
			pricing: pricing,
		},
		{
			name:    "zero pricing always admissible",
			sender:  models.User{Role: models.RoleStudent, LastChatAt: timePtr(now)},
			kind:    ChannelGlobal,
			pricing: Pricing{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := gate.Evaluate(tc.sender, tc.kind, tc.pricing, now)
			require.Equal(t, tc.reason == "", verdict.Admissible)
			require.Equal(t, tc.reason, verdict.Reason)
			require.Equal(t, tc.remaining, verdict.RemainingSeconds())
		})
	}
}

func TestVerdictErr(t *testing.T) {
	require.NoError(t, Verdict{Admissible: true}.Err())
	require.ErrorIs(t, Verdict{Reason: ReasonInsufficientBalance}.Err(), ErrInsufficientBalance)

	err := Verdict{Reason: ReasonCooldown, CooldownRemaining: 1500 * time.Millisecond}.Err()
	require.ErrorIs(t, err, ErrCooldown)
	var cooldown *CooldownError
	require.True(t, errors.As(err, &cooldown))
	require.Equal(t, int64(2), cooldown.RemainingSeconds())
	require.Equal(t, "cooldown", ErrorCode(err))
}

func TestRateGateSettle(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	pricing := Pricing{Cost: 5, CooldownSeconds: 30}
	gate := RateGate{}

	student := models.User{ID: "stu-1", Role: models.RoleStudent, Credits: 10}
	settled := gate.Settle(student, ChannelGlobal, pricing, now)
	require.Equal(t, int64(5), settled.Credits)
	require.NotNil(t, settled.LastChatAt)
	require.True(t, settled.LastChatAt.Equal(now))
	require.Equal(t, int64(10), student.Credits, "input must not be mutated")

	require.Equal(t, student, gate.Settle(student, ChannelDirect, pricing, now))

	admin := models.User{ID: "adm-1", Role: models.RoleAdmin, Credits: 0}
	require.Equal(t, admin, gate.Settle(admin, ChannelGlobal, pricing, now))
}

type stubPricingRepo struct {
	row   models.ChatPricing
	found bool
	err   error
}

func (s stubPricingRepo) Find(context.Context, string) (models.ChatPricing, bool, error) {
	return s.row, s.found, s.err
}

func (s stubPricingRepo) Upsert(context.Context, models.ChatPricing) error {
	return nil
}

func TestPricingProviders(t *testing.T) {
	ctx := context.Background()
	static := StaticPricing{Cost: 5, CooldownSeconds: 30}

	pricing, err := static.Pricing(ctx, ChannelGlobal)
	require.NoError(t, err)
	require.Equal(t, Pricing{Cost: 5, CooldownSeconds: 30}, pricing)

	pricing, err = static.Pricing(ctx, ChannelRoom)
	require.NoError(t, err)
	require.Equal(t, Pricing{}, pricing)

	fallback := NewRepositoryPricing(stubPricingRepo{}, static)
	pricing, err = fallback.Pricing(ctx, ChannelGlobal)
	require.NoError(t, err)
	require.Equal(t, int64(5), pricing.Cost)

	override := NewRepositoryPricing(stubPricingRepo{found: true, row: models.ChatPricing{Kind: "global", Cost: 2, CooldownSeconds: 10}}, static)
	pricing, err = override.Pricing(ctx, ChannelGlobal)
	require.NoError(t, err)
	require.Equal(t, Pricing{Cost: 2, CooldownSeconds: 10}, pricing)

	failing := NewRepositoryPricing(stubPricingRepo{err: errors.New("db down")}, static)
	_, err = failing.Pricing(ctx, ChannelGlobal)
	require.Error(t, err)

	pricing, err = failing.Pricing(ctx, ChannelDirect)
	require.NoError(t, err)
	require.Equal(t, Pricing{}, pricing)
}

type memoryProfiles struct {
	profiles map[string]models.UserProfile
}

func (m *memoryProfiles) GetByID(_ context.Context, id string) (models.UserProfile, error) {
	profile, ok := m.profiles[id]
	if !ok {
		return models.UserProfile{}, errors.New("record not found")
	}
	return profile, nil
}

func (m *memoryProfiles) Ensure(_ context.Context, profile models.UserProfile) (models.UserProfile, error) {
	if existing, ok := m.profiles[profile.ID]; ok {
		return existing, nil
	}
	m.profiles[profile.ID] = profile
	return profile, nil
}

func (m *memoryProfiles) Save(_ context.Context, profile models.UserProfile) error {
	m.profiles[profile.ID] = profile
	return nil
}

func (m *memoryProfiles) SettleSend(_ context.Context, id string, cost int64, _ time.Duration, now time.Time) (models.UserProfile, error) {
	profile := m.profiles[id]
	profile.Credits -= cost
	profile.LastChatAt = &now
	m.profiles[id] = profile
	return profile, nil
}

func TestProfileSettlerRefreshKeepsSessionIdentity(t *testing.T) {
	last := time.Date(2024, 3, 1, 8, 59, 50, 0, time.UTC)
	repo := &memoryProfiles{profiles: map[string]models.UserProfile{
		"stu-1": {ID: "stu-1", Name: "stored", Role: models.RoleStudent, Credits: 2, LastChatAt: &last},
	}}
	settler := NewProfileSettler(repo)

	refresher, ok := settler.(Refresher)
	require.True(t, ok)

	sender := models.User{ID: "stu-1", Name: "Sari", Role: models.RoleStudent, Credits: 10}
	latest, err := refresher.Refresh(context.Background(), sender)
	require.NoError(t, err)
	require.Equal(t, int64(2), latest.Credits)
	require.Equal(t, "Sari", latest.Name)
	require.NotNil(t, latest.LastChatAt)
	require.True(t, latest.LastChatAt.Equal(last))

	missing, err := refresher.Refresh(context.Background(), models.User{ID: "stu-9", Credits: 4})
	require.Error(t, err)
	require.Equal(t, int64(4), missing.Credits)
}
