package service

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/gema-support-chat/internal/models"
	"github.com/noah-isme/gema-support-chat/internal/repository"
)

// Pricing is the cost and cooldown of a cost-bearing channel kind.
type Pricing struct {
	Cost            int64
	CooldownSeconds int64
}

// Cooldown returns the cooldown as a duration.
func (p Pricing) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

// PricingProvider supplies pricing per channel kind.
type PricingProvider interface {
	Pricing(ctx context.Context, kind ChannelKind) (Pricing, error)
}

// StaticPricing prices the global channel from configuration. Exempt kinds are free.
type StaticPricing Pricing

func (s StaticPricing) Pricing(_ context.Context, kind ChannelKind) (Pricing, error) {
	if !kind.CostBearing() {
		return Pricing{}, nil
	}
	return Pricing(s), nil
}

type repositoryPricing struct {
	repo     repository.ChatPricingRepository
	fallback PricingProvider
}

// NewRepositoryPricing prices channel kinds from the chat_pricing table and
// falls back to the given provider when no override row exists.
func NewRepositoryPricing(repo repository.ChatPricingRepository, fallback PricingProvider) PricingProvider {
	if fallback == nil {
		fallback = StaticPricing{}
	}
	return &repositoryPricing{repo: repo, fallback: fallback}
}

func (p *repositoryPricing) Pricing(ctx context.Context, kind ChannelKind) (Pricing, error) {
	if !kind.CostBearing() {
		return Pricing{}, nil
	}

	row, found, err := p.repo.Find(ctx, string(kind))
	if err != nil {
		return Pricing{}, err
	}
	if !found {
		return p.fallback.Pricing(ctx, kind)
	}

	return Pricing{Cost: row.Cost, CooldownSeconds: row.CooldownSeconds}, nil
}

// RejectReason names the condition that made a send inadmissible.
type RejectReason string

const (
	ReasonCooldown            RejectReason = "COOLDOWN"
	ReasonInsufficientBalance RejectReason = "INSUFFICIENT_BALANCE"
)

// Verdict is the outcome of a rate gate evaluation.
type Verdict struct {
	Admissible        bool
	Reason            RejectReason
	CooldownRemaining time.Duration
}

// RemainingSeconds rounds the remaining cooldown up to whole seconds.
func (v Verdict) RemainingSeconds() int64 {
	return ceilSeconds(v.CooldownRemaining)
}

// Err converts an inadmissible verdict into its typed error.
func (v Verdict) Err() error {
	switch {
	case v.Admissible:
		return nil
	case v.Reason == ReasonCooldown:
		return &CooldownError{Remaining: v.CooldownRemaining}
	default:
		return ErrInsufficientBalance
	}
}

// RateGate applies credit cost and cooldown to unprivileged senders on
// cost-bearing channels. It holds no state.
type RateGate struct{}

// Applies reports whether pricing affects this sender on this channel kind at all.
func (RateGate) Applies(sender models.User, kind ChannelKind) bool {
	return kind.CostBearing() && !sender.Role.IsPrivileged()
}

// Charges reports whether an accepted send must be settled.
func (g RateGate) Charges(sender models.User, kind ChannelKind, pricing Pricing) bool {
	return g.Applies(sender, kind) && (pricing.Cost > 0 || pricing.CooldownSeconds > 0)
}

// CooldownRemaining is max(0, cooldown - elapsed since the last send).
func (g RateGate) CooldownRemaining(sender models.User, kind ChannelKind, pricing Pricing, now time.Time) time.Duration {
	if !g.Applies(sender, kind) || pricing.CooldownSeconds <= 0 || sender.LastChatAt == nil {
		return 0
	}

	cooldown := pricing.Cooldown()
	remaining := cooldown - now.Sub(*sender.LastChatAt)
	switch {
	case remaining <= 0:
		return 0
	case remaining > cooldown:
		return cooldown
	default:
		return remaining
	}
}

// Evaluate decides whether sender may post now. Cooldown is checked before balance.
func (g RateGate) Evaluate(sender models.User, kind ChannelKind, pricing Pricing, now time.Time) Verdict {
	if !g.Applies(sender, kind) {
		return Verdict{Admissible: true}
	}

	if remaining := g.CooldownRemaining(sender, kind, pricing, now); remaining > 0 {
		return Verdict{Reason: ReasonCooldown, CooldownRemaining: remaining}
	}

	if sender.Credits < pricing.Cost {
		return Verdict{Reason: ReasonInsufficientBalance}
	}

	return Verdict{Admissible: true}
}

// Settle returns sender with the cost deducted and the cooldown stamped. It
// leaves exempt senders untouched.
func (g RateGate) Settle(sender models.User, kind ChannelKind, pricing Pricing, now time.Time) models.User {
	if !g.Charges(sender, kind, pricing) {
		return sender
	}

	stamp := now.UTC()
	sender.Credits -= pricing.Cost
	sender.LastChatAt = &stamp
	return sender
}

// Settler applies the economic effects of an accepted send. Implementations
// must reject a settle the stored state no longer admits.
type Settler interface {
	SettleSend(ctx context.Context, sender models.User, pricing Pricing, now time.Time) (models.User, error)
}

// Refresher is implemented by settlers that can reload the stored sender, so
// a send is evaluated against the balance other devices already spent.
type Refresher interface {
	Refresh(ctx context.Context, sender models.User) (models.User, error)
}

// LocalSettler settles against the session's copy of the user only.
type LocalSettler struct {
	Gate RateGate
}

func (s LocalSettler) SettleSend(_ context.Context, sender models.User, pricing Pricing, now time.Time) (models.User, error) {
	return s.Gate.Settle(sender, ChannelGlobal, pricing, now), nil
}

type profileSettler struct {
	repo repository.UserProfileRepository
}

// NewProfileSettler settles through a conditional update of the stored profile.
func NewProfileSettler(repo repository.UserProfileRepository) Settler {
	return &profileSettler{repo: repo}
}

func (s *profileSettler) Refresh(ctx context.Context, sender models.User) (models.User, error) {
	profile, err := s.repo.GetByID(ctx, sender.ID)
	if err != nil {
		return sender, err
	}

	latest := profile.ToUser()
	latest.Name = sender.Name
	latest.Role = sender.Role
	return latest, nil
}

func (s *profileSettler) SettleSend(ctx context.Context, sender models.User, pricing Pricing, now time.Time) (models.User, error) {
	profile, err := s.repo.SettleSend(ctx, sender.ID, pricing.Cost, pricing.Cooldown(), now)
	if err != nil {
		if errors.Is(err, repository.ErrSettleConflict) {
			latest := profile.ToUser()
			latest.Name = sender.Name
			latest.Role = sender.Role
			return latest, err
		}
		return sender, err
	}

	updated := profile.ToUser()
	updated.Name = sender.Name
	updated.Role = sender.Role
	return updated, nil
}
