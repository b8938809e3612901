package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/gema-support-chat/internal/models"
	"github.com/noah-isme/gema-support-chat/internal/observability"
	"github.com/noah-isme/gema-support-chat/internal/repository"
)

// ModerationGate forwards deletes to the change feed for authorised roles only.
type ModerationGate struct {
	feed          repository.ChangeFeed
	allowSubAdmin bool
}

// NewModerationGate builds a gate. Sub-admins may delete only when allowSubAdmin is set.
func NewModerationGate(feed repository.ChangeFeed, allowSubAdmin bool) *ModerationGate {
	return &ModerationGate{feed: feed, allowSubAdmin: allowSubAdmin}
}

func (g *ModerationGate) AuthorizeDelete(role models.Role) bool {
	switch role {
	case models.RoleAdmin:
		return true
	case models.RoleSubAdmin:
		return g.allowSubAdmin
	default:
		return false
	}
}

// Delete removes messageID from channel when role is authorised. It reports
// false without touching the feed otherwise.
func (g *ModerationGate) Delete(ctx context.Context, role models.Role, channel ChannelID, messageID string) (bool, error) {
	if !g.AuthorizeDelete(role) {
		observability.ModerationDeletes().WithLabelValues("unauthorized").Inc()
		return false, nil
	}

	if channel.IsZero() {
		return false, ErrChannelUnresolved
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false, errors.New("message id is required")
	}

	if err := g.feed.Delete(ctx, channel.Path(), messageID); err != nil {
		observability.ModerationDeletes().WithLabelValues("failed").Inc()
		return false, fmt.Errorf("delete message %s: %w", messageID, err)
	}

	observability.ModerationDeletes().WithLabelValues("deleted").Inc()
	return true, nil
}
