package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-support-chat/internal/models"
	"github.com/noah-isme/gema-support-chat/internal/observability"
	"github.com/noah-isme/gema-support-chat/internal/repository"
)

const defaultSendTimeout = 5 * time.Second

// SessionState is the lifecycle state of a SupportSession.
type SessionState string

const (
	StateIdle       SessionState = "IDLE"
	StateResolving  SessionState = "RESOLVING"
	StateUnresolved SessionState = "UNRESOLVED"
	StateSubscribed SessionState = "SUBSCRIBED"
	StateSending    SessionState = "SENDING"
	StateClosed     SessionState = "CLOSED"
)

// SessionListener receives everything a session publishes to its owner.
type SessionListener interface {
	StreamListener
	// OnUserUpdated is called exactly once per settled send.
	OnUserUpdated(user models.User)
}

// SessionParams selects the channel of a session.
type SessionParams struct {
	RoomID       string
	Tab          Tab
	TargetUserID string
}

// SessionConfig wires a session to its collaborators. Only Feed and User are required.
type SessionConfig struct {
	ID           string
	User         models.User
	Feed         repository.ChangeFeed
	Pricing      PricingProvider
	Settler      Settler
	Moderation   *ModerationGate
	Listener     SessionListener
	HistoryLimit int
	SendTimeout  time.Duration
	Now          func() time.Time
	Logger       zerolog.Logger
}

// SessionStatus is the status bar view of a session.
type SessionStatus struct {
	Channel           ChannelID
	Resolved          bool
	Tab               Tab
	TabsVisible       bool
	StreamAvailable   bool
	Pricing           Pricing
	Metered           bool
	Credits           int64
	CooldownRemaining time.Duration
	Verdict           Verdict
}

// SupportSession is one viewer's connection to the support chat: it owns the
// active channel, the message view and the send path.
type SupportSession struct {
	id          string
	feed        repository.ChangeFeed
	pricing     PricingProvider
	settler     Settler
	moderation  *ModerationGate
	listener    SessionListener
	stream      *MessageStream
	gate        RateGate
	sanitizer   *bluemonday.Policy
	sendTimeout time.Duration
	now         func() time.Time
	tracer      trace.Tracer
	logger      zerolog.Logger

	mu      sync.Mutex
	state   SessionState
	params  SessionParams
	channel ChannelID
	user    models.User
	sending bool
}

// NewSupportSession creates an idle session.
func NewSupportSession(cfg SessionConfig) *SupportSession {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Pricing == nil {
		cfg.Pricing = StaticPricing{}
	}
	if cfg.Settler == nil {
		cfg.Settler = LocalSettler{}
	}
	if cfg.Moderation == nil {
		cfg.Moderation = NewModerationGate(cfg.Feed, false)
	}
	if cfg.Listener == nil {
		cfg.Listener = nopListener{}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := cfg.Logger.With().
		Str("component", "support_session").
		Str("session_id", cfg.ID).
		Str("user_id", cfg.User.ID).
		Logger()

	return &SupportSession{
		id:          cfg.ID,
		feed:        cfg.Feed,
		pricing:     cfg.Pricing,
		settler:     cfg.Settler,
		moderation:  cfg.Moderation,
		listener:    cfg.Listener,
		stream:      NewMessageStream(cfg.Feed, cfg.HistoryLimit, cfg.Listener, cfg.Logger),
		sanitizer:   bluemonday.StrictPolicy(),
		sendTimeout: cfg.SendTimeout,
		now:         cfg.Now,
		tracer:      otel.Tracer("github.com/noah-isme/gema-support-chat/internal/service/support"),
		logger:      logger,
		state:       StateIdle,
		user:        cfg.User,
	}
}

func (s *SupportSession) ID() string { return s.id }

// Open resolves the channel and subscribes to it. A viewer without a
// resolvable channel leaves the session UNRESOLVED, which is not an error.
// ctx bounds the lifetime of the session's subscriptions.
func (s *SupportSession) Open(ctx context.Context, params SessionParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrInvalidState
	}
	if params.Tab == "" {
		params.Tab = DefaultTab(s.user.Role)
	}

	s.state = StateResolving
	if err := s.attachLocked(ctx, params); err != nil {
		s.state = StateIdle
		return err
	}

	observability.SessionsActive().Inc()
	s.logger.Info().Str("channel", s.channel.String()).Str("state", string(s.state)).Msg("support session opened")
	return nil
}

// SwitchTab re-resolves the channel for a different tab.
func (s *SupportSession) SwitchTab(ctx context.Context, tab Tab) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.liveLocked() {
		return ErrInvalidState
	}

	params := s.params
	params.Tab = tab
	return s.attachLocked(ctx, params)
}

// SelectTarget focuses a privileged viewer on one student's support thread. A
// blank id clears the target.
func (s *SupportSession) SelectTarget(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.liveLocked() {
		return ErrInvalidState
	}

	params := s.params
	params.TargetUserID = strings.TrimSpace(userID)
	if params.TargetUserID != "" {
		params.Tab = TabSupport
	}
	return s.attachLocked(ctx, params)
}

func (s *SupportSession) attachLocked(ctx context.Context, params SessionParams) error {
	channel, ok := ResolveChannel(s.resolveParams(params))
	s.params = params

	if !ok {
		s.stream.Unsubscribe()
		s.channel = ChannelID{}
		s.state = StateUnresolved
		return nil
	}

	if s.state == StateSubscribed && channel == s.channel {
		return nil
	}

	if err := s.stream.Subscribe(ctx, channel); err != nil {
		s.channel = ChannelID{}
		s.state = StateUnresolved
		return err
	}

	s.channel = channel
	s.state = StateSubscribed
	return nil
}

func (s *SupportSession) resolveParams(params SessionParams) ResolveParams {
	return ResolveParams{
		RoomID:       params.RoomID,
		Tab:          params.Tab,
		ViewerRole:   s.user.Role,
		ViewerID:     s.user.ID,
		TargetUserID: params.TargetUserID,
	}
}

func (s *SupportSession) liveLocked() bool {
	return s.state == StateUnresolved || s.state == StateSubscribed
}

// Send appends text to the active channel. Rate limits are checked before the
// feed is contacted; credits are settled only after the append is confirmed.
func (s *SupportSession) Send(ctx context.Context, text string) (models.Message, error) {
	s.mu.Lock()
	if !s.liveLocked() {
		s.mu.Unlock()
		return models.Message{}, ErrInvalidState
	}

	clean := s.clean(text)
	var err error
	switch {
	case clean == "":
		err = ErrEmptyMessage
	case s.state == StateUnresolved:
		err = ErrChannelUnresolved
	case s.sending:
		err = ErrSessionBusy
	}
	if err != nil {
		s.mu.Unlock()
		s.reject(err)
		return models.Message{}, err
	}

	s.sending = true
	channel := s.channel
	sender := s.user
	s.mu.Unlock()

	message, err := s.deliver(ctx, channel, sender, clean)
	if err != nil {
		s.reject(err)
	}
	return message, err
}

func (s *SupportSession) deliver(ctx context.Context, channel ChannelID, sender models.User, text string) (models.Message, error) {
	kind := channel.Kind()
	ctx, span := s.tracer.Start(ctx, "support.send", trace.WithAttributes(
		attribute.String("support.session_id", s.id),
		attribute.String("support.channel", channel.String()),
		attribute.String("support.sender_id", sender.ID),
	))
	defer span.End()

	pricing, err := s.pricing.Pricing(ctx, kind)
	if err != nil {
		span.RecordError(err)
		s.finish(nil)
		return models.Message{}, fmt.Errorf("%w: load pricing: %v", ErrSendFailed, err)
	}

	var refreshed *models.User
	if refresher, ok := s.settler.(Refresher); ok && s.gate.Charges(sender, kind, pricing) {
		latest, err := refresher.Refresh(ctx, sender)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to refresh sender profile, using session copy")
		} else {
			sender = latest
			refreshed = &latest
		}
	}

	now := s.now()
	if verdict := s.gate.Evaluate(sender, kind, pricing, now); !verdict.Admissible {
		s.finish(refreshed)
		s.logger.Debug().Str("reason", string(verdict.Reason)).Msg("send rejected by rate gate")
		return models.Message{}, verdict.Err()
	}

	message := models.Message{
		Text:      text,
		UserID:    sender.ID,
		UserName:  displayName(sender.Name),
		Role:      sender.Role,
		Timestamp: models.PendingTimestamp(),
		ClientRef: uuid.NewString(),
	}
	s.stream.AddPending(channel, message)

	appendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	started := time.Now()
	result, err := s.feed.Append(appendCtx, channel.Path(), encodeRecord(message))
	cancel()
	observability.AppendLatency().Observe(time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		s.stream.DropPending(channel, message.ClientRef)
		s.finish(refreshed)
		s.logger.Warn().Err(err).Str("channel", channel.String()).Msg("failed to append support message")
		return models.Message{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	message.ID = result.ID
	message.Timestamp = models.CommittedAt(result.Timestamp)

	if !s.gate.Charges(sender, kind, pricing) {
		s.stream.ConfirmPending(channel, message.ClientRef, message)
		s.finish(nil)
		observability.MessagesSent().WithLabelValues(string(kind)).Inc()
		return message, nil
	}

	updated, err := s.settler.SettleSend(ctx, sender, pricing, now)
	if err != nil {
		span.RecordError(err)
		s.compensate(ctx, channel, message)

		if errors.Is(err, repository.ErrSettleConflict) {
			s.finish(&updated)
			s.logger.Warn().Str("message_id", message.ID).Msg("settle conflict, appended message withdrawn")
			if verdict := s.gate.Evaluate(updated, kind, pricing, s.now()); !verdict.Admissible {
				return models.Message{}, verdict.Err()
			}
			return models.Message{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
		}

		s.finish(nil)
		s.logger.Error().Err(err).Str("message_id", message.ID).Msg("failed to settle support message")
		return models.Message{}, fmt.Errorf("%w: settle: %v", ErrSendFailed, err)
	}

	s.stream.ConfirmPending(channel, message.ClientRef, message)
	s.finish(&updated)
	s.listener.OnUserUpdated(updated)
	observability.MessagesSent().WithLabelValues(string(kind)).Inc()

	return message, nil
}

// compensate withdraws an appended message whose settle was refused.
func (s *SupportSession) compensate(ctx context.Context, channel ChannelID, message models.Message) {
	s.stream.DropPending(channel, message.ClientRef)

	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sendTimeout)
	defer cancel()
	if err := s.feed.Delete(deleteCtx, channel.Path(), message.ID); err != nil {
		s.logger.Error().Err(err).Str("message_id", message.ID).Msg("failed to withdraw unsettled message")
	}
}

func (s *SupportSession) finish(updated *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sending = false
	if updated != nil {
		s.user = *updated
	}
}

func (s *SupportSession) reject(err error) {
	observability.SendRejected().WithLabelValues(ErrorCode(err)).Inc()
}

func (s *SupportSession) clean(text string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(text)))
}

// Delete removes a message from the active channel on behalf of the session
// user. Unauthorised attempts are ignored and return nil.
func (s *SupportSession) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if !s.liveLocked() {
		s.mu.Unlock()
		return ErrInvalidState
	}
	channel := s.channel
	role := s.user.Role
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "support.delete", trace.WithAttributes(
		attribute.String("support.session_id", s.id),
		attribute.String("support.channel", channel.String()),
		attribute.String("support.message_id", messageID),
	))
	defer span.End()

	deleted, err := s.moderation.Delete(ctx, role, channel, messageID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if deleted {
		s.logger.Info().Str("channel", channel.String()).Str("message_id", messageID).Msg("support message deleted")
	}
	return nil
}

// Close releases the subscription. Every later call fails with ErrInvalidState.
func (s *SupportSession) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrInvalidState
	}
	opened := s.state != StateIdle
	s.state = StateClosed
	s.channel = ChannelID{}
	s.mu.Unlock()

	s.stream.Unsubscribe()
	if opened {
		observability.SessionsActive().Dec()
	}
	s.logger.Info().Msg("support session closed")
	return nil
}

// State reports SENDING while a send is outstanding on a subscribed session.
func (s *SupportSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateSubscribed && s.sending {
		return StateSending
	}
	return s.state
}

// Channel returns the active channel and whether one is resolved.
func (s *SupportSession) Channel() (ChannelID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel, !s.channel.IsZero()
}

func (s *SupportSession) Params() SessionParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *SupportSession) User() models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *SupportSession) Messages() []models.Message {
	return s.stream.Messages()
}

func (s *SupportSession) StreamAvailable() bool {
	return s.stream.Available()
}

// Status reports pricing, balance and cooldown of the active channel.
func (s *SupportSession) Status(ctx context.Context) (SessionStatus, error) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateIdle {
		s.mu.Unlock()
		return SessionStatus{}, ErrInvalidState
	}
	channel := s.channel
	user := s.user
	params := s.resolveParams(s.params)
	s.mu.Unlock()

	status := SessionStatus{
		Channel:         channel,
		Resolved:        !channel.IsZero(),
		Tab:             params.Tab,
		TabsVisible:     TabsVisible(params),
		StreamAvailable: s.stream.Available(),
		Credits:         user.Credits,
		Verdict:         Verdict{Admissible: true},
	}
	if !status.Resolved {
		return status, nil
	}

	pricing, err := s.pricing.Pricing(ctx, channel.Kind())
	if err != nil {
		return SessionStatus{}, fmt.Errorf("load pricing: %w", err)
	}

	now := s.now()
	status.Pricing = pricing
	status.Metered = s.gate.Charges(user, channel.Kind(), pricing)
	status.CooldownRemaining = s.gate.CooldownRemaining(user, channel.Kind(), pricing, now)
	status.Verdict = s.gate.Evaluate(user, channel.Kind(), pricing, now)
	return status, nil
}
