package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-support-chat/internal/dto"
	"github.com/noah-isme/gema-support-chat/internal/middleware"
	"github.com/noah-isme/gema-support-chat/internal/models"
	"github.com/noah-isme/gema-support-chat/internal/repository"
)

const (
	supportSendBufferSize = 64
	supportPingInterval   = 30 * time.Second
)

// SupportConn is the subset of a websocket connection the service drives.
type SupportConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// SupportConnectionOptions wraps metadata extracted during the HTTP upgrade.
type SupportConnectionOptions struct {
	UserID        string
	UserName      string
	Role          models.Role
	RoomID        string
	Tab           Tab
	TargetUserID  string
	CorrelationID string
	Context       context.Context
}

// SupportServiceOptions tunes every session hosted by the service.
type SupportServiceOptions struct {
	HistoryLimit            int
	SendTimeout             time.Duration
	AllowSubAdminModeration bool
	PingInterval            time.Duration
}

// SupportService hosts support sessions over websocket connections and backs
// the REST moderation surface.
type SupportService interface {
	ServeConnection(conn SupportConn, opts SupportConnectionOptions)
	Resolve(params ResolveParams) dto.SupportChannelResponse
	DeleteMessage(ctx context.Context, actor models.User, channel ChannelID, messageID string) (bool, error)
}

type supportService struct {
	feed       repository.ChangeFeed
	profiles   repository.UserProfileRepository
	pricing    PricingProvider
	settler    Settler
	moderation *ModerationGate
	validator  *validator.Validate
	opts       SupportServiceOptions
	logger     zerolog.Logger
}

type supportClient struct {
	conn   SupportConn
	send   chan dto.SupportServerFrame
	closed chan struct{}
	once   sync.Once
	ping   time.Duration
	logger zerolog.Logger
}

// NewSupportService creates the support session host. profiles may be nil, in
// which case balances are settled against the session copy only.
func NewSupportService(feed repository.ChangeFeed, profiles repository.UserProfileRepository, pricing PricingProvider, validate *validator.Validate, opts SupportServiceOptions, logger zerolog.Logger) SupportService {
	if pricing == nil {
		pricing = StaticPricing{}
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = supportPingInterval
	}

	var settler Settler = LocalSettler{}
	if profiles != nil {
		settler = NewProfileSettler(profiles)
	}

	return &supportService{
		feed:       feed,
		profiles:   profiles,
		pricing:    pricing,
		settler:    settler,
		moderation: NewModerationGate(feed, opts.AllowSubAdminModeration),
		validator:  validate,
		opts:       opts,
		logger:     logger.With().Str("component", "support_service").Logger(),
	}
}

func (s *supportService) ServeConnection(conn SupportConn, opts SupportConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	correlation := opts.CorrelationID
	if correlation == "" {
		correlation = middleware.CorrelationIDFromContext(baseCtx)
	}
	logger := s.logger.With().Str("user_id", opts.UserID).Logger()
	if correlation != "" {
		logger = logger.With().Str("correlation_id", correlation).Logger()
	}

	client := &supportClient{
		conn:   conn,
		send:   make(chan dto.SupportServerFrame, supportSendBufferSize),
		closed: make(chan struct{}),
		ping:   s.opts.PingInterval,
		logger: logger,
	}
	defer client.close()

	user, err := s.loadUser(ctx, opts)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load support profile")
		_ = conn.WriteJSON(errorFrame("", err))
		return
	}

	session := NewSupportSession(SessionConfig{
		User:         user,
		Feed:         s.feed,
		Pricing:      s.pricing,
		Settler:      s.settler,
		Moderation:   s.moderation,
		Listener:     client,
		HistoryLimit: s.opts.HistoryLimit,
		SendTimeout:  s.opts.SendTimeout,
		Logger:       logger,
	})

	params := SessionParams{RoomID: opts.RoomID, Tab: opts.Tab, TargetUserID: opts.TargetUserID}
	if err := session.Open(ctx, params); err != nil {
		logger.Warn().Err(err).Msg("failed to open support session")
		_ = conn.WriteJSON(errorFrame("", err))
		return
	}

	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		_ = session.Close()
	}()

	client.enqueue(dto.SupportServerFrame{Type: dto.FrameChannel, Data: s.channelResponse(session)})
	client.enqueue(dto.SupportServerFrame{Type: dto.FrameUser, Data: dto.NewSupportUserResponse(session.User())})

	go client.writer()

	for {
		var frame dto.SupportClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			logger.Debug().Err(err).Msg("support read loop ended")
			return
		}

		select {
		case <-client.closed:
			return
		default:
		}

		frame.Type = strings.ToLower(strings.TrimSpace(frame.Type))
		if err := s.validator.Struct(frame); err != nil {
			client.enqueue(validationFrame(frame.RequestID, err.Error()))
			continue
		}

		s.dispatch(ctx, client, session, frame, &inflight)
	}
}

func (s *supportService) dispatch(ctx context.Context, client *supportClient, session *SupportSession, frame dto.SupportClientFrame, inflight *sync.WaitGroup) {
	switch frame.Type {
	case dto.FrameSend:
		// sends run beside the read loop so a second send observes the busy session
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			message, err := session.Send(ctx, frame.Text)
			if err != nil {
				client.enqueue(errorFrame(frame.RequestID, err))
				return
			}
			client.enqueue(dto.SupportServerFrame{Type: dto.FrameAck, RequestID: frame.RequestID, Data: dto.NewSupportMessageResponse(message)})
		}()

	case dto.FrameDelete:
		if err := session.Delete(ctx, frame.MessageID); err != nil {
			client.enqueue(errorFrame(frame.RequestID, err))
			return
		}
		client.enqueue(dto.SupportServerFrame{Type: dto.FrameAck, RequestID: frame.RequestID})

	case dto.FrameSwitchTab:
		tab, ok := ParseTab(frame.Tab)
		if !ok {
			client.enqueue(validationFrame(frame.RequestID, "tab must be global or support"))
			return
		}
		if err := session.SwitchTab(ctx, tab); err != nil {
			client.enqueue(errorFrame(frame.RequestID, err))
			return
		}
		client.enqueue(dto.SupportServerFrame{Type: dto.FrameChannel, RequestID: frame.RequestID, Data: s.channelResponse(session)})

	case dto.FrameSelectTarget:
		if err := session.SelectTarget(ctx, frame.TargetUserID); err != nil {
			client.enqueue(errorFrame(frame.RequestID, err))
			return
		}
		client.enqueue(dto.SupportServerFrame{Type: dto.FrameChannel, RequestID: frame.RequestID, Data: s.channelResponse(session)})

	case dto.FrameStatus:
		status, err := session.Status(ctx)
		if err != nil {
			client.enqueue(errorFrame(frame.RequestID, err))
			return
		}
		client.enqueue(dto.SupportServerFrame{Type: dto.FrameStatus, RequestID: frame.RequestID, Data: newStatusResponse(status)})
	}
}

func (s *supportService) Resolve(params ResolveParams) dto.SupportChannelResponse {
	if params.Tab == "" {
		params.Tab = DefaultTab(params.ViewerRole)
	}

	response := dto.SupportChannelResponse{
		Tab:         string(params.Tab),
		TabsVisible: TabsVisible(params),
	}
	if channel, ok := ResolveChannel(params); ok {
		response.Resolved = true
		response.Channel = channel.String()
		response.Kind = string(channel.Kind())
		response.Path = channel.Path()
	}
	return response
}

func (s *supportService) DeleteMessage(ctx context.Context, actor models.User, channel ChannelID, messageID string) (bool, error) {
	deleted, err := s.moderation.Delete(ctx, actor.Role, channel, messageID)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info().
			Str("actor_id", actor.ID).
			Str("channel", channel.String()).
			Str("message_id", messageID).
			Msg("support message deleted")
	}
	return deleted, nil
}

func (s *supportService) loadUser(ctx context.Context, opts SupportConnectionOptions) (models.User, error) {
	user := models.User{ID: opts.UserID, Name: opts.UserName, Role: opts.Role}
	if s.profiles == nil {
		return user, nil
	}

	profile, err := s.profiles.Ensure(ctx, models.UserProfileFromUser(user))
	if err != nil {
		return models.User{}, err
	}

	stored := profile.ToUser()
	stored.Role = opts.Role
	if opts.UserName != "" {
		stored.Name = opts.UserName
	}
	return stored, nil
}

func (s *supportService) channelResponse(session *SupportSession) dto.SupportChannelResponse {
	user := session.User()
	params := session.Params()
	return s.Resolve(ResolveParams{
		RoomID:       params.RoomID,
		Tab:          params.Tab,
		ViewerRole:   user.Role,
		ViewerID:     user.ID,
		TargetUserID: params.TargetUserID,
	})
}

func newStatusResponse(status SessionStatus) dto.SupportStatusResponse {
	return dto.SupportStatusResponse{
		Channel:          status.Channel.String(),
		Metered:          status.Metered,
		Cost:             status.Pricing.Cost,
		CooldownSeconds:  status.Pricing.CooldownSeconds,
		RemainingSeconds: ceilSeconds(status.CooldownRemaining),
		Credits:          status.Credits,
		Admissible:       status.Verdict.Admissible,
		Reason:           string(status.Verdict.Reason),
		StreamAvailable:  status.StreamAvailable,
	}
}

func errorFrame(requestID string, err error) dto.SupportServerFrame {
	code := ErrorCode(err)
	message := err.Error()
	if code == "internal" {
		message = "internal error"
	}

	payload := dto.SupportErrorResponse{Code: code, Message: message}
	var cooldown *CooldownError
	if errors.As(err, &cooldown) {
		payload.RemainingSeconds = cooldown.RemainingSeconds()
	}

	return dto.SupportServerFrame{Type: dto.FrameError, RequestID: requestID, Data: payload}
}

func validationFrame(requestID, message string) dto.SupportServerFrame {
	return dto.SupportServerFrame{
		Type:      dto.FrameError,
		RequestID: requestID,
		Data:      dto.SupportErrorResponse{Code: "validation", Message: message},
	}
}

func (c *supportClient) OnMessages(messages []models.Message) {
	c.enqueue(dto.SupportServerFrame{Type: dto.FrameMessages, Data: dto.NewSupportMessageResponseSlice(messages)})
}

func (c *supportClient) OnStreamStatus(available bool, _ error) {
	payload := dto.SupportStreamResponse{Available: available}
	if !available {
		payload.Reason = ErrStreamUnavailable.Error()
	}
	c.enqueue(dto.SupportServerFrame{Type: dto.FrameStream, Data: payload})
}

func (c *supportClient) OnUserUpdated(user models.User) {
	c.enqueue(dto.SupportServerFrame{Type: dto.FrameUser, Data: dto.NewSupportUserResponse(user)})
}

func (c *supportClient) enqueue(frame dto.SupportServerFrame) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.send <- frame:
	default:
		c.logger.Warn().Str("frame", frame.Type).Msg("dropping support frame for slow client")
	}
}

func (c *supportClient) writer() {
	defer c.close()

	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Debug().Err(err).Msg("support write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.logger.Debug().Err(err).Msg("support ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *supportClient) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
