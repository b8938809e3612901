package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-support-chat/internal/models"
	"github.com/noah-isme/gema-support-chat/internal/observability"
	"github.com/noah-isme/gema-support-chat/internal/repository"
)

// DefaultHistoryLimit is the size of the recent window kept per channel.
const DefaultHistoryLimit = 50

// Record fields written to and read from the change feed.
const (
	fieldText      = "text"
	fieldUserID    = "userId"
	fieldUserName  = "userName"
	fieldRole      = "role"
	fieldClientRef = "clientRef"
)

// Written in place of a blank sender profile.
const (
	defaultUserName = "User"
	anonymousUserID = "anonymous"
)

// StreamListener observes the message view of a stream. Callbacks run on the
// feed's delivery goroutine and must not call back into the stream.
type StreamListener interface {
	OnMessages(messages []models.Message)
	OnStreamStatus(available bool, err error)
}

// MessageStream keeps the sorted recent window of the active channel.
type MessageStream struct {
	feed     repository.ChangeFeed
	limit    int
	listener StreamListener
	logger   zerolog.Logger

	// deliverMu serialises listener calls with teardown so nothing is
	// delivered after Unsubscribe returns. Acquired before mu.
	deliverMu sync.Mutex

	mu         sync.Mutex
	generation uint64
	sub        repository.FeedSubscription
	channel    ChannelID
	committed  []models.Message
	pending    []models.Message
	available  bool
}

// NewMessageStream constructs a stream over feed. A non-positive limit uses DefaultHistoryLimit.
func NewMessageStream(feed repository.ChangeFeed, limit int, listener StreamListener, logger zerolog.Logger) *MessageStream {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if listener == nil {
		listener = nopListener{}
	}

	return &MessageStream{
		feed:     feed,
		limit:    limit,
		listener: listener,
		logger:   logger.With().Str("component", "support_stream").Logger(),
	}
}

// Subscribe tears down the current subscription and attaches to channel.
// ctx bounds the lifetime of the new subscription.
func (s *MessageStream) Subscribe(ctx context.Context, channel ChannelID) error {
	if channel.IsZero() {
		return fmt.Errorf("%w: no channel", ErrStreamUnavailable)
	}

	s.deliverMu.Lock()
	s.mu.Lock()
	s.teardownLocked()
	s.generation++
	generation := s.generation
	s.channel = channel
	s.available = true
	s.mu.Unlock()
	s.deliverMu.Unlock()

	sub, err := s.feed.Subscribe(ctx, channel.Path(), s.limit,
		func(snapshot repository.FeedSnapshot) { s.apply(generation, snapshot) },
		func(err error) { s.fail(generation, err) },
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if s.generation == generation {
			s.channel = ChannelID{}
		}
		return fmt.Errorf("%w: %v", ErrStreamUnavailable, err)
	}

	if s.generation != generation {
		// superseded while attaching
		sub.Close()
		return nil
	}

	s.sub = sub
	s.logger.Debug().Str("channel", channel.String()).Uint64("generation", generation).Msg("stream subscribed")
	return nil
}

// Unsubscribe releases the live subscription. Snapshots still in flight are dropped.
func (s *MessageStream) Unsubscribe() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownLocked()
	s.generation++
	s.channel = ChannelID{}
}

func (s *MessageStream) teardownLocked() {
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
	s.committed = nil
	s.pending = nil
}

// Channel returns the channel of the live subscription, or the zero value.
func (s *MessageStream) Channel() ChannelID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Available reports whether the last feed event was a successful snapshot.
func (s *MessageStream) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Messages returns a copy of the current view, committed messages first.
func (s *MessageStream) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// AddPending shows a locally written message until the feed echoes it. It is
// ignored unless channel is still the stream's channel.
func (s *MessageStream) AddPending(channel ChannelID, message models.Message) {
	message.Timestamp = models.PendingTimestamp()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if channel.IsZero() || s.channel != channel {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, message)
	view := s.viewLocked()
	s.mu.Unlock()

	s.listener.OnMessages(view)
}

// DropPending removes the local echo with the given client reference.
func (s *MessageStream) DropPending(channel ChannelID, clientRef string) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.channel != channel || !s.removePendingLocked(clientRef) {
		s.mu.Unlock()
		return
	}
	view := s.viewLocked()
	s.mu.Unlock()

	s.listener.OnMessages(view)
}

// ConfirmPending replaces the local echo with its committed record, as
// returned by the append, without waiting for the next snapshot. Records of
// any other channel than the stream's are ignored.
func (s *MessageStream) ConfirmPending(channel ChannelID, clientRef string, message models.Message) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.channel != channel || !s.removePendingLocked(clientRef) {
		s.mu.Unlock()
		return
	}
	known := false
	for _, existing := range s.committed {
		if existing.ID == message.ID {
			known = true
			break
		}
	}
	if !known {
		s.committed = s.windowLocked(append(s.committed, message))
	}
	view := s.viewLocked()
	s.mu.Unlock()

	s.listener.OnMessages(view)
}

func (s *MessageStream) apply(generation uint64, snapshot repository.FeedSnapshot) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		s.logger.Debug().Uint64("generation", generation).Msg("dropping stale snapshot")
		return
	}

	messages := make([]models.Message, 0, len(snapshot.Records))
	for _, record := range snapshot.Records {
		if message, ok := decodeRecord(record); ok {
			messages = append(messages, message)
		}
	}
	s.committed = s.windowLocked(messages)

	echoed := make(map[string]struct{}, len(s.committed))
	for _, message := range s.committed {
		if message.ClientRef != "" {
			echoed[message.ClientRef] = struct{}{}
		}
	}
	pending := s.pending[:0]
	for _, message := range s.pending {
		if _, ok := echoed[message.ClientRef]; !ok {
			pending = append(pending, message)
		}
	}
	s.pending = pending

	recovered := !s.available
	s.available = true
	view := s.viewLocked()
	s.mu.Unlock()

	if recovered {
		s.listener.OnStreamStatus(true, nil)
	}
	s.listener.OnMessages(view)
}

func (s *MessageStream) fail(generation uint64, err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		return
	}
	s.available = false
	channel := s.channel
	s.mu.Unlock()

	observability.StreamErrors().Inc()
	s.logger.Warn().Err(err).Str("channel", channel.String()).Msg("chat feed subscription error")
	s.listener.OnStreamStatus(false, err)
}

// windowLocked sorts messages ascending and keeps the most recent limit.
func (s *MessageStream) windowLocked(messages []models.Message) []models.Message {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	if len(messages) > s.limit {
		messages = messages[len(messages)-s.limit:]
	}
	return messages
}

// viewLocked joins committed and pending messages within limit. Pending
// messages always sort last, so the oldest committed ones make room.
func (s *MessageStream) viewLocked() []models.Message {
	committed := s.committed
	pending := s.pending
	if len(pending) > s.limit {
		pending = pending[len(pending)-s.limit:]
	}
	if overflow := len(committed) + len(pending) - s.limit; overflow > 0 {
		committed = committed[overflow:]
	}

	view := make([]models.Message, 0, len(committed)+len(pending))
	view = append(view, committed...)
	view = append(view, pending...)
	return view
}

func (s *MessageStream) removePendingLocked(clientRef string) bool {
	for i, message := range s.pending {
		if message.ClientRef == clientRef {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

func decodeRecord(record repository.FeedRecord) (models.Message, bool) {
	text := strings.TrimSpace(record.Fields[fieldText])
	if text == "" || record.ID == "" {
		return models.Message{}, false
	}

	return models.Message{
		ID:        record.ID,
		Text:      text,
		UserID:    record.Fields[fieldUserID],
		UserName:  record.Fields[fieldUserName],
		Role:      models.ParseRole(record.Fields[fieldRole]),
		Timestamp: record.Timestamp,
		ClientRef: record.Fields[fieldClientRef],
	}, true
}

func encodeRecord(message models.Message) map[string]string {
	userID := strings.TrimSpace(message.UserID)
	if userID == "" {
		userID = anonymousUserID
	}
	fields := map[string]string{
		fieldText:     message.Text,
		fieldUserID:   userID,
		fieldUserName: displayName(message.UserName),
		fieldRole:     string(message.Role),
	}
	if message.ClientRef != "" {
		fields[fieldClientRef] = message.ClientRef
	}
	return fields
}

func displayName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return defaultUserName
}

type nopListener struct{}

func (nopListener) OnMessages([]models.Message) {}
func (nopListener) OnStreamStatus(bool, error)  {}
func (nopListener) OnUserUpdated(models.User)   {}
