package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/noah-isme/gema-support-chat/internal/dto"
	"github.com/noah-isme/gema-support-chat/internal/models"
	"github.com/noah-isme/gema-support-chat/internal/repository"
)

var feedEpoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeSubscription struct {
	path       string
	limit      int
	onSnapshot repository.SnapshotHandler
	onError    repository.ErrorHandler

	mu     sync.Mutex
	closed bool
}

func (s *fakeSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeFeed struct {
	mu          sync.Mutex
	records     map[string][]repository.FeedRecord
	subs        []*fakeSubscription
	seq         int
	appendErr   error
	appendCalls int
	deletes     []string

	// block, when set, holds Append until it is closed or the context ends.
	block         chan struct{}
	appendEntered chan struct{}
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{records: make(map[string][]repository.FeedRecord)}
}

func (f *fakeFeed) Subscribe(_ context.Context, path string, limit int, onSnapshot repository.SnapshotHandler, onError repository.ErrorHandler) (repository.FeedSubscription, error) {
	if onError == nil {
		onError = func(error) {}
	}
	sub := &fakeSubscription{path: path, limit: limit, onSnapshot: onSnapshot, onError: onError}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeFeed) Append(ctx context.Context, path string, fields map[string]string) (repository.AppendResult, error) {
	f.mu.Lock()
	f.appendCalls++
	block := f.block
	entered := f.appendEntered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return repository.AppendResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.appendErr != nil {
		return repository.AppendResult{}, f.appendErr
	}

	f.seq++
	at := feedEpoch.Add(time.Duration(f.seq) * time.Second)
	id := fmt.Sprintf("%d-0", at.UnixMilli())
	copied := make(map[string]string, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	f.records[path] = append(f.records[path], repository.FeedRecord{ID: id, Fields: copied, Timestamp: models.CommittedAt(at)})
	return repository.AppendResult{ID: id, Timestamp: at}, nil
}

func (f *fakeFeed) Delete(_ context.Context, path, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes = append(f.deletes, path+"/"+id)
	records := f.records[path]
	for i, record := range records {
		if record.ID == id {
			f.records[path] = append(records[:i], records[i+1:]...)
			break
		}
	}
	return nil
}

// emit delivers the current records of path to every open subscription on it.
func (f *fakeFeed) emit(path string) {
	f.mu.Lock()
	records := append([]repository.FeedRecord(nil), f.records[path]...)
	subs := append([]*fakeSubscription(nil), f.subs...)
	f.mu.Unlock()

	for _, sub := range subs {
		if sub.path != path || sub.isClosed() {
			continue
		}
		sub.onSnapshot(repository.FeedSnapshot{Path: path, Records: records})
	}
}

func (f *fakeFeed) lastSubscription() *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeFeed) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeFeed) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendCalls
}

func (f *fakeFeed) recordCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[path])
}

func (f *fakeFeed) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

func (f *fakeFeed) setAppendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErr = err
}

type recordingListener struct {
	mu       sync.Mutex
	views    [][]models.Message
	users    []models.User
	statuses []bool
}

func (l *recordingListener) OnMessages(messages []models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.views = append(l.views, messages)
}

func (l *recordingListener) OnStreamStatus(available bool, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, available)
}

func (l *recordingListener) OnUserUpdated(user models.User) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users = append(l.users, user)
}

func (l *recordingListener) viewCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.views)
}

// viewsContaining counts the published views that held a message with text.
func (l *recordingListener) viewsContaining(text string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, view := range l.views {
		for _, message := range view {
			if message.Text == text {
				count++
				break
			}
		}
	}
	return count
}

func (l *recordingListener) userUpdates() []models.User {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.User(nil), l.users...)
}

func (l *recordingListener) streamStatuses() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.statuses...)
}

type stubSettler struct {
	latest models.User
	err    error
	calls  int
}

func (s *stubSettler) SettleSend(_ context.Context, sender models.User, pricing Pricing, now time.Time) (models.User, error) {
	s.calls++
	if s.err != nil {
		return s.latest, s.err
	}
	return LocalSettler{}.SettleSend(context.Background(), sender, pricing, now)
}

// refreshingSettler reports fresh as the stored sender.
type refreshingSettler struct {
	stubSettler
	fresh      models.User
	refreshErr error
	refreshes  int
}

func (s *refreshingSettler) Refresh(_ context.Context, sender models.User) (models.User, error) {
	s.refreshes++
	if s.refreshErr != nil {
		return sender, s.refreshErr
	}
	return s.fresh, nil
}

// gatedPricing blocks pricing lookups until release is closed.
type gatedPricing struct {
	pricing Pricing
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedPricing(pricing Pricing) *gatedPricing {
	return &gatedPricing{pricing: pricing, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedPricing) Pricing(ctx context.Context, kind ChannelKind) (Pricing, error) {
	if !kind.CostBearing() {
		return Pricing{}, nil
	}
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return Pricing{}, ctx.Err()
	}
	return g.pricing, nil
}

var errFeedDown = errors.New("feed unreachable")

// fakeConn is an in-memory websocket: tests push client frames into incoming
// and read encoded server frames from outgoing.
type fakeConn struct {
	incoming chan []byte
	outgoing chan []byte

	mu     sync.Mutex
	closed bool
}

type wireFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		outgoing: make(chan []byte, 128),
	}
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	payload, ok := <-c.incoming
	if !ok {
		return io.EOF
	}
	return json.Unmarshal(payload, v)
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.outgoing <- raw
	return nil
}

func (c *fakeConn) WriteMessage(int, []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) push(frame dto.SupportClientFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	c.incoming <- raw
}

// next returns the next server frame of the given type, skipping others.
func (c *fakeConn) next(frameType string, timeout time.Duration) (wireFrame, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case raw := <-c.outgoing:
			var frame wireFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				panic(err)
			}
			if frame.Type == frameType {
				return frame, true
			}
		case <-deadline:
			return wireFrame{}, false
		}
	}
}
