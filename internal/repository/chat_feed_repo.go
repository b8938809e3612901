package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-support-chat/internal/models"
)

const (
	defaultFeedLimit = 50
	minFeedBackoff   = 250 * time.Millisecond
	maxFeedBackoff   = 5 * time.Second
)

// ErrNotifierClosed is reported when a change listener terminates while the subscription is still live.
var ErrNotifierClosed = errors.New("change notifier closed")

// FeedRecord is one flat key-value record stored under a channel path.
type FeedRecord struct {
	ID        string
	Fields    map[string]string
	Timestamp models.Timestamp
}

// FeedSnapshot carries the most recent records of a path. Consumers must not
// rely on the order of Records.
type FeedSnapshot struct {
	Path    string
	Records []FeedRecord
}

// AppendResult describes the identity the feed assigned to an appended record.
type AppendResult struct {
	ID        string
	Timestamp time.Time
}

// SnapshotHandler receives every snapshot delivered for a subscription.
type SnapshotHandler func(FeedSnapshot)

// ErrorHandler receives transient subscription failures.
type ErrorHandler func(error)

// FeedSubscription is a live subscription handle. Close is idempotent.
type FeedSubscription interface {
	Close()
}

// ChangeFeed is an ordered, timestamped record stream addressed by path.
type ChangeFeed interface {
	Subscribe(ctx context.Context, path string, limit int, onSnapshot SnapshotHandler, onError ErrorHandler) (FeedSubscription, error)
	Append(ctx context.Context, path string, fields map[string]string) (AppendResult, error)
	Delete(ctx context.Context, path, id string) error
}

// RedisFeedOptions tunes the Redis stream backed change feed.
type RedisFeedOptions struct {
	KeyPrefix string
	Retention int64
	Notifier  ChangeNotifier
	Logger    zerolog.Logger
}

// RedisChangeFeed stores every channel path as a Redis stream. Stream ids are
// generated by the Redis server, which makes them the server-assigned total order.
type RedisChangeFeed struct {
	client    *redis.Client
	prefix    string
	retention int64
	notifier  ChangeNotifier
	logger    zerolog.Logger
}

// NewRedisChangeFeed constructs a change feed on top of Redis streams. When no
// notifier is supplied, Redis pub/sub on the same client is used.
func NewRedisChangeFeed(client *redis.Client, opts RedisFeedOptions) *RedisChangeFeed {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewRedisNotifier(client, opts.KeyPrefix)
	}

	return &RedisChangeFeed{
		client:    client,
		prefix:    opts.KeyPrefix,
		retention: opts.Retention,
		notifier:  notifier,
		logger:    opts.Logger.With().Str("component", "chat_feed").Logger(),
	}
}

func (f *RedisChangeFeed) Append(ctx context.Context, path string, fields map[string]string) (AppendResult, error) {
	if strings.TrimSpace(path) == "" {
		return AppendResult{}, errors.New("feed path is required")
	}

	values := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		values[key] = value
	}

	args := &redis.XAddArgs{
		Stream: streamKey(f.prefix, path),
		ID:     "*",
		Values: values,
	}
	if f.retention > 0 {
		args.MaxLen = f.retention
		args.Approx = true
	}

	id, err := f.client.XAdd(ctx, args).Result()
	if err != nil {
		return AppendResult{}, fmt.Errorf("append to %s: %w", path, err)
	}

	at, err := streamIDTime(id)
	if err != nil {
		return AppendResult{}, err
	}

	if err := f.notifier.Notify(ctx, path); err != nil {
		f.logger.Warn().Err(err).Str("path", path).Msg("failed to notify chat feed change")
	}

	return AppendResult{ID: id, Timestamp: at}, nil
}

func (f *RedisChangeFeed) Delete(ctx context.Context, path, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("record id is required")
	}

	if err := f.client.XDel(ctx, streamKey(f.prefix, path), id).Err(); err != nil {
		return fmt.Errorf("delete %s/%s: %w", path, id, err)
	}

	if err := f.notifier.Notify(ctx, path); err != nil {
		f.logger.Warn().Err(err).Str("path", path).Msg("failed to notify chat feed change")
	}

	return nil
}

func (f *RedisChangeFeed) Subscribe(ctx context.Context, path string, limit int, onSnapshot SnapshotHandler, onError ErrorHandler) (FeedSubscription, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("feed path is required")
	}
	if onSnapshot == nil {
		return nil, errors.New("snapshot handler is required")
	}
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	if onError == nil {
		onError = func(error) {}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &feedSubscription{cancel: cancel}

	go f.run(subCtx, path, limit, onSnapshot, onError)

	return sub, nil
}

// run keeps one subscription alive: it listens for changes first, then reads a
// full snapshot, and re-reads after every change signal.
func (f *RedisChangeFeed) run(ctx context.Context, path string, limit int, onSnapshot SnapshotHandler, onError ErrorHandler) {
	var (
		changes <-chan struct{}
		stop    func()
		backoff time.Duration
	)
	defer func() {
		if stop != nil {
			stop()
		}
	}()

	fail := func(err error) bool {
		onError(err)
		backoff = nextBackoff(backoff)
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		if changes == nil {
			ch, cancel, err := f.notifier.Listen(ctx, path)
			if err != nil {
				if ctx.Err() != nil || !fail(fmt.Errorf("listen %s: %w", path, err)) {
					return
				}
				continue
			}
			changes, stop = ch, cancel
		}

		snapshot, err := f.snapshot(ctx, path, limit)
		if err != nil {
			if ctx.Err() != nil || !fail(err) {
				return
			}
			continue
		}
		backoff = 0
		onSnapshot(snapshot)

		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				stop()
				changes, stop = nil, nil
				if !fail(ErrNotifierClosed) {
					return
				}
			}
		}
	}
}

func (f *RedisChangeFeed) snapshot(ctx context.Context, path string, limit int) (FeedSnapshot, error) {
	entries, err := f.client.XRevRangeN(ctx, streamKey(f.prefix, path), "+", "-", int64(limit)).Result()
	if err != nil {
		return FeedSnapshot{}, fmt.Errorf("read %s: %w", path, err)
	}

	records := make([]FeedRecord, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		record := FeedRecord{
			ID:        entry.ID,
			Fields:    make(map[string]string, len(entry.Values)),
			Timestamp: models.PendingTimestamp(),
		}
		for key, value := range entry.Values {
			record.Fields[key] = fmt.Sprint(value)
		}
		if at, err := streamIDTime(entry.ID); err == nil {
			record.Timestamp = models.CommittedAt(at)
		}
		records = append(records, record)
	}

	return FeedSnapshot{Path: path, Records: records}, nil
}

type feedSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
}

func (s *feedSubscription) Close() {
	s.once.Do(s.cancel)
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return minFeedBackoff
	}
	next := current * 2
	if next > maxFeedBackoff {
		return maxFeedBackoff
	}
	return next
}

func streamKey(prefix, path string) string {
	key := strings.ReplaceAll(strings.Trim(path, "/"), "/", ":")
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

// streamIDTime extracts the millisecond part of a Redis stream id ("<ms>-<seq>").
func streamIDTime(id string) (time.Time, error) {
	msPart, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
