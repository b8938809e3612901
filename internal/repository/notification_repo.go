package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// ChangeNotifier signals that the records under a path changed. Listeners only
// learn that something changed and re-read the path themselves.
type ChangeNotifier interface {
	Notify(ctx context.Context, path string) error
	// Listen returns a coalescing change channel and a cancel function. The
	// channel is closed if the underlying listener terminates.
	Listen(ctx context.Context, path string) (<-chan struct{}, func(), error)
}

// RedisNotifier publishes change signals over Redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier constructs a Redis pub/sub notifier.
func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: prefix}
}

func (n *RedisNotifier) channel(path string) string {
	return streamKey(n.prefix, path) + ":events"
}

func (n *RedisNotifier) Notify(ctx context.Context, path string) error {
	if err := n.client.Publish(ctx, n.channel(path), path).Err(); err != nil {
		return fmt.Errorf("publish change for %s: %w", path, err)
	}
	return nil
}

func (n *RedisNotifier) Listen(ctx context.Context, path string) (<-chan struct{}, func(), error) {
	pubsub := n.client.Subscribe(ctx, n.channel(path))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe change for %s: %w", path, err)
	}

	out := make(chan struct{}, 1)
	messages := pubsub.Channel()

	go func() {
		defer close(out)
		defer func() {
			_ = pubsub.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				signal(out)
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = pubsub.Close()
		})
	}

	return out, stop, nil
}

// NATSNotifier publishes change signals over NATS so that nodes sharing the
// Redis feed but not its pub/sub still converge.
type NATSNotifier struct {
	conn *nats.Conn
	base string
}

// NewNATSNotifier constructs a NATS notifier rooted at the given subject base.
func NewNATSNotifier(conn *nats.Conn, base string) *NATSNotifier {
	return &NATSNotifier{conn: conn, base: base}
}

func (n *NATSNotifier) subject(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	tokens := make([]string, 0, len(segments)+1)
	if n.base != "" {
		tokens = append(tokens, subjectToken(strings.ReplaceAll(n.base, ":", "_")))
	}
	for _, segment := range segments {
		tokens = append(tokens, subjectToken(segment))
	}
	return strings.Join(tokens, ".")
}

func (n *NATSNotifier) Notify(_ context.Context, path string) error {
	if err := n.conn.Publish(n.subject(path), []byte(path)); err != nil {
		return fmt.Errorf("publish change for %s: %w", path, err)
	}
	return nil
}

func (n *NATSNotifier) Listen(ctx context.Context, path string) (<-chan struct{}, func(), error) {
	out := make(chan struct{}, 1)

	sub, err := n.conn.Subscribe(n.subject(path), func(*nats.Msg) {
		signal(out)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe change for %s: %w", path, err)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
		})
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	return out, stop, nil
}

// MultiNotifier fans a change out to several notifiers and listens on all of them.
type MultiNotifier []ChangeNotifier

func (m MultiNotifier) Notify(ctx context.Context, path string) error {
	var firstErr error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiNotifier) Listen(ctx context.Context, path string) (<-chan struct{}, func(), error) {
	listenCtx, cancel := context.WithCancel(ctx)
	out := make(chan struct{}, 1)
	stops := make([]func(), 0, len(m))

	var wg sync.WaitGroup
	for _, notifier := range m {
		ch, stop, err := notifier.Listen(listenCtx, path)
		if err != nil {
			cancel()
			for _, s := range stops {
				s()
			}
			return nil, nil, err
		}
		stops = append(stops, stop)

		wg.Add(1)
		go func(ch <-chan struct{}) {
			defer wg.Done()
			for {
				select {
				case <-listenCtx.Done():
					return
				case _, ok := <-ch:
					if !ok {
						// one dead listener takes the whole fan-in down so the feed re-listens
						cancel()
						return
					}
					signal(out)
				}
			}
		}(ch)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			for _, s := range stops {
				s()
			}
		})
	}

	return out, stop, nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func subjectToken(value string) string {
	replacer := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")
	token := replacer.Replace(value)
	if token == "" {
		return "_"
	}
	return token
}
