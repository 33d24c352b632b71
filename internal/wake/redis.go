// Package wake provides a Redis pub/sub Waker so idle gap workers and the
// main loop react to finished steps without waiting a full poll interval.
package wake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "pipeline:run:"

// Options configures a RedisWaker.
type Options struct {
	// Prefix is prepended to the run id to form the channel name.
	Prefix string
	// Fallback bounds every Wait so a lost notification costs at most one
	// interval.
	Fallback time.Duration
	Logger   *slog.Logger
}

// RedisWaker implements pipeline.Waker over a pattern subscription.
//
// One subscription per process receives every run's notifications and
// releases the waiters of the matching run.
type RedisWaker struct {
	client   redis.UniversalClient
	prefix   string
	fallback time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	waiters map[int64]chan struct{}
	pubsub  *redis.PubSub
	done    chan struct{}
}

// NewRedisWaker creates a waker. Call Start before the first Wait.
func NewRedisWaker(client redis.UniversalClient, opts Options) *RedisWaker {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.Fallback <= 0 {
		opts.Fallback = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisWaker{
		client:   client,
		prefix:   opts.Prefix,
		fallback: opts.Fallback,
		logger:   opts.Logger.With("module", "wake"),
		waiters:  make(map[int64]chan struct{}),
	}
}

// Dial connects to addr, verifies the connection and starts a waker on it.
func Dial(ctx context.Context, addr, password string, db int, opts Options) (*RedisWaker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	w := NewRedisWaker(client, opts)
	if err := w.Start(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return w, nil
}

// Start subscribes to the notification channels and dispatches messages
// until Close is called.
func (w *RedisWaker) Start(ctx context.Context) error {
	pubsub := w.client.PSubscribe(ctx, w.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s*: %w", w.prefix, err)
	}

	w.mu.Lock()
	w.pubsub = pubsub
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.dispatch(pubsub.Channel(), w.done)
	w.logger.InfoContext(ctx, "subscribed to step notifications", "pattern", w.prefix+"*")
	return nil
}

func (w *RedisWaker) dispatch(msgs <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range msgs {
		runID, err := strconv.ParseInt(strings.TrimPrefix(msg.Channel, w.prefix), 10, 64)
		if err != nil {
			w.logger.Warn("ignoring notification on unexpected channel", "channel", msg.Channel)
			continue
		}
		w.release(runID)
	}
}

func (w *RedisWaker) release(runID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.waiters[runID]; ok {
		close(ch)
		delete(w.waiters, runID)
	}
}

// Wait implements pipeline.Waker.
func (w *RedisWaker) Wait(ctx context.Context, runID int64) error {
	w.mu.Lock()
	ch, ok := w.waiters[runID]
	if !ok {
		ch = make(chan struct{})
		w.waiters[runID] = ch
	}
	w.mu.Unlock()

	t := time.NewTimer(w.fallback)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	case <-t.C:
		return nil
	}
}

// Notify implements pipeline.Waker.
func (w *RedisWaker) Notify(ctx context.Context, runID int64) error {
	if err := w.client.Publish(ctx, w.channel(runID), "step").Err(); err != nil {
		return fmt.Errorf("failed to publish notification for run %d: %w", runID, err)
	}
	return nil
}

func (w *RedisWaker) channel(runID int64) string {
	return w.prefix + strconv.FormatInt(runID, 10)
}

// Close ends the subscription and closes the client.
func (w *RedisWaker) Close() error {
	w.mu.Lock()
	pubsub, done := w.pubsub, w.done
	w.pubsub = nil
	w.mu.Unlock()

	var errs []error
	if pubsub != nil {
		errs = append(errs, pubsub.Close())
		<-done
	}
	errs = append(errs, w.client.Close())
	return errors.Join(errs...)
}
