package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nigping/relay-agent/internal/constants"
	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/logger"
	"github.com/nigping/relay-agent/internal/metrics"
	"go.uber.org/zap"
)

// SubscriptionState is the change feed connection state.
type SubscriptionState int32

const (
	StateDisconnected SubscriptionState = iota
	StateSubscribing
	StateSubscribed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// EventKind classifies a change feed event.
type EventKind string

const (
	EventInsert       EventKind = "insert"
	EventUpdate       EventKind = "update"
	EventDelete       EventKind = "delete"
	EventResubscribed EventKind = "resubscribed" // feed regained after a drop; changes may have been missed
	EventUnknown      EventKind = "unknown"
)

// Event is one notification for this relay. Consumers recompute the whole
// peer set rather than applying the delta.
type Event struct {
	Kind         EventKind `json:"op"`
	PeerID       string    `json:"id"`
	RelayAddress string    `json:"relay_address"`
	Channel      string    `json:"-"`
	ReceivedAt   time.Time `json:"-"`
}

// Subscription delivers events until Close or context cancellation, after
// which Events is closed.
type Subscription interface {
	Events() <-chan Event
	State() SubscriptionState
	Channel() string
	Close() error
}

// ChannelName returns the per-relay notification channel.
func ChannelName(prefix, relayAddress string) (string, error) {
	name := prefix + ":" + relayAddress
	if len(name) > constants.MaxChannelNameLen {
		return "", fmt.Errorf("channel %q exceeds %d bytes", name, constants.MaxChannelNameLen)
	}
	return name, nil
}

// parseNotification decodes the trigger payload. Anything unreadable is
// still an event: the consumer reconciles in full either way.
func parseNotification(n *pgconn.Notification, now time.Time) Event {
	ev := Event{Kind: EventUnknown, Channel: n.Channel, ReceivedAt: now}
	var payload Event
	if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
		return ev
	}
	switch payload.Kind {
	case EventInsert, EventUpdate, EventDelete:
		ev.Kind = payload.Kind
	}
	ev.PeerID = payload.PeerID
	ev.RelayAddress = payload.RelayAddress
	return ev
}

// listenConn is the part of *pgx.Conn the feed uses.
type listenConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type dialFunc func(ctx context.Context) (listenConn, error)

// Feed opens LISTEN subscriptions on a dedicated connection outside the pool.
type Feed struct {
	dial             dialFunc
	prefix           string
	subscribeTimeout time.Duration
	backoffMin       time.Duration
	backoffMax       time.Duration
	log              *zap.Logger
}

// NewFeed returns a Feed using db's connection settings.
func NewFeed(db *DB, prefix string, subscribeTimeout time.Duration) *Feed {
	cfg := db.ConnConfig()
	return newFeed(func(ctx context.Context) (listenConn, error) {
		return pgx.ConnectConfig(ctx, cfg.Copy())
	}, prefix, subscribeTimeout)
}

func newFeed(dial dialFunc, prefix string, subscribeTimeout time.Duration) *Feed {
	if subscribeTimeout <= 0 {
		subscribeTimeout = constants.DefaultSubscribeTimeout
	}
	if prefix == "" {
		prefix = constants.DefaultChannel
	}
	return &Feed{
		dial:             dial,
		prefix:           prefix,
		subscribeTimeout: subscribeTimeout,
		backoffMin:       constants.FeedReconnectMin,
		backoffMax:       constants.FeedReconnectMax,
		log:              logger.New("changefeed"),
	}
}

// Subscribe starts listening for changes to relayAddress's peers. A failure
// to establish the first LISTEN is returned; later drops are reconnected
// internally and announced with an EventResubscribed.
func (f *Feed) Subscribe(ctx context.Context, relayAddress string) (Subscription, error) {
	channel, err := ChannelName(f.prefix, relayAddress)
	if err != nil {
		return nil, errors.SubscriptionError(f.prefix, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &feedSubscription{
		feed:    f,
		channel: channel,
		events:  make(chan Event, constants.FeedEventBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     f.log.With(zap.String("channel", channel)),
	}

	sub.setState(StateSubscribing)
	conn, err := f.listen(subCtx, channel)
	if err != nil {
		sub.setState(StateDisconnected)
		cancel()
		metrics.DBOperations.WithLabelValues("listen", metrics.ResultFailure).Inc()
		return nil, errors.SubscriptionError(channel, err)
	}
	metrics.DBOperations.WithLabelValues("listen", metrics.ResultSuccess).Inc()
	sub.setState(StateSubscribed)
	sub.log.Info("Subscribed to peer changes")

	go sub.run(subCtx, conn)
	return sub, nil
}

// listen dials and issues LISTEN within the subscribe timeout.
func (f *Feed) listen(ctx context.Context, channel string) (listenConn, error) {
	ctx, cancel := context.WithTimeout(ctx, f.subscribeTimeout)
	defer cancel()

	conn, err := f.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

type feedSubscription struct {
	feed    *Feed
	channel string
	events  chan Event
	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	log     *zap.Logger
}

func (s *feedSubscription) Events() <-chan Event { return s.events }
func (s *feedSubscription) Channel() string      { return s.channel }

func (s *feedSubscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

func (s *feedSubscription) setState(state SubscriptionState) {
	s.state.Store(int32(state))
	metrics.SubscriptionState.Set(float64(state))
}

// Close stops the subscription and waits for the listener to exit.
func (s *feedSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *feedSubscription) run(ctx context.Context, conn listenConn) {
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
		s.setState(StateDisconnected)
		close(s.events)
		close(s.done)
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err == nil {
			ev := parseNotification(n, time.Now())
			if !s.emit(ctx, ev) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		s.log.Warn("Change feed connection lost, reconnecting", zap.Error(err))
		_ = conn.Close(context.Background())
		conn = nil
		s.setState(StateDisconnected)

		conn = s.reconnect(ctx)
		if conn == nil {
			return
		}
		if !s.emit(ctx, Event{Kind: EventResubscribed, Channel: s.channel, ReceivedAt: time.Now()}) {
			return
		}
	}
}

// reconnect retries LISTEN with exponential backoff until it succeeds or
// ctx ends, in which case it returns nil.
func (s *feedSubscription) reconnect(ctx context.Context) listenConn {
	backoff := s.feed.backoffMin
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		s.setState(StateSubscribing)
		conn, err := s.feed.listen(ctx, s.channel)
		if err == nil {
			metrics.DBOperations.WithLabelValues("listen", metrics.ResultSuccess).Inc()
			s.setState(StateSubscribed)
			s.log.Info("Resubscribed to peer changes", zap.Int("attempt", attempt))
			return conn
		}
		metrics.DBOperations.WithLabelValues("listen", metrics.ResultFailure).Inc()
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("Resubscribe failed",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		backoff *= 2
		if backoff > s.feed.backoffMax {
			backoff = s.feed.backoffMax
		}
	}
}

// emit delivers ev, blocking while the consumer is busy. Events are never
// dropped; pgx buffers notifications that arrive meanwhile.
func (s *feedSubscription) emit(ctx context.Context, ev Event) bool {
	metrics.FeedEvents.WithLabelValues(string(ev.Kind)).Inc()
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
