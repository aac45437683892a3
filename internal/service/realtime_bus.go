package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/recycle-exchange-api/internal/models"
	"github.com/noah-isme/recycle-exchange-api/internal/observability"
)

const (
	streamMessages  = "messages"
	streamSchedules = "schedules"
)

// Subscription is a live registration on the realtime bus. Close is the only
// way to stop delivery. Queued events are discarded on Close, but a callback
// already dequeued may still run, so receivers guard their own teardown.
type Subscription interface {
	Close()
}

// RealtimeBus delivers message inserts and schedule updates to subscribers.
// Delivery is FIFO per subscription; the two streams are independent.
type RealtimeBus interface {
	SubscribeMessages(chatID string, fn func(models.ChatMessage)) Subscription
	SubscribeSchedules(offerID string, fn func(models.CollectionSchedule)) Subscription
	PublishMessage(ctx context.Context, message models.ChatMessage)
	PublishSchedule(ctx context.Context, schedule models.CollectionSchedule)
	Start(ctx context.Context)
}

type realtimeEvent struct {
	Source   string                     `json:"source"`
	Stream   string                     `json:"stream"`
	Key      string                     `json:"key"`
	Message  *models.ChatMessage        `json:"message,omitempty"`
	Schedule *models.CollectionSchedule `json:"schedule,omitempty"`
	SentAt   time.Time                  `json:"sent_at"`
}

type realtimeBus struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string

	mu     sync.RWMutex
	topics map[string]map[*busSubscription]struct{}
}

type busSubscription struct {
	bus     *realtimeBus
	topic   string
	deliver func(realtimeEvent)

	mu     sync.Mutex
	queue  []realtimeEvent
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	closed bool
}

// NewRealtimeBus constructs the bus. Redis and NATS are optional; without
// them delivery stays within this process.
func NewRealtimeBus(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) RealtimeBus {
	redisChannel := ""
	natsSubject := ""
	if channelBase != "" {
		redisChannel = channelBase + ":realtime"
		natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".realtime"
	}

	return &realtimeBus{
		redis:        redisClient,
		redisChannel: redisChannel,
		nats:         natsConn,
		natsSubject:  natsSubject,
		logger:       logger.With().Str("component", "realtime_bus").Logger(),
		nodeID:       uuid.NewString(),
		topics:       make(map[string]map[*busSubscription]struct{}),
	}
}

func topicKey(stream, key string) string {
	return stream + "|" + key
}

func (b *realtimeBus) Start(ctx context.Context) {
	if b.redis != nil && b.redisChannel != "" {
		go b.consumeRedis(ctx)
	}
	if b.nats != nil && b.natsSubject != "" {
		b.consumeNATS(ctx)
	}
}

func (b *realtimeBus) SubscribeMessages(chatID string, fn func(models.ChatMessage)) Subscription {
	return b.subscribe(topicKey(streamMessages, chatID), func(event realtimeEvent) {
		if event.Message != nil {
			fn(*event.Message)
		}
	})
}

func (b *realtimeBus) SubscribeSchedules(offerID string, fn func(models.CollectionSchedule)) Subscription {
	return b.subscribe(topicKey(streamSchedules, offerID), func(event realtimeEvent) {
		if event.Schedule != nil {
			fn(*event.Schedule)
		}
	})
}

func (b *realtimeBus) PublishMessage(ctx context.Context, message models.ChatMessage) {
	b.publish(ctx, realtimeEvent{
		Stream:  streamMessages,
		Key:     message.ChatID,
		Message: &message,
	})
}

func (b *realtimeBus) PublishSchedule(ctx context.Context, schedule models.CollectionSchedule) {
	b.publish(ctx, realtimeEvent{
		Stream:   streamSchedules,
		Key:      schedule.OfferID,
		Schedule: &schedule,
	})
}

func (b *realtimeBus) subscribe(topic string, deliver func(realtimeEvent)) Subscription {
	sub := &busSubscription{
		bus:     b,
		topic:   topic,
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = make(map[*busSubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return sub
}

func (b *realtimeBus) unsubscribe(sub *busSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}

func (b *realtimeBus) publish(ctx context.Context, event realtimeEvent) {
	event.Source = b.nodeID
	event.SentAt = time.Now().UTC()

	b.dispatch(event, "local")

	if err := b.fanOut(ctx, event); err != nil {
		b.logger.Warn().Err(err).Str("stream", event.Stream).Msg("failed to fan out realtime event")
	}
}

func (b *realtimeBus) dispatch(event realtimeEvent, origin string) {
	b.mu.RLock()
	subs := b.topics[topicKey(event.Stream, event.Key)]
	targets := make([]*busSubscription, 0, len(subs))
	for sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(event)
	}
	observability.RealtimeEvents().WithLabelValues(event.Stream, origin).Add(float64(len(targets)))
}

func (b *realtimeBus) fanOut(ctx context.Context, event realtimeEvent) error {
	if (b.redis == nil || b.redisChannel == "") && (b.nats == nil || b.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			return err
		}
	}

	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (b *realtimeBus) consumeRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Msg("realtime redis subscription closed")
			return
		}
		b.handleRemote([]byte(msg.Payload))
	}
}

func (b *realtimeBus) consumeNATS(ctx context.Context) {
	// Plain subscribe: every node must see every change.
	sub, err := b.nats.Subscribe(b.natsSubject, func(msg *nats.Msg) {
		b.handleRemote(msg.Data)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats realtime subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain realtime nats subscription")
		}
	}()
}

func (b *realtimeBus) handleRemote(payload []byte) {
	var event realtimeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		b.logger.Warn().Err(err).Msg("invalid realtime event payload")
		return
	}

	if event.Source == b.nodeID {
		return
	}

	b.dispatch(event, "remote")
}

func (s *busSubscription) enqueue(event realtimeEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *busSubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			event := s.queue[0]
			s.queue[0] = realtimeEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.deliver(event)
		}
	}
}

func (s *busSubscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()

		s.bus.unsubscribe(s)
		close(s.done)
	})
}
