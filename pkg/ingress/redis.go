package ingress

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errSubscriptionClosed = errors.New("subscription channel closed")

// Subscriber routes DispatchRequest messages published on a Redis channel
type Subscriber struct {
	client  redis.UniversalClient
	channel string
	router  Router
	log     *zap.Logger

	maxInterval time.Duration
}

func NewSubscriber(client redis.UniversalClient, channel string, router Router, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{
		client:      client,
		channel:     channel,
		router:      router,
		log:         log.Named("ingress.redis").With(zap.String("channel", channel)),
		maxInterval: 30 * time.Second,
	}
}

// Run consumes the channel until ctx is cancelled, resubscribing with
// exponential backoff whenever the subscription fails.
func (s *Subscriber) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = s.maxInterval
	bo.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		s.log.Warn("Redis subscription failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
	}

	err := backoff.RetryNotify(func() error {
		return s.consume(ctx, bo)
	}, backoff.WithContext(bo, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Subscriber) consume(ctx context.Context, bo backoff.BackOff) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer func() {
		if err := pubsub.Close(); err != nil {
			s.log.Debug("Failed to close Redis pubsub", zap.Error(err))
		}
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	bo.Reset()
	s.log.Info("Subscribed to dispatch channel")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case msg, ok := <-ch:
			if !ok {
				return errSubscriptionClosed
			}
			s.handle(msg.Payload)
		}
	}
}

// handle routes one message. Bad messages are logged and skipped.
func (s *Subscriber) handle(payload string) {
	req, err := decodeRequest([]byte(payload))
	if err == nil {
		err = s.router.Route(req)
	}
	if err != nil {
		s.log.Warn("Dropped dispatch message", zap.Error(err))
	}
}
