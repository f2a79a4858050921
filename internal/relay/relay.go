// Package relay forwards recognized signs from the event hub to a Redis
// pub/sub channel so other services can consume them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/signstream/internal/hub"
	"github.com/ayusman/signstream/internal/metrics"
	"github.com/ayusman/signstream/internal/pipeline"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "signstream:signs"

// Publisher sends one payload to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// RedisPublisher publishes through a go-redis client.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects to the Redis server at url
// (redis://[:password@]host:port/db) and checks it is reachable.
func NewRedisPublisher(ctx context.Context, url string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisPublisher{client: client}, nil
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Message is what the relay publishes for each recognized sign.
type Message struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Relay subscribes to the event hub and publishes confident, non-sentinel
// predictions. A label is published once per run of that label, like the
// session store.
type Relay struct {
	pub       Publisher
	channel   string
	threshold float64
	timeout   time.Duration
	log       logrus.FieldLogger
}

// New creates a Relay publishing predictions above threshold to channel.
func New(pub Publisher, channel string, threshold float64, log logrus.FieldLogger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Relay{
		pub:       pub,
		channel:   channel,
		threshold: threshold,
		timeout:   2 * time.Second,
		log:       log.WithField("component", "relay"),
	}
}

// Run relays events until ctx ends or the hub closes.
func (r *Relay) Run(ctx context.Context, events *hub.Hub[pipeline.Event]) error {
	sub, err := events.Subscribe()
	if err != nil {
		return err
	}
	defer events.Unsubscribe(sub)

	r.log.WithField("channel", r.channel).Info("relay started")

	var last string
	err = sub.Drain(ctx, func(ev pipeline.Event) error {
		if ev.Type != pipeline.EventVideoFrame {
			return nil
		}

		pred := ev.Prediction
		if pred.IsSentinel() || pred.Confidence <= r.threshold {
			last = ""
			return nil
		}
		if pred.Label == last {
			return nil
		}
		last = pred.Label

		r.publish(ctx, Message{Label: pred.Label, Confidence: pred.Confidence, Timestamp: pred.Timestamp})
		return nil
	})

	if errors.Is(err, context.Canceled) || errors.Is(err, hub.ErrUnsubscribed) {
		return nil
	}
	return err
}

// publish sends msg, logging failures. A failed publish never stops the relay.
func (r *Relay) publish(ctx context.Context, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.WithError(err).Error("encode relay message")
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.pub.Publish(pubCtx, r.channel, payload); err != nil {
		metrics.RelayPublished.WithLabelValues("error").Inc()
		r.log.WithError(err).WithField("label", msg.Label).Warn("relay publish failed")
		return
	}
	metrics.RelayPublished.WithLabelValues("ok").Inc()
	r.log.WithField("label", msg.Label).Debug("sign relayed")
}
