// Package cache holds the Redis client setup and the cross-process fan-out
// of instance events.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/jason-s-yu/tileclash/internal/game"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ChannelPrefix namespaces every instance event channel.
const ChannelPrefix = "tileclash:instance:"

// Connect parses a redis:// URL, dials and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// EventChannel is the pub/sub channel carrying instanceID's events.
func EventChannel(instanceID string) string {
	return ChannelPrefix + instanceID + ":events"
}

// EventRecord is the message published for every broadcast event.
type EventRecord struct {
	InstanceID  string         `json:"instanceId"`
	Sequence    uint64         `json:"sequence"` // per-publisher ordering
	Type        game.EventType `json:"type"`
	Tick        int64          `json:"tick"`
	Payload     any            `json:"payload,omitempty"`
	PublishedAt int64          `json:"publishedAt"`
}

// Publisher PUBLISHes instance events as JSON EventRecords.
type Publisher struct {
	client redis.UniversalClient
	seq    atomic.Uint64
	now    func() time.Time
	log    logrus.FieldLogger
}

// NewPublisher creates a publisher on client.
func NewPublisher(client redis.UniversalClient, log logrus.FieldLogger) *Publisher {
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}
	return &Publisher{client: client, now: time.Now, log: log}
}

// Publish implements game.Publisher.
func (p *Publisher) Publish(ctx context.Context, ev game.Event) error {
	rec := EventRecord{
		InstanceID:  ev.InstanceID,
		Sequence:    p.seq.Add(1),
		Type:        ev.Type,
		Tick:        ev.Tick,
		Payload:     ev.Payload,
		PublishedAt: p.now().UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	receivers, err := p.client.Publish(ctx, EventChannel(ev.InstanceID), data).Result()
	if err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	p.log.WithFields(logrus.Fields{
		"instance_id": ev.InstanceID,
		"event":       ev.Type,
		"receivers":   receivers,
	}).Debug("event published")
	return nil
}
