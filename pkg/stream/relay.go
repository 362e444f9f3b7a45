package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"queueboard/pkg/event"
)

// DefaultRelayChannel is the Redis channel records are relayed on.
const DefaultRelayChannel = "queueboard:events"

// Injector receives records relayed from other replicas.
type Injector interface {
	Inject(rec event.Record) bool
}

// Relay carries records between hub replicas over Redis pub/sub. Each
// replica publishes what it appends and injects what the others publish.
type Relay struct {
	rc      *redis.Client
	channel string
	origin  string
	log     log.FieldLogger
}

type envelope struct {
	Origin string       `json:"origin"`
	Record event.Record `json:"record"`
}

// NewRelay creates a Relay with a fresh origin id.
func NewRelay(rc *redis.Client, channel string, logger log.FieldLogger) *Relay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	origin := uuid.NewString()
	return &Relay{
		rc:      rc,
		channel: channel,
		origin:  origin,
		log:     logger.WithFields(log.Fields{"component": "relay", "origin": origin}),
	}
}

// Origin identifies this replica on the channel.
func (r *Relay) Origin() string { return r.origin }

// Publish sends rec to the other replicas.
func (r *Relay) Publish(ctx context.Context, rec event.Record) error {
	data, err := json.Marshal(envelope{Origin: r.origin, Record: rec})
	if err != nil {
		return fmt.Errorf("marshal relay record: %w", err)
	}
	return r.rc.Publish(ctx, r.channel, data).Err()
}

// Run subscribes to the channel and injects foreign records into dst until
// ctx is done, resubscribing if the pub/sub connection drops.
func (r *Relay) Run(ctx context.Context, dst Injector) error {
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			if ctx.Err() != nil {
				return nil
			}
			r.log.WithError(err).Error("relay subscribe failed, retrying")
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		r.consume(ctx, sub.Channel(), dst)
		sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		r.log.Error("relay channel closed, reconnecting")
		if !sleepCtx(ctx, time.Second) {
			return nil
		}
	}
}

func (r *Relay) consume(ctx context.Context, ch <-chan *redis.Message, dst Injector) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.WithError(err).Warn("unable to parse relayed record")
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			dst.Inject(env.Record)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
