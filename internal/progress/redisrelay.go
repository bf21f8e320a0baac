package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jo-hoe/canopyflow/internal/util"
)

const (
	DefaultChannelPrefix = "canopyflow:progress:"
	relayBuffer          = 1024
	relayPublishTimeout  = 2 * time.Second
)

// envelope is the wire form of a relayed event.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisRelay mirrors progress events across service instances over Redis pub/sub.
// Events published locally are sent to <prefix><jobId>; events from other
// instances are delivered into the local Broadcaster.
type RedisRelay struct {
	client redis.UniversalClient
	prefix string
	origin string
	local  *Broadcaster
	log    *slog.Logger
	out    chan envelope
}

var _ Forwarder = (*RedisRelay)(nil)

func NewRedisRelay(client redis.UniversalClient, prefix string, local *Broadcaster, log *slog.Logger) *RedisRelay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisRelay{
		client: client,
		prefix: prefix,
		origin: util.NewID(),
		local:  local,
		log:    log.With("component", "progress_relay"),
		out:    make(chan envelope, relayBuffer),
	}
}

// Forward queues ev for publishing. It drops the event when the relay is backed up.
func (r *RedisRelay) Forward(jobID string, ev Event) {
	ev.JobID = jobID
	select {
	case r.out <- envelope{Origin: r.origin, Event: ev}:
	default:
		r.log.Warn("relay buffer full; dropping event", "job_id", jobID, "status", ev.Status)
	}
}

// Run publishes queued events and delivers remote ones until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()
	// Wait for the subscription to be confirmed so startup errors surface here.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", r.prefix, err)
	}
	in := pubsub.Channel()
	r.log.Info("progress relay started", "pattern", r.prefix+"*", "origin", r.origin)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-r.out:
			r.publish(ctx, env)
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			r.handle(msg.Channel, msg.Payload)
		}
	}
}

func (r *RedisRelay) publish(ctx context.Context, env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		r.log.Error("encode relay event", "err", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
	defer cancel()
	if err := r.client.Publish(pctx, r.prefix+env.Event.JobID, payload).Err(); err != nil {
		r.log.Warn("relay publish failed", "job_id", env.Event.JobID, "err", err)
	}
}

// handle delivers a remote event locally; echoes of this instance's own events are skipped.
func (r *RedisRelay) handle(channel, payload string) bool {
	jobID := strings.TrimPrefix(channel, r.prefix)
	if jobID == "" || jobID == channel {
		return false
	}
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("decode relay event", "channel", channel, "err", err)
		return false
	}
	if env.Origin == r.origin {
		return false
	}
	r.local.Deliver(jobID, env.Event)
	return true
}
