package refdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const DefaultChannel = "mallsync:refdata"

// Message is published after reference tables were written.
type Message struct {
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

type Reloader interface {
	Reload(ctx context.Context) (*Snapshot, error)
}

// Invalidator fans a reload signal out to every process over redis pub/sub.
type Invalidator struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

// NewInvalidator uses an existing client; the caller keeps ownership of it.
func NewInvalidator(client *redis.Client, channel string, log zerolog.Logger) *Invalidator {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Invalidator{client: client, channel: channel, log: log.With().Str("component", "refdata-invalidator").Logger()}
}

func (i *Invalidator) Channel() string { return i.channel }

func (i *Invalidator) Publish(ctx context.Context, reason string) error {
	data, err := json.Marshal(Message{Reason: reason, Timestamp: time.Now().UnixNano()})
	if err != nil {
		return eris.Wrap(err, "refdata: marshal invalidation")
	}
	if err := i.client.Publish(ctx, i.channel, data).Err(); err != nil {
		return eris.Wrapf(err, "refdata: publish on %s", i.channel)
	}
	i.log.Debug().Str("reason", reason).Msg("invalidation published")
	return nil
}

// Watch reloads r on every message until ctx is done. It blocks.
func (i *Invalidator) Watch(ctx context.Context, r Reloader) error {
	sub := i.client.Subscribe(ctx, i.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return eris.Wrapf(err, "refdata: subscribe %s", i.channel)
	}
	ch := sub.Channel()
	i.log.Info().Str("channel", i.channel).Msg("watching reference data invalidations")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			i.handle(ctx, r, msg.Payload)
		}
	}
}

func (i *Invalidator) handle(ctx context.Context, r Reloader, payload string) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		// a bare string still means "reload"
		m.Reason = payload
	}
	if _, err := r.Reload(ctx); err != nil {
		i.log.Error().Err(err).Str("reason", m.Reason).Msg("reload after invalidation failed")
		return
	}
	i.log.Info().Str("reason", m.Reason).Msg("reference data reloaded after invalidation")
}
