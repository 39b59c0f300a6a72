package gateway

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"social-chat/internal/convo"
)

// Delivery is a stored message on its way to the receiver's live connections.
type Delivery struct {
	ConversationID int            `json:"conversation_id"`
	Message        *convo.Message `json:"message"`
}

// Broker carries delivery events from the REST append path to the hub. The
// local broker is the single-process default; the Redis broker is the seam
// for fanning out across nodes later, and mirrors how messages already flow
// through Redis pub/sub in the rest of the platform.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe starts feeding deliveries to sink until ctx is done.
	Subscribe(ctx context.Context, sink func(Delivery))
}

// ---------------------------------------------
// In-process broker
// ---------------------------------------------

type LocalBroker struct {
	ch chan Delivery
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{ch: make(chan Delivery, 256)}
}

func (b *LocalBroker) Publish(ctx context.Context, d Delivery) error {
	select {
	case b.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Subscribe(ctx context.Context, sink func(Delivery)) {
	go func() {
		for {
			select {
			case d := <-b.ch:
				sink(d)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ---------------------------------------------
// Redis pub/sub broker
// ---------------------------------------------

const deliveryChannel = "chat-delivery"

type RedisBroker struct {
	redis *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{redis: client}
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, deliveryChannel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, sink func(Delivery)) {
	pubsub := b.redis.Subscribe(ctx, deliveryChannel)
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					log.Printf("broker: bad delivery payload: %v", err)
					continue
				}
				sink(d)
			case <-ctx.Done():
				return
			}
		}
	}()
}
