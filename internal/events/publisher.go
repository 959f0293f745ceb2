package events

import (
	"context"
	"expvar"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	publishedTotal     = expvar.NewInt("events_published_total")
	publishErrorsTotal = expvar.NewInt("events_publish_errors_total")
)

// Publisher fans queue change events out over Redis pub/sub so display
// boards and the booking frontend can react without polling the outbox.
// Publishing is best effort: the outbox row is the durable record, a failed
// publish is only logged.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(addr, password string, db int) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Publisher{client: client}, nil
}

// Publish sends the event payload to the center's channel.
func (p *Publisher) Publish(ctx context.Context, centerID, eventType string, payload []byte) {
	channel := "queue:" + centerID
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		publishErrorsTotal.Add(1)
		log.Printf("event publish error channel=%s type=%s: %v", channel, eventType, err)
		return
	}
	publishedTotal.Add(1)
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
