package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Publisher mirrors log events onto a broadcast bus for external observers.
// The log stays authoritative; publish failures never fail the pipeline.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher is used when no bus is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

type natsConnection interface {
	Publish(string, []byte) error
	Close() error
}

// NATSPublisher publishes events as JSON onto a NATS subject.
type NATSPublisher struct {
	conn    natsConnection
	subject string
}

func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: &natsConnectionAdapter{conn}, subject: subject}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return p.conn.Publish(p.subject, raw)
}

func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

type natsConnectionAdapter struct {
	*nats.Conn
}

func (a *natsConnectionAdapter) Close() error {
	a.Conn.Close()
	return nil
}
