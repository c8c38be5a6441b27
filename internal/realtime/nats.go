package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

type NATSBroker struct {
	conn *nats.Conn
}

var _ Broker = (*NATSBroker)(nil)

func NewNATSBroker(conn *nats.Conn) *NATSBroker {
	return &NATSBroker{conn: conn}
}

func DialNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name("marketplace-chat"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	return conn, nil
}

// subject maps a "chat.<kind>.<id>" topic onto a NATS subject. Everything
// after the second dot is the id and is sanitized into a single token.
func subject(topic string) string {
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) < 3 {
		return subjectToken(topic)
	}
	return parts[0] + "." + parts[1] + "." + subjectToken(parts[2])
}

func (b *NATSBroker) Publish(_ context.Context, topic string, payload []byte) error {
	if err := b.conn.Publish(subject(topic), payload); err != nil {
		return fmt.Errorf("nats: publish %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(_ context.Context, topic string) (Subscription, error) {
	sub := &natsSubscription{ch: make(chan []byte, 1)}
	nsub, err := b.conn.Subscribe(subject(topic), func(msg *nats.Msg) {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.closed {
			return
		}
		offer(sub.ch, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", topic, err)
	}
	// Flush so the server has registered interest before we return.
	if err := b.conn.Flush(); err != nil {
		_ = nsub.Unsubscribe()
		return nil, fmt.Errorf("nats: flush: %w", err)
	}
	sub.sub = nsub
	return sub, nil
}

func (b *NATSBroker) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

type natsSubscription struct {
	sub    *nats.Subscription
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

func (s *natsSubscription) C() <-chan []byte {
	return s.ch
}

func (s *natsSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return s.sub.Unsubscribe()
}
