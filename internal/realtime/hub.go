package realtime

import (
	"context"
	"sync"
)

// Hub is the in-process broker used by single-instance deployments and
// tests. All bookkeeping happens on the Run goroutine.
type Hub struct {
	topics     map[string]map[*hubSubscription]struct{}
	register   chan *hubSubscription
	unregister chan *hubSubscription
	broadcast  chan hubMessage
	done       chan struct{}
	closeOnce  sync.Once
}

type hubMessage struct {
	topic   string
	payload []byte
}

type hubSubscription struct {
	hub   *Hub
	topic string
	ch    chan []byte
	once  sync.Once
}

var _ Broker = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		topics:     make(map[string]map[*hubSubscription]struct{}),
		register:   make(chan *hubSubscription),
		unregister: make(chan *hubSubscription),
		broadcast:  make(chan hubMessage, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			set, ok := h.topics[sub.topic]
			if !ok {
				set = make(map[*hubSubscription]struct{})
				h.topics[sub.topic] = set
			}
			set[sub] = struct{}{}
		case sub := <-h.unregister:
			set, ok := h.topics[sub.topic]
			if !ok {
				continue
			}
			if _, exists := set[sub]; exists {
				delete(set, sub)
				close(sub.ch)
			}
			if len(set) == 0 {
				delete(h.topics, sub.topic)
			}
		case msg := <-h.broadcast:
			for sub := range h.topics[msg.topic] {
				offer(sub.ch, msg.payload)
			}
		case <-h.done:
			for topic, set := range h.topics {
				for sub := range set {
					close(sub.ch)
				}
				delete(h.topics, topic)
			}
			return
		}
	}
}

func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) error {
	if h.closed() {
		return ErrBrokerClosed
	}
	select {
	case h.broadcast <- hubMessage{topic: topic, payload: payload}:
		return nil
	case <-h.done:
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if h.closed() {
		return nil, ErrBrokerClosed
	}
	sub := &hubSubscription{hub: h, topic: topic, ch: make(chan []byte, 1)}
	select {
	case h.register <- sub:
		return sub, nil
	case <-h.done:
		return nil, ErrBrokerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	return nil
}

func (s *hubSubscription) C() <-chan []byte {
	return s.ch
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
	})
	return nil
}
