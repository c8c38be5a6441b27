package realtime

import (
	"context"
	"errors"
	"strings"
)

var ErrBrokerClosed = errors.New("realtime: broker closed")

// Broker carries change notifications between writers and live feeds.
// Payloads are advisory: subscribers re-read state on every notification,
// so a notification that is coalesced or dropped while another one is
// still pending loses nothing.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

type Subscription interface {
	C() <-chan []byte
	Close() error
}

func TopicMessages(conversationID string) string {
	return "chat.messages." + conversationID
}

func TopicTyping(conversationID string) string {
	return "chat.typing." + conversationID
}

func TopicConversations(userID string) string {
	return "chat.conversations." + userID
}

// offer hands payload to ch without blocking. A full buffer already holds a
// pending notification, so the new one is dropped.
func offer(ch chan []byte, payload []byte) {
	select {
	case ch <- payload:
	default:
	}
}

// subjectToken keeps NATS wildcards and separators out of id segments.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
