package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/servimatch/MarketplaceBack/internal/realtime"
)

type typingStore interface {
	Upsert(ctx context.Context, signal *models.TypingSignal) error
	Delete(ctx context.Context, conversationID, participantID string) error
	Get(ctx context.Context, conversationID, participantID string) (*models.TypingSignal, error)
}

// typingExpiryGrace pushes the re-read just past the ttl boundary.
const typingExpiryGrace = 10 * time.Millisecond

type TypingSignal struct {
	store  typingStore
	broker realtime.Broker
	ttl    time.Duration
	now    func() time.Time
}

// NewTypingSignal builds the typing service. A true flag older than ttl reads
// as false, covering clients that vanished without clearing it. ttl <= 0
// disables expiry.
func NewTypingSignal(store typingStore, broker realtime.Broker, ttl time.Duration) *TypingSignal {
	return &TypingSignal{
		store:  store,
		broker: broker,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (t *TypingSignal) SetTyping(ctx context.Context, conversationID, participantID string, isTyping bool) error {
	var err error
	if isTyping {
		err = t.store.Upsert(ctx, &models.TypingSignal{
			ConversationID: conversationID,
			ParticipantID:  participantID,
			IsTyping:       true,
		})
	} else {
		err = t.store.Delete(ctx, conversationID, participantID)
	}
	if err != nil {
		return unavailable("set typing", err)
	}
	notify(ctx, t.broker, realtime.TopicTyping(conversationID))
	return nil
}

// IsTyping reads participantID's flag once. Every failure reads as false.
func (t *TypingSignal) IsTyping(ctx context.Context, conversationID, participantID string) bool {
	_, live := t.read(ctx, conversationID, participantID)
	return live
}

// read returns the stored signal and whether it currently counts as typing.
func (t *TypingSignal) read(ctx context.Context, conversationID, participantID string) (*models.TypingSignal, bool) {
	signal, err := t.store.Get(ctx, conversationID, participantID)
	if err != nil {
		if !isNotFound(err) && ctx.Err() == nil {
			slog.DebugContext(ctx, "typing read failed",
				"conversation_id", conversationID,
				"participant_id", participantID,
				"error", err,
			)
		}
		return nil, false
	}
	if !signal.IsTyping {
		return signal, false
	}
	if t.ttl > 0 && t.now().Sub(signal.UpdatedAt) > t.ttl {
		return signal, false
	}
	return signal, true
}

// Observe returns an unstarted live flag for participantID. Only changes of
// the flag are delivered. A true flag is re-read once its ttl runs out, so a
// writer that vanished without clearing it stops showing as typing.
func (t *TypingSignal) Observe(conversationID, participantID string) *realtime.Feed[bool] {
	// Written by the loader and read by the recheck; both run on the feed's
	// goroutine after Start.
	var expiresAt time.Time
	return realtime.NewFeed(t.broker, realtime.TopicTyping(conversationID),
		func(ctx context.Context) (bool, error) {
			signal, live := t.read(ctx, conversationID, participantID)
			expiresAt = time.Time{}
			if live && t.ttl > 0 {
				expiresAt = signal.UpdatedAt.Add(t.ttl)
			}
			return live, nil
		},
		realtime.WithDedupe(func(a, b bool) bool { return a == b }),
		realtime.WithRecheck(func(bool) time.Duration {
			if expiresAt.IsZero() {
				return 0
			}
			return max(expiresAt.Sub(t.now()), 0) + typingExpiryGrace
		}),
	)
}
