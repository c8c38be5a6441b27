// Package memstore keeps the chat collections in process memory. It backs
// STORE_DRIVER=memory and the package tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/servimatch/MarketplaceBack/internal/models"
)

type Store struct {
	mu            sync.RWMutex
	now           func() time.Time
	lastStamp     time.Time
	users         map[string]models.User
	conversations map[string]models.Conversation
	pairKeys      map[string]string
	messages      map[string][]models.ChatMessage
	typing        map[string]models.TypingSignal

	calls map[string]int
	fault func(op string) error
}

func New() *Store {
	return &Store{
		now:           time.Now,
		users:         make(map[string]models.User),
		conversations: make(map[string]models.Conversation),
		pairKeys:      make(map[string]string),
		messages:      make(map[string][]models.ChatMessage),
		typing:        make(map[string]models.TypingSignal),
		calls:         make(map[string]int),
	}
}

// SetClock replaces the server clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetFault installs fn, consulted before every operation; a non-nil result
// fails that operation.
func (s *Store) SetFault(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// Calls reports how many times op was attempted.
func (s *Store) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

func (s *Store) TotalCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// PutUser seeds a user record.
func (s *Store) PutUser(user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.stampLocked()
	}
	s.users[user.ID] = user
}

// PutConversation stores conversation verbatim, skipping every check, so
// tests can plant malformed records.
func (s *Store) PutConversation(conversation models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = s.stampLocked()
	}
	conversation.Participants = append([]string(nil), conversation.Participants...)
	s.conversations[conversation.ID] = conversation
}

func (s *Store) Users() *Users                 { return &Users{s: s} }
func (s *Store) Conversations() *Conversations { return &Conversations{s: s} }
func (s *Store) Messages() *Messages           { return &Messages{s: s} }
func (s *Store) Typing() *Typing               { return &Typing{s: s} }

// beginLocked records the call and returns the injected fault, if any. Callers
// hold s.mu.
func (s *Store) beginLocked(ctx context.Context, op string) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.fault != nil {
		return s.fault(op)
	}
	return nil
}

// stampLocked returns a server timestamp strictly after the previous one.
func (s *Store) stampLocked() time.Time {
	ts := s.now().UTC()
	if !ts.After(s.lastStamp) {
		ts = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = ts
	return ts
}

func typingKey(conversationID, participantID string) string {
	return conversationID + "/" + participantID
}

func cloneConversation(c models.Conversation) models.Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	return c
}
