package models

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrParticipantCount     = errors.New("conversation must have exactly two participants")
	ErrParticipantEmpty     = errors.New("conversation participant id is empty")
	ErrParticipantDuplicate = errors.New("conversation participants must be distinct")
	ErrParticipantPadded    = errors.New("conversation participant id has surrounding whitespace")
)

type Conversation struct {
	ID            string     `json:"id"`
	Participants  []string   `json:"participants"`
	ServiceID     *string    `json:"service_id,omitempty"`
	LastMessage   *string    `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Validate reports whether the stored participant set satisfies the
// two-distinct-non-empty invariant. Records failing it must never accept
// messages.
func (c *Conversation) Validate() error {
	if c == nil || len(c.Participants) != 2 {
		return ErrParticipantCount
	}
	a, b := c.Participants[0], c.Participants[1]
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return ErrParticipantEmpty
	}
	// Membership compares ids exactly, so a padded id could never match.
	if a != strings.TrimSpace(a) || b != strings.TrimSpace(b) {
		return ErrParticipantPadded
	}
	if a == b {
		return ErrParticipantDuplicate
	}
	return nil
}

func (c *Conversation) HasParticipant(userID string) bool {
	if c == nil || userID == "" {
		return false
	}
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the participant that is not selfID. It returns ""
// when selfID is not a participant.
func (c *Conversation) OtherParticipant(selfID string) string {
	if !c.HasParticipant(selfID) {
		return ""
	}
	for _, p := range c.Participants {
		if p != selfID {
			return p
		}
	}
	return ""
}

// LastActivity is the ordering key of directory listings.
func (c *Conversation) LastActivity() time.Time {
	if c.LastMessageAt != nil && !c.LastMessageAt.IsZero() {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// PairKey canonicalizes an unordered participant pair.
func PairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	ImageURL       *string   `json:"image_url,omitempty"`
	FileURL        *string   `json:"file_url,omitempty"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// SortMessages orders messages by creation time ascending, breaking ties
// by id so every snapshot has one stable order.
func SortMessages(messages []ChatMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return compareIDs(messages[i].ID, messages[j].ID) < 0
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}

// compareIDs orders numeric ids numerically and falls back to lexical order.
func compareIDs(a, b string) int {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type TypingSignal struct {
	ConversationID string    `json:"conversation_id"`
	ParticipantID  string    `json:"participant_id"`
	IsTyping       bool      `json:"is_typing"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ConversationSummary struct {
	Conversation
	UnreadCount int `json:"unread_count"`
}

// SortByLastActivity orders summaries most recent first.
func SortByLastActivity(summaries []ConversationSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		ai, aj := summaries[i].LastActivity(), summaries[j].LastActivity()
		if ai.Equal(aj) {
			return summaries[i].ID > summaries[j].ID
		}
		return ai.After(aj)
	})
}
