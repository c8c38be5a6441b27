package chatview

import "github.com/servimatch/MarketplaceBack/internal/models"

type State int

const (
	StateUnknown State = iota
	StateValid
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	EventState    EventKind = "state"
	EventMessages EventKind = "messages"
	EventTyping   EventKind = "typing"
	EventIdentity EventKind = "identity"
)

// Event is one update for the rendered view. Only the fields matching Kind
// are set.
type Event struct {
	Kind           EventKind
	ConversationID string
	State          State
	Reason         string
	Messages       []models.ChatMessage
	Typing         bool
	Identity       *models.Identity
}
