package ids

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// Generator hands out opaque ids: uuids for conversations and time-ordered
// snowflake ids for messages, which double as the tie-break when two
// messages share a timestamp.
type Generator struct {
	node *snowflake.Node
}

var (
	defaultGen  *Generator
	defaultErr  error
	defaultOnce sync.Once
)

func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

// Init creates the process-wide generator once.
func Init(nodeID int64) (*Generator, error) {
	defaultOnce.Do(func() {
		defaultGen, defaultErr = NewGenerator(nodeID)
	})
	return defaultGen, defaultErr
}

func (g *Generator) ConversationID() string {
	return uuid.NewString()
}

func (g *Generator) MessageID() string {
	return g.node.Generate().String()
}
