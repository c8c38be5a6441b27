package ids

import (
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageIDsIncrease(t *testing.T) {
	gen, err := NewGenerator(3)
	require.NoError(t, err)

	prev := int64(0)
	for i := 0; i < 100; i++ {
		id, err := strconv.ParseInt(gen.MessageID(), 10, 64)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestConversationIDIsUUID(t *testing.T) {
	gen, err := NewGenerator(1)
	require.NoError(t, err)

	_, err = uuid.Parse(gen.ConversationID())
	assert.NoError(t, err)
}

func TestNewGeneratorRejectsOutOfRangeNode(t *testing.T) {
	_, err := NewGenerator(5000)
	assert.Error(t, err)
}
