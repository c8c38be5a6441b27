package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextHandlerAddsChatFields(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewContextHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithLogFields(context.Background(), LogFields{ConversationID: "c1", Component: "chat.stream"})
	ctx = WithLogFields(ctx, LogFields{UserID: "u1"})
	log.InfoContext(ctx, "message sent")

	out := buf.String()
	assert.Contains(t, out, "conversation_id=c1")
	assert.Contains(t, out, "user_id=u1")
	assert.Contains(t, out, "component=chat.stream")
}

func TestGetLogFieldsEmpty(t *testing.T) {
	assert.Equal(t, LogFields{}, GetLogFields(context.Background()))
}
