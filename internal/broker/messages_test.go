package broker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionMessageCodec(t *testing.T) {
	wfID := uuid.New()
	msg := ExecutionMessage{
		ExecutionID: uuid.New(),
		WorkflowID:  &wfID,
		Sync:        true,
	}

	body, err := msg.Encode()
	require.NoError(t, err)

	got, err := DecodeExecutionMessage(body)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDecodeExecutionMessageRejectsMissingID(t *testing.T) {
	_, err := DecodeExecutionMessage([]byte(`{"sync":true}`))
	assert.Error(t, err)
}

func TestDecodeExecutionMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeExecutionMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestStreamMessageTerminal(t *testing.T) {
	assert.False(t, StreamMessage{Type: "progress"}.Terminal())
	assert.True(t, StreamMessage{Type: "done"}.Terminal())
	assert.True(t, StreamMessage{Type: "error", Err: "boom"}.Terminal())
}
