package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageApplyPreservesUnsetFields(t *testing.T) {
	orig := Message{Timestamp: "2024-01-01 10:00:00", IsInverted: true, IsLoading: true}

	m := orig.Apply(MessagePatch{Text: Ptr("a")})
	m = m.Apply(MessagePatch{Text: Ptr("ab")})
	m = m.Apply(MessagePatch{IsLoading: Ptr(false)})

	assert.Equal(t, "ab", m.Text)
	assert.False(t, m.IsLoading)
	assert.Equal(t, orig.Timestamp, m.Timestamp)
	assert.True(t, m.IsInverted)
}

func TestMessageApplyConversationOptions(t *testing.T) {
	opts := &ConversationRequest{ConversationID: "c1", ParentMessageID: "m1"}
	m := Message{}.Apply(MessagePatch{ConversationOptions: opts})
	require.NotNil(t, m.ConversationOptions)

	opts.ConversationID = "mutated"
	assert.Equal(t, "c1", m.ConversationOptions.ConversationID)

	m = m.Apply(MessagePatch{ClearConversationOptions: true})
	assert.Nil(t, m.ConversationOptions)
}

func TestMessageJSONFieldNames(t *testing.T) {
	b, err := json.Marshal(Message{
		Timestamp:      "t",
		Text:           "hi",
		IsInverted:     true,
		RequestOptions: RequestOptions{Prompt: "hi"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"dateTime":"t","text":"hi","inversion":true,"error":false,"loading":false,
		"conversationOptions":null,"requestOptions":{"prompt":"hi"}}`, string(b))
}

func TestResponseOptionsChainsOnMessageID(t *testing.T) {
	r := &ConversationResponse{ID: "m2", ConversationID: "c1", ParentMessageID: "m1"}
	assert.Equal(t, &ConversationRequest{ConversationID: "c1", ParentMessageID: "m2"}, r.Options())

	var nilResp *ConversationResponse
	assert.Nil(t, nilResp.Options())
}

func TestDefaultState(t *testing.T) {
	s := DefaultState("")
	require.NotNil(t, s.Active)
	assert.Equal(t, DefaultConversationID, *s.Active)
	assert.True(t, s.UsingContext)
	require.Len(t, s.Summaries, 1)
	assert.Equal(t, DefaultTitle, s.Summaries[0].Title)
	require.Len(t, s.Transcripts, 1)
	assert.Empty(t, s.Transcripts[0].Messages)
}
