package model

const (
	// DefaultConversationID is the placeholder id of the seeded conversation.
	DefaultConversationID = "1002"

	// DefaultTitle is the title given to new conversations.
	DefaultTitle = "New Chat"
)

// ConversationSummary is one entry in the history list.
type ConversationSummary struct {
	ID         string `json:"uuid"`
	Title      string `json:"title"`
	IsEditable bool   `json:"isEdit"`
}

// Transcript is the ordered message sequence of one conversation.
type Transcript struct {
	ID       string    `json:"uuid"`
	Messages []Message `json:"data"`
}

// ConversationState is the persisted root aggregate. Transcripts follow summary order.
type ConversationState struct {
	Active       *string               `json:"active"`
	UsingContext bool                  `json:"usingContext"`
	Summaries    []ConversationSummary `json:"history"`
	Transcripts  []Transcript          `json:"chat"`
}

// DefaultState returns a state seeded with one empty conversation titled title.
func DefaultState(title string) ConversationState {
	if title == "" {
		title = DefaultTitle
	}
	return ConversationState{
		Active:       Ptr(DefaultConversationID),
		UsingContext: true,
		Summaries:    []ConversationSummary{{ID: DefaultConversationID, Title: title}},
		Transcripts:  []Transcript{{ID: DefaultConversationID, Messages: []Message{}}},
	}
}
