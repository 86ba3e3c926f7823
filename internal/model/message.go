// Package model defines the data structures shared by the chat client and relay.
package model

// ConversationRequest carries the backend-issued ids that chain one request to the previous turn.
type ConversationRequest struct {
	ConversationID  string `json:"conversationId,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

// IsZero reports whether neither id is set.
func (r *ConversationRequest) IsZero() bool {
	return r == nil || (r.ConversationID == "" && r.ParentMessageID == "")
}

// Clone returns a copy, or nil for nil.
func (r *ConversationRequest) Clone() *ConversationRequest {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// RequestOptions is the prompt and context that produced a message.
type RequestOptions struct {
	Prompt  string               `json:"prompt"`
	Options *ConversationRequest `json:"options,omitempty"`
}

// Message is one turn in a transcript. ID identifies a response slot
// independently of its position.
type Message struct {
	ID                  string               `json:"id,omitempty"`
	Timestamp           string               `json:"dateTime"`
	Text                string               `json:"text"`
	IsInverted          bool                 `json:"inversion"`
	HasError            bool                 `json:"error"`
	IsLoading           bool                 `json:"loading"`
	ConversationOptions *ConversationRequest `json:"conversationOptions"`
	RequestOptions      RequestOptions       `json:"requestOptions"`
}

// MessagePatch selects the fields to overwrite on a message. Nil fields are left untouched.
type MessagePatch struct {
	Timestamp           *string
	Text                *string
	IsInverted          *bool
	HasError            *bool
	IsLoading           *bool
	ConversationOptions *ConversationRequest
	RequestOptions      *RequestOptions

	// ClearConversationOptions resets ConversationOptions to nil.
	ClearConversationOptions bool
}

// Apply returns m with the patch merged in.
func (m Message) Apply(p MessagePatch) Message {
	if p.Timestamp != nil {
		m.Timestamp = *p.Timestamp
	}
	if p.Text != nil {
		m.Text = *p.Text
	}
	if p.IsInverted != nil {
		m.IsInverted = *p.IsInverted
	}
	if p.HasError != nil {
		m.HasError = *p.HasError
	}
	if p.IsLoading != nil {
		m.IsLoading = *p.IsLoading
	}
	if p.ClearConversationOptions {
		m.ConversationOptions = nil
	}
	if p.ConversationOptions != nil {
		m.ConversationOptions = p.ConversationOptions.Clone()
	}
	if p.RequestOptions != nil {
		ro := *p.RequestOptions
		ro.Options = ro.Options.Clone()
		m.RequestOptions = ro
	}
	return m
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	m.ConversationOptions = m.ConversationOptions.Clone()
	m.RequestOptions.Options = m.RequestOptions.Options.Clone()
	return m
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }
