package model

import "time"

// ExchangeStatus is the outcome of one relayed request.
type ExchangeStatus string

const (
	ExchangeCompleted ExchangeStatus = "completed"
	ExchangeFailed    ExchangeStatus = "failed"
	ExchangeCancelled ExchangeStatus = "cancelled"
)

// Exchange is a finished prompt/response pair journaled by the relay.
type Exchange struct {
	ID             string         `json:"id"`
	Sequence       uint64         `json:"sequence,omitempty"`
	ConversationID string         `json:"conversation_id"`
	UserMessageID  string         `json:"user_message_id"`
	Prompt         string         `json:"prompt"`
	Response       string         `json:"response"`
	Provider       string         `json:"provider"`
	Model          string         `json:"model,omitempty"`
	Status         ExchangeStatus `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	TokensIn       int            `json:"tokens_in,omitempty"`
	TokensOut      int            `json:"tokens_out,omitempty"`
	LatencyMs      int64          `json:"latency_ms"`
	CreatedAt      time.Time      `json:"created_at"`
}

// StoredTurn is one message the relay remembers for context reconstruction.
type StoredTurn struct {
	ID              string `json:"id"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	ConversationID  string `json:"conversationId"`
	Role            Role   `json:"role"`
	Text            string `json:"text"`
}
