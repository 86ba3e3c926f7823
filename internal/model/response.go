package model

// Role of a message author as reported by the backend.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationResponse is the payload returned by /chat and each line of /chat-process.
type ConversationResponse struct {
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversationId,omitempty"`
	ParentMessageID string          `json:"parentMessageId,omitempty"`
	Role            Role            `json:"role"`
	Text            string          `json:"text"`
	Detail          *ResponseDetail `json:"detail,omitempty"`
}

// Options returns the chaining ids a follow-up request should carry.
func (r *ConversationResponse) Options() *ConversationRequest {
	if r == nil {
		return nil
	}
	return &ConversationRequest{ConversationID: r.ConversationID, ParentMessageID: r.ID}
}

// ResponseDetail is the upstream completion detail.
type ResponseDetail struct {
	Choices []Choice `json:"choices"`
	Created int64    `json:"created"`
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Object  string   `json:"object"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one upstream completion choice.
type Choice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason,omitempty"`
	Logprobs     any    `json:"logprobs"`
}

// Usage reports token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest is the body of /chat and /chat-process.
type ChatRequest struct {
	Prompt        string               `json:"prompt"`
	Options       *ConversationRequest `json:"options,omitempty"`
	SystemMessage *string              `json:"systemMessage,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
}

// VerifyRequest is the body of /verify.
type VerifyRequest struct {
	Token string `json:"token"`
}

// Envelope statuses.
const (
	StatusSuccess      = "Success"
	StatusFail         = "Fail"
	StatusUnauthorized = "Unauthorized"
)

// Envelope wraps auxiliary and singleshot responses.
type Envelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// ConfigDescriptor is returned by /config.
type ConfigDescriptor struct {
	APIModel     string `json:"apiModel"`
	ReverseProxy string `json:"reverseProxy"`
	TimeoutMs    int64  `json:"timeoutMs"`
	SocksProxy   string `json:"socksProxy"`
	HTTPSProxy   string `json:"httpsProxy"`
	Usage        string `json:"usage"`
}

// SessionDescriptor is returned by /session.
type SessionDescriptor struct {
	Auth  bool   `json:"auth"`
	Model string `json:"model"`
}

// Backend modes reported by /session.
const (
	ModeDirectAPI = "ChatGPTAPI"
	ModeProxyAPI  = "ChatGPTUnofficialProxyAPI"
)
