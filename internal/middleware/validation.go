package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/capitalize-ai/chatweb/internal/model"
)

const (
	maxPromptBytes = 100000
	maxIDLength    = 128
)

// ValidatePrompt validates prompt text.
func ValidatePrompt(prompt string) error {
	if len(prompt) == 0 {
		return errors.New("prompt cannot be empty")
	}
	if len(prompt) > maxPromptBytes {
		return errors.New("prompt exceeds maximum length")
	}
	if !utf8.ValidString(prompt) {
		return errors.New("prompt must be valid UTF-8")
	}
	return nil
}

// ValidateChatRequest validates a /chat or /chat-process body.
func ValidateChatRequest(req *model.ChatRequest) error {
	if err := ValidatePrompt(req.Prompt); err != nil {
		return err
	}
	if req.Options != nil {
		if len(req.Options.ConversationID) > maxIDLength || len(req.Options.ParentMessageID) > maxIDLength {
			return errors.New("conversation options exceed maximum length")
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return errors.New("temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return errors.New("top_p must be between 0 and 1")
	}
	return nil
}

// ValidateToken validates a /verify token.
func ValidateToken(token string) error {
	if token == "" {
		return errors.New("secret key is empty")
	}
	if len(token) > 4096 {
		return errors.New("secret key exceeds maximum length")
	}
	return nil
}
