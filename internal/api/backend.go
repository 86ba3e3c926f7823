package api

import "github.com/capitalize-ai/chatweb/internal/model"

// Settings are the user-chosen tuning fields sent in direct API mode.
type Settings struct {
	SystemMessage string
	Temperature   float64
	TopP          float64
}

// Backend builds request bodies for one backend mode.
type Backend interface {
	Mode() string
	ChatRequest(prompt string, opts *model.ConversationRequest) model.ChatRequest
}

// DirectBackend targets a relay calling the completion API directly; requests carry tuning fields.
type DirectBackend struct {
	Settings Settings
}

func (DirectBackend) Mode() string { return model.ModeDirectAPI }

func (b DirectBackend) ChatRequest(prompt string, opts *model.ConversationRequest) model.ChatRequest {
	return model.ChatRequest{
		Prompt:        prompt,
		Options:       opts.Clone(),
		SystemMessage: model.Ptr(b.Settings.SystemMessage),
		Temperature:   model.Ptr(b.Settings.Temperature),
		TopP:          model.Ptr(b.Settings.TopP),
	}
}

// ProxyBackend targets a relay that applies its own defaults.
type ProxyBackend struct{}

func (ProxyBackend) Mode() string { return model.ModeProxyAPI }

func (ProxyBackend) ChatRequest(prompt string, opts *model.ConversationRequest) model.ChatRequest {
	return model.ChatRequest{Prompt: prompt, Options: opts.Clone()}
}

// NewBackend picks the variant for a mode reported by /session.
func NewBackend(mode string, settings Settings) Backend {
	if mode == model.ModeDirectAPI {
		return DirectBackend{Settings: settings}
	}
	return ProxyBackend{}
}
