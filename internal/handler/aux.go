package handler

import (
	"net/http"

	"github.com/capitalize-ai/chatweb/internal/middleware"
	"github.com/capitalize-ai/chatweb/internal/model"
)

// AuxConfig describes the relay to /config and /session callers.
type AuxConfig struct {
	Mode         string
	AuthSecret   string
	ReverseProxy string
	TimeoutMs    int64
	HTTPSProxy   string
	Usage        string
}

// AuxHandler serves the auxiliary endpoints.
type AuxHandler struct {
	cfg AuxConfig
}

// NewAuxHandler creates a new auxiliary handler.
func NewAuxHandler(cfg AuxConfig) *AuxHandler {
	return &AuxHandler{cfg: cfg}
}

// Config handles POST /config
func (h *AuxHandler) Config(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, "", &model.ConfigDescriptor{
		APIModel:     h.cfg.Mode,
		ReverseProxy: h.cfg.ReverseProxy,
		TimeoutMs:    h.cfg.TimeoutMs,
		SocksProxy:   "-",
		HTTPSProxy:   orDash(h.cfg.HTTPSProxy),
		Usage:        orDash(h.cfg.Usage),
	})
}

// Session handles POST /session
func (h *AuxHandler) Session(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, "", &model.SessionDescriptor{
		Auth:  h.cfg.AuthSecret != "",
		Model: h.cfg.Mode,
	})
}

// Verify handles POST /verify
func (h *AuxHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req model.VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateToken(req.Token); err != nil {
		writeFail(w, http.StatusOK, "Secret key is empty")
		return
	}
	if _, ok := middleware.Authenticate(h.cfg.AuthSecret, req.Token); !ok {
		writeFail(w, http.StatusOK, "Secret key is invalid")
		return
	}
	writeSuccess[any](w, "Verify successfully", nil)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
