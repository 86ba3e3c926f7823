package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatweb/internal/middleware"
	"github.com/capitalize-ai/chatweb/internal/model"
	"github.com/capitalize-ai/chatweb/internal/service"
	"github.com/capitalize-ai/chatweb/pkg/logger"
	"github.com/capitalize-ai/chatweb/pkg/metrics"
)

// Relay answers chat requests.
type Relay interface {
	Process(ctx context.Context, req *model.ChatRequest, onPartial service.PartialFunc) (*model.ConversationResponse, error)
}

// ChatHandler handles /chat and /chat-process.
type ChatHandler struct {
	relay  Relay
	logger *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(relay Relay, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		relay:  relay,
		logger: logger.OrGlobal(log).Named("chat"),
	}
}

func (h *ChatHandler) decode(w http.ResponseWriter, r *http.Request) (*model.ChatRequest, bool) {
	var req model.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if err := middleware.ValidateChatRequest(&req); err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &req, true
}

// Chat handles POST /chat: one enveloped response once the upstream completes.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	resp, err := h.relay.Process(r.Context(), req, nil)
	if err != nil {
		h.logger.Warn("chat failed",
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		writeFail(w, http.StatusBadGateway, err.Error())
		return
	}
	writeSuccess(w, "", resp)
}

// Process handles POST /chat-process: newline separated cumulative responses,
// flushed as the upstream produces text. A failure after the first line is
// reported as a trailing Fail envelope.
func (h *ChatHandler) Process(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFail(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementStreams()
	defer metrics.DecrementStreams()

	ctx := r.Context()
	started := false
	writeLine := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if !started {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
		} else if _, err := w.Write([]byte("\n")); err != nil {
			return err
		}
		started = true
		if _, err := w.Write(data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	final, err := h.relay.Process(ctx, req, func(resp *model.ConversationResponse) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return writeLine(resp)
	})
	log := h.logger.With(zap.String("correlation_id", middleware.GetCorrelationID(ctx)))
	if err == nil {
		// The closing line carries the upstream detail.
		if werr := writeLine(final); werr != nil {
			log.Debug("failed to write final line", zap.Error(werr))
		}
		return
	}

	if ctx.Err() != nil {
		log.Info("client went away mid-stream")
		return
	}
	log.Warn("chat-process failed", zap.Bool("started", started), zap.Error(err))

	if !started {
		writeFail(w, http.StatusBadGateway, err.Error())
		return
	}
	if werr := writeLine(model.Envelope[any]{Status: model.StatusFail, Message: err.Error()}); werr != nil {
		log.Debug("failed to write failure line", zap.Error(werr))
	}
}
