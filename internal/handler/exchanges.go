package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatweb/internal/model"
	"github.com/capitalize-ai/chatweb/pkg/logger"
)

const (
	defaultExchangeLimit = 50
	maxExchangeLimit     = 500
)

// ExchangeReader reads the exchange journal.
type ExchangeReader interface {
	GetExchanges(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.Exchange, bool, error)
}

// ExchangePage is one page of journaled exchanges.
type ExchangePage struct {
	Exchanges []model.Exchange `json:"exchanges"`
	HasMore   bool             `json:"hasMore"`
}

// ExchangeHandler serves the exchange journal.
type ExchangeHandler struct {
	journal ExchangeReader
	logger  *logger.Logger
}

// NewExchangeHandler creates a new exchange handler.
func NewExchangeHandler(journal ExchangeReader, log *logger.Logger) *ExchangeHandler {
	return &ExchangeHandler{journal: journal, logger: logger.OrGlobal(log).Named("exchanges")}
}

// List handles GET /exchanges/{conversationId}
// Supports ?after=N to page past a stream sequence and ?limit=M.
func (h *ExchangeHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	if conversationID == "" {
		writeFail(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeFail(w, http.StatusBadRequest, "invalid after sequence")
			return
		}
		after = seq
	}

	limit := defaultExchangeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeFail(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxExchangeLimit)
	}

	exchanges, more, err := h.journal.GetExchanges(r.Context(), conversationID, after, limit)
	if err != nil {
		h.logger.Error("failed to read exchanges", zap.String("conversation_id", conversationID), zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "failed to read exchanges")
		return
	}
	if exchanges == nil {
		exchanges = []model.Exchange{}
	}
	writeSuccess(w, "", &ExchangePage{Exchanges: exchanges, HasMore: more})
}
