package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatweb/internal/kv"
	"github.com/capitalize-ai/chatweb/internal/llm"
	"github.com/capitalize-ai/chatweb/internal/model"
	"github.com/capitalize-ai/chatweb/pkg/logger"
	"github.com/capitalize-ai/chatweb/pkg/metrics"
	"github.com/capitalize-ai/chatweb/pkg/tracing"
)

const (
	turnKeyPrefix = "turn:"
	tracerName    = "chatweb/relay"
)

// Journal records finished exchanges.
type Journal interface {
	PublishExchange(ctx context.Context, ex *model.Exchange) (uint64, error)
}

// RelayConfig controls how chat requests are forwarded upstream.
type RelayConfig struct {
	// Mode is model.ModeDirectAPI or model.ModeProxyAPI. Only direct mode
	// honours per-request tuning fields.
	Mode               string
	SystemMessage      string
	Temperature        float64
	TopP               float64
	MaxTokens          int
	MaxContextMessages int
	// Timeout bounds one upstream call; zero means no bound.
	Timeout time.Duration
}

// PartialFunc receives the cumulative response after every upstream delta.
type PartialFunc func(resp *model.ConversationResponse) error

// RelayService answers chat requests from an upstream provider, remembering
// turns so parentMessageId chains can be replayed as context.
type RelayService struct {
	llm     llm.Client
	turns   *kv.Store
	journal Journal
	cfg     RelayConfig
	logger  *logger.Logger
	newID   func() string
	now     func() time.Time
}

// NewRelayService creates a relay service. journal may be nil.
func NewRelayService(client llm.Client, turns *kv.Store, journal Journal, cfg RelayConfig, log *logger.Logger) *RelayService {
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = 20
	}
	return &RelayService{
		llm:     client,
		turns:   turns,
		journal: journal,
		cfg:     cfg,
		logger:  logger.OrGlobal(log).Named("relay"),
		newID:   func() string { return uuid.Must(uuid.NewV7()).String() },
		now:     time.Now,
	}
}

// Mode returns the backend mode reported to clients.
func (s *RelayService) Mode() string {
	return s.cfg.Mode
}

// Provider returns the upstream provider name.
func (s *RelayService) Provider() string {
	if s.llm == nil {
		return ""
	}
	return s.llm.Name()
}

// ErrNoUpstream is returned when no provider is configured.
var ErrNoUpstream = errors.New("no upstream LLM configured")

// Process answers req. With a nil onPartial the upstream is called without streaming.
func (s *RelayService) Process(ctx context.Context, req *model.ChatRequest, onPartial PartialFunc) (resp *model.ConversationResponse, err error) {
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "relay.process", trace.WithAttributes(
		attribute.String("relay.mode", s.cfg.Mode),
		attribute.Bool("relay.stream", onPartial != nil),
	))
	defer func() { tracing.Finish(span, err) }()

	if s.llm == nil {
		return nil, ErrNoUpstream
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	var opts model.ConversationRequest
	if req.Options != nil {
		opts = *req.Options
	}
	if opts.ConversationID == "" {
		opts.ConversationID = s.newID()
	}

	user := model.StoredTurn{
		ID:              s.newID(),
		ParentMessageID: opts.ParentMessageID,
		ConversationID:  opts.ConversationID,
		Role:            model.RoleUser,
		Text:            req.Prompt,
	}

	creq := s.completionRequest(req, append(s.history(opts.ParentMessageID), llm.ChatMessage{
		Role:    string(model.RoleUser),
		Content: req.Prompt,
	}))

	span.SetAttributes(
		attribute.String("chat.conversation_id", opts.ConversationID),
		attribute.Int("relay.context_messages", len(creq.Messages)-1),
	)

	resp = &model.ConversationResponse{
		ID:              s.newID(),
		ConversationID:  opts.ConversationID,
		ParentMessageID: user.ID,
		Role:            model.RoleAssistant,
	}

	log := s.logger.With(zap.String("conversation_id", opts.ConversationID), zap.String("provider", s.llm.Name()))
	start := s.now()

	out, err := s.upstream(ctx, creq, resp, onPartial)

	status := model.ExchangeCompleted
	if err != nil {
		status = model.ExchangeFailed
		if ctx.Err() != nil {
			status = model.ExchangeCancelled
		}
	}
	metrics.RecordLLMStream(s.llm.Name(), string(status), s.now().Sub(start).Seconds(), tokensIn(out), tokensOut(out))
	s.journalExchange(ctx, log, user, resp, out, status, err, start)

	span.SetAttributes(attribute.String("relay.status", string(status)))
	if err != nil {
		log.Warn("upstream completion failed", zap.String("status", string(status)), zap.Error(err))
		return nil, fmt.Errorf("failed to complete: %w", err)
	}

	resp.Text = out.Content
	resp.Detail = &model.ResponseDetail{
		Choices: []model.Choice{{Text: out.Content, Index: 0, FinishReason: out.StopReason}},
		Created: start.Unix(),
		ID:      out.ID,
		Model:   out.Model,
		Object:  "chat.completion",
		Usage: &model.Usage{
			PromptTokens:     out.TokensIn,
			CompletionTokens: out.TokensOut,
			TotalTokens:      out.TokensIn + out.TokensOut,
		},
	}

	s.remember(log, user)
	s.remember(log, model.StoredTurn{
		ID:              resp.ID,
		ParentMessageID: user.ID,
		ConversationID:  resp.ConversationID,
		Role:            model.RoleAssistant,
		Text:            resp.Text,
	})

	log.Info("completion relayed",
		zap.Int("tokens_in", out.TokensIn),
		zap.Int("tokens_out", out.TokensOut),
		zap.Int64("latency_ms", out.LatencyMs),
	)
	return resp, nil
}

// upstream calls the provider, streaming cumulative text into resp when onPartial is set.
func (s *RelayService) upstream(ctx context.Context, creq *llm.CompletionRequest, resp *model.ConversationResponse, onPartial PartialFunc) (out *llm.CompletionResponse, err error) {
	name := "llm.complete"
	if onPartial != nil {
		name = "llm.stream"
	}
	ctx, span := tracing.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("llm.provider", s.llm.Name())),
	)
	defer func() {
		if out != nil {
			span.SetAttributes(
				attribute.String("llm.model", out.Model),
				attribute.Int("llm.tokens_in", out.TokensIn),
				attribute.Int("llm.tokens_out", out.TokensOut),
			)
		}
		tracing.Finish(span, err)
	}()

	if onPartial == nil {
		return s.llm.Complete(ctx, creq)
	}
	var text strings.Builder
	return s.llm.CompleteStream(ctx, creq, func(token string, _ int) error {
		text.WriteString(token)
		resp.Text = text.String()
		return onPartial(resp)
	})
}

func (s *RelayService) completionRequest(req *model.ChatRequest, messages []llm.ChatMessage) *llm.CompletionRequest {
	creq := &llm.CompletionRequest{
		System:      s.cfg.SystemMessage,
		Messages:    messages,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		TopP:        s.cfg.TopP,
	}
	if s.cfg.Mode != model.ModeDirectAPI {
		return creq
	}
	if req.SystemMessage != nil {
		creq.System = *req.SystemMessage
	}
	if req.Temperature != nil {
		creq.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		creq.TopP = *req.TopP
	}
	return creq
}

// history walks the parent chain back from parentID, oldest turn first.
func (s *RelayService) history(parentID string) []llm.ChatMessage {
	var rev []llm.ChatMessage
	seen := make(map[string]bool)
	for id := parentID; id != "" && len(rev) < s.cfg.MaxContextMessages && !seen[id]; {
		seen[id] = true

		var turn model.StoredTurn
		ok, err := s.turns.Get(turnKeyPrefix+id, &turn)
		if err != nil {
			s.logger.Warn("failed to load turn", zap.String("message_id", id), zap.Error(err))
			break
		}
		if !ok {
			break
		}
		rev = append(rev, llm.ChatMessage{Role: string(turn.Role), Content: turn.Text})
		id = turn.ParentMessageID
	}

	out := make([]llm.ChatMessage, len(rev))
	for i, m := range rev {
		out[len(rev)-1-i] = m
	}
	return out
}

func (s *RelayService) remember(log *logger.Logger, turn model.StoredTurn) {
	if err := s.turns.Set(turnKeyPrefix+turn.ID, turn); err != nil {
		log.Warn("failed to store turn", zap.String("message_id", turn.ID), zap.Error(err))
	}
}

func (s *RelayService) journalExchange(ctx context.Context, log *logger.Logger, user model.StoredTurn, resp *model.ConversationResponse, out *llm.CompletionResponse, status model.ExchangeStatus, cause error, start time.Time) {
	if s.journal == nil {
		return
	}

	ex := &model.Exchange{
		ID:             resp.ID,
		ConversationID: resp.ConversationID,
		UserMessageID:  user.ID,
		Prompt:         user.Text,
		Response:       resp.Text,
		Provider:       s.llm.Name(),
		Status:         status,
		LatencyMs:      s.now().Sub(start).Milliseconds(),
		CreatedAt:      start,
	}
	if out != nil {
		ex.Response = out.Content
		ex.Model = out.Model
		ex.TokensIn = out.TokensIn
		ex.TokensOut = out.TokensOut
	}
	if cause != nil {
		ex.Reason = cause.Error()
	}

	// The request context may already be cancelled; journal on a detached one.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := s.journal.PublishExchange(pubCtx, ex); err != nil {
		metrics.ExchangesPublished.WithLabelValues("error").Inc()
		log.Warn("failed to journal exchange", zap.Error(err))
		return
	}
	metrics.ExchangesPublished.WithLabelValues(string(status)).Inc()
}

func tokensIn(out *llm.CompletionResponse) int {
	if out == nil {
		return 0
	}
	return out.TokensIn
}

func tokensOut(out *llm.CompletionResponse) int {
	if out == nil {
		return 0
	}
	return out.TokensOut
}
