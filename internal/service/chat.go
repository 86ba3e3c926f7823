package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatweb/internal/api"
	"github.com/capitalize-ai/chatweb/internal/model"
	"github.com/capitalize-ai/chatweb/pkg/logger"
	"github.com/capitalize-ai/chatweb/pkg/metrics"
)

// Phase is the lifecycle state of one in-flight response slot.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseStreaming Phase = "streaming"
	PhaseCommitted Phase = "committed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Terminal reports whether no further updates follow.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseFailed || p == PhaseCancelled
}

// DefaultCancelMarker terminates the text of a cancelled response.
const DefaultCancelMarker = "[Request cancelled]"

// TimestampLayout formats message timestamps.
const TimestampLayout = "2006/1/2 15:04:05"

var (
	// ErrEmptyPrompt is returned when the prompt is blank.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrSlotBusy is returned when a slot already has a response in flight.
	ErrSlotBusy = errors.New("message slot has a response in flight")
	// ErrNotResponse is returned when regenerating a user-authored message.
	ErrNotResponse = errors.New("message is not a response")
	// ErrSlotRemoved ends a response whose slot was deleted while it was in flight.
	ErrSlotRemoved = errors.New("message slot was removed")
)

// Completer issues completion calls. *api.Client implements it.
type Completer interface {
	FetchCompletion(ctx context.Context, prompt string, opts *model.ConversationRequest) (*model.ConversationResponse, error)
	FetchCompletionStream(ctx context.Context, prompt string, opts *model.ConversationRequest, onProgress api.ProgressFunc) (*model.ConversationResponse, error)
}

// Observer is notified after every change applied to a response slot.
type Observer func(conversationID string, index int, msg model.Message, phase Phase)

// Result describes how a response slot ended. Index is -1 when the slot was
// removed while the request was in flight.
type Result struct {
	ConversationID string
	Index          int
	Phase          Phase
	Message        model.Message
	Err            error
}

type slotKey struct {
	conversationID string
	messageID      string
}

// ChatService drives prompts through a Completer and folds the responses into
// a ConversationStore.
type ChatService struct {
	store        *ConversationStore
	client       Completer
	logger       *logger.Logger
	observer     Observer
	now          func() time.Time
	newID        func() string
	cancelMarker string

	mu       sync.Mutex
	inflight map[slotKey]context.CancelFunc
}

// ChatOption configures a ChatService.
type ChatOption func(*ChatService)

// WithObserver registers a change observer.
func WithObserver(fn Observer) ChatOption {
	return func(s *ChatService) { s.observer = fn }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) ChatOption {
	return func(s *ChatService) { s.now = now }
}

// WithCancelMarker overrides the text appended to cancelled responses.
func WithCancelMarker(marker string) ChatOption {
	return func(s *ChatService) { s.cancelMarker = marker }
}

// WithChatLogger sets the logger.
func WithChatLogger(l *logger.Logger) ChatOption {
	return func(s *ChatService) { s.logger = l }
}

// NewChatService creates a chat service.
func NewChatService(store *ConversationStore, client Completer, opts ...ChatOption) *ChatService {
	s := &ChatService{
		store:        store,
		client:       client,
		now:          time.Now,
		newID:        uuid.NewString,
		cancelMarker: DefaultCancelMarker,
		inflight:     make(map[slotKey]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrGlobal(s.logger).Named("chat")
	return s
}

// Send appends the prompt and a pending response to a conversation, then
// streams the response into that slot. It blocks until the slot reaches a
// terminal phase; cancelling ctx ends it as cancelled. Remote failures are
// reported through the Result, not the error.
func (s *ChatService) Send(ctx context.Context, conversationID, prompt string) (*Result, error) {
	return s.send(ctx, conversationID, prompt, true)
}

// SendOnce is Send over the non-streaming endpoint.
func (s *ChatService) SendOnce(ctx context.Context, conversationID, prompt string) (*Result, error) {
	return s.send(ctx, conversationID, prompt, false)
}

// Regenerate re-issues the request that produced the response at index,
// streaming into the same slot.
func (s *ChatService) Regenerate(ctx context.Context, conversationID string, index int) (*Result, error) {
	msg, ok := s.store.GetMessageAt(conversationID, index)
	if !ok {
		if !s.store.HasConversation(conversationID) {
			return nil, ErrConversationNotFound
		}
		return nil, ErrMessageNotFound
	}
	if msg.IsInverted {
		return nil, ErrNotResponse
	}
	if msg.IsLoading {
		return nil, ErrSlotBusy
	}

	id := msg.ID
	if id == "" {
		id = s.newID()
	}
	key := slotKey{conversationID, id}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.register(key, cancel) {
		return nil, ErrSlotBusy
	}
	defer s.unregister(key)

	reqOpts := msg.RequestOptions
	reqOpts.Options = reqOpts.Options.Clone()
	var err error
	if msg.ID != "" {
		err = s.store.PatchMessage(conversationID, id, model.MessagePatch{
			Timestamp:                model.Ptr(s.timestamp()),
			Text:                     model.Ptr(""),
			HasError:                 model.Ptr(false),
			IsLoading:                model.Ptr(true),
			RequestOptions:           &reqOpts,
			ClearConversationOptions: true,
		})
	} else {
		err = s.store.ReplaceMessageAt(conversationID, index, model.Message{
			ID:             id,
			Timestamp:      s.timestamp(),
			IsLoading:      true,
			RequestOptions: reqOpts,
		})
	}
	if err != nil {
		return nil, err
	}
	s.notify(key, PhasePending)
	return s.ingest(ctx, cancel, key, reqOpts, true), nil
}

// Stop cancels every response in flight for a conversation and returns how many were signalled.
func (s *ChatService) Stop(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, cancel := range s.inflight {
		if key.conversationID == conversationID {
			cancel()
			n++
		}
	}
	return n
}

// StopAll cancels every response in flight.
func (s *ChatService) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.inflight {
		cancel()
	}
}

func (s *ChatService) send(ctx context.Context, conversationID, prompt string, stream bool) (*Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if !s.store.HasConversation(conversationID) {
		return nil, ErrConversationNotFound
	}

	key := slotKey{conversationID, s.newID()}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.register(key, cancel) {
		return nil, ErrSlotBusy
	}
	defer s.unregister(key)

	reqOpts, err := s.prepare(key, prompt)
	if err != nil {
		return nil, err
	}
	return s.ingest(ctx, cancel, key, reqOpts, stream), nil
}

func (s *ChatService) prepare(key slotKey, prompt string) (model.RequestOptions, error) {
	var opts *model.ConversationRequest
	if s.store.UsingContext() {
		opts = s.store.LastContext(key.conversationID)
	}
	reqOpts := model.RequestOptions{Prompt: prompt, Options: opts}
	ts := s.timestamp()

	if _, err := s.store.appendIndexed(key.conversationID, model.Message{
		Timestamp:      ts,
		Text:           prompt,
		IsInverted:     true,
		RequestOptions: reqOpts,
	}); err != nil {
		return model.RequestOptions{}, err
	}

	if _, err := s.store.appendIndexed(key.conversationID, model.Message{
		ID:             key.messageID,
		Timestamp:      ts,
		IsLoading:      true,
		RequestOptions: reqOpts,
	}); err != nil {
		return model.RequestOptions{}, err
	}
	s.notify(key, PhasePending)
	return reqOpts, nil
}

// =============================================================================
// INGESTION
// =============================================================================

type ingestion struct {
	mu     sync.Mutex
	phase  Phase
	text   string
	err    error
	cancel context.CancelFunc
}

func (s *ChatService) ingest(ctx context.Context, cancel context.CancelFunc, key slotKey, reqOpts model.RequestOptions, stream bool) *Result {
	log := s.logger.WithConversation(key.conversationID, key.messageID)
	in := &ingestion{phase: PhasePending, cancel: cancel}

	var (
		resp *model.ConversationResponse
		err  error
	)
	if stream {
		resp, err = s.client.FetchCompletionStream(ctx, reqOpts.Prompt, reqOpts.Options, func(raw string) {
			s.progress(ctx, log, in, key, raw)
		})
	} else {
		resp, err = s.client.FetchCompletion(ctx, reqOpts.Prompt, reqOpts.Options)
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.phase.Terminal() {
		switch {
		case err == nil && resp != nil:
			s.commitLocked(log, in, key, resp)
		case api.IsCancelled(err) || ctx.Err() != nil:
			s.cancelLocked(log, in, key)
		default:
			if err == nil {
				err = api.ErrMalformedResponse
			}
			s.failLocked(log, in, key, err)
		}
	}

	index, msg, _ := s.store.MessageByID(key.conversationID, key.messageID)
	return &Result{
		ConversationID: key.conversationID,
		Index:          index,
		Phase:          in.phase,
		Message:        msg,
		Err:            in.err,
	}
}

func (s *ChatService) progress(ctx context.Context, log *logger.Logger, in *ingestion, key slotKey, raw string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.phase.Terminal() {
		log.Debug("suppressed late progress event", zap.String("phase", string(in.phase)))
		return
	}
	if ctx.Err() != nil {
		s.cancelLocked(log, in, key)
		return
	}

	resp, ok := api.ParseLatest(raw)
	if !ok {
		return
	}

	patch := model.MessagePatch{Text: model.Ptr(resp.Text)}
	if resp.ID != "" || resp.ConversationID != "" {
		patch.ConversationOptions = resp.Options()
	}
	in.phase = PhaseStreaming
	in.text = resp.Text
	s.applyLocked(log, in, key, patch)
}

func (s *ChatService) commitLocked(log *logger.Logger, in *ingestion, key slotKey, resp *model.ConversationResponse) {
	in.phase = PhaseCommitted
	in.text = resp.Text
	s.applyLocked(log, in, key, model.MessagePatch{
		Text:                model.Ptr(resp.Text),
		IsLoading:           model.Ptr(false),
		HasError:            model.Ptr(false),
		ConversationOptions: resp.Options(),
	})
	metrics.RecordIngest(string(in.phase))
	log.Debug("response committed", zap.Int("chars", len(resp.Text)))
}

func (s *ChatService) failLocked(log *logger.Logger, in *ingestion, key slotKey, err error) {
	in.phase = PhaseFailed
	in.err = err

	text := api.Describe(err)
	if in.text != "" {
		text = in.text + "\n[" + text + "]"
	}
	s.applyLocked(log, in, key, model.MessagePatch{
		Text:      model.Ptr(text),
		IsLoading: model.Ptr(false),
		HasError:  model.Ptr(true),
	})
	metrics.RecordIngest(string(in.phase))
	log.Warn("response failed", zap.String("kind", string(api.KindOf(err))), zap.Error(err))
}

func (s *ChatService) cancelLocked(log *logger.Logger, in *ingestion, key slotKey) {
	in.phase = PhaseCancelled
	in.err = api.ErrCancelled

	text := s.cancelMarker
	if in.text != "" {
		text = in.text + "\n" + s.cancelMarker
	}
	s.applyLocked(log, in, key, model.MessagePatch{
		Text:      model.Ptr(text),
		IsLoading: model.Ptr(false),
		HasError:  model.Ptr(true),
	})
	metrics.RecordIngest(string(in.phase))
	log.Info("response cancelled")
}

// applyLocked patches the slot by id. A slot removed from its transcript ends
// the ingestion as cancelled and aborts the request.
func (s *ChatService) applyLocked(log *logger.Logger, in *ingestion, key slotKey, patch model.MessagePatch) {
	err := s.store.PatchMessage(key.conversationID, key.messageID, patch)
	switch {
	case err == nil:
		s.notify(key, in.phase)
	case errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrConversationNotFound):
		log.Info("response slot removed, abandoning request", zap.String("phase", string(in.phase)))
		if !in.phase.Terminal() {
			metrics.RecordIngest(string(PhaseCancelled))
		}
		in.phase = PhaseCancelled
		in.err = ErrSlotRemoved
		in.cancel()
	default:
		log.Warn("failed to apply response update", zap.String("phase", string(in.phase)), zap.Error(err))
	}
}

func (s *ChatService) notify(key slotKey, phase Phase) {
	if s.observer == nil {
		return
	}
	if index, msg, ok := s.store.MessageByID(key.conversationID, key.messageID); ok {
		s.observer(key.conversationID, index, msg, phase)
	}
}

func (s *ChatService) register(key slotKey, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = cancel
	return true
}

func (s *ChatService) unregister(key slotKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

func (s *ChatService) timestamp() string {
	return s.now().Format(TimestampLayout)
}
