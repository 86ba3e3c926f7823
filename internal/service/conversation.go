// Package service holds the conversation state store and the streaming ingestion loop.
package service

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatweb/internal/kv"
	"github.com/capitalize-ai/chatweb/internal/model"
	"github.com/capitalize-ai/chatweb/pkg/logger"
)

// StateKey is the storage key holding the serialized conversation state.
const StateKey = "chatStorage"

var (
	// ErrConversationNotFound is returned for unknown conversation ids.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound is returned for an index outside a transcript.
	ErrMessageNotFound = errors.New("message not found")
)

// ConversationStore owns the conversation state and writes it through to a
// kv.Store on every mutation. It is safe for concurrent use.
type ConversationStore struct {
	kv           *kv.Store
	key          string
	defaultTitle string
	newID        func() string
	logger       *logger.Logger

	mu           sync.Mutex
	active       *string
	usingContext bool
	summaries    []model.ConversationSummary
	transcripts  map[string][]model.Message
}

// StoreOption configures a ConversationStore.
type StoreOption func(*ConversationStore)

// WithStateKey overrides the storage key.
func WithStateKey(key string) StoreOption {
	return func(s *ConversationStore) { s.key = key }
}

// WithDefaultTitle sets the title of new conversations.
func WithDefaultTitle(title string) StoreOption {
	return func(s *ConversationStore) { s.defaultTitle = title }
}

// WithIDGenerator overrides conversation id generation.
func WithIDGenerator(fn func() string) StoreOption {
	return func(s *ConversationStore) { s.newID = fn }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *logger.Logger) StoreOption {
	return func(s *ConversationStore) { s.logger = l }
}

// NewConversationStore loads the persisted state from store, overlaying it on
// the default state. Without a stored snapshot the default state is seeded.
func NewConversationStore(store *kv.Store, opts ...StoreOption) (*ConversationStore, error) {
	s := &ConversationStore{
		kv:           store,
		key:          StateKey,
		defaultTitle: model.DefaultTitle,
		newID:        func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrGlobal(s.logger).Named("conversations")

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ConversationStore) load() error {
	state := model.DefaultState(s.defaultTitle)
	found, err := s.kv.Get(s.key, &state)
	if err != nil {
		return fmt.Errorf("failed to load conversation state: %w", err)
	}
	if !found {
		state = model.DefaultState(s.defaultTitle)
	}

	repaired := s.adopt(state)
	if !found || repaired {
		return s.persistLocked()
	}
	return nil
}

// adopt installs state, repairing structural invariants. It reports whether
// anything had to change.
func (s *ConversationStore) adopt(state model.ConversationState) bool {
	repaired := false

	byID := make(map[string][]model.Message, len(state.Transcripts))
	for _, t := range state.Transcripts {
		if _, dup := byID[t.ID]; dup {
			repaired = true
			continue
		}
		msgs := t.Messages
		if msgs == nil {
			msgs = []model.Message{}
		}
		byID[t.ID] = msgs
	}

	s.summaries = make([]model.ConversationSummary, 0, len(state.Summaries))
	s.transcripts = make(map[string][]model.Message, len(state.Summaries))
	for _, sum := range state.Summaries {
		if _, dup := s.transcripts[sum.ID]; dup || sum.ID == "" {
			repaired = true
			continue
		}
		msgs, ok := byID[sum.ID]
		if !ok {
			msgs = []model.Message{}
			repaired = true
		}
		for i := range msgs {
			if msgs[i].IsLoading {
				msgs[i].IsLoading = false
				repaired = true
			}
		}
		s.summaries = append(s.summaries, sum)
		s.transcripts[sum.ID] = msgs
	}
	if len(s.transcripts) != len(byID) {
		repaired = true
	}

	s.usingContext = state.UsingContext
	s.active = state.Active

	if len(s.summaries) == 0 {
		s.seedLocked()
		repaired = true
	}
	if s.active != nil {
		if _, ok := s.transcripts[*s.active]; !ok {
			s.active = model.Ptr(s.summaries[0].ID)
			repaired = true
		}
	}

	if repaired {
		s.logger.Info("repaired stored conversation state", zap.Int("conversations", len(s.summaries)))
	}
	return repaired
}

func (s *ConversationStore) seedLocked() string {
	id := s.newID()
	s.summaries = append(s.summaries, model.ConversationSummary{ID: id, Title: s.defaultTitle})
	s.transcripts[id] = []model.Message{}
	s.active = model.Ptr(id)
	return id
}

func (s *ConversationStore) snapshotLocked() model.ConversationState {
	state := model.ConversationState{
		UsingContext: s.usingContext,
		Summaries:    append([]model.ConversationSummary{}, s.summaries...),
		Transcripts:  make([]model.Transcript, 0, len(s.summaries)),
	}
	if s.active != nil {
		state.Active = model.Ptr(*s.active)
	}
	for _, sum := range s.summaries {
		state.Transcripts = append(state.Transcripts, model.Transcript{
			ID:       sum.ID,
			Messages: s.transcripts[sum.ID],
		})
	}
	return state
}

func (s *ConversationStore) persistLocked() error {
	if err := s.kv.Set(s.key, s.snapshotLocked()); err != nil {
		return fmt.Errorf("failed to persist conversation state: %w", err)
	}
	return nil
}

func (s *ConversationStore) indexOf(id string) int {
	for i, sum := range s.summaries {
		if sum.ID == id {
			return i
		}
	}
	return -1
}

// =============================================================================
// MUTATIONS
// =============================================================================

// CreateConversation adds an empty default-titled conversation and activates it.
func (s *ConversationStore) CreateConversation() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.seedLocked()
	s.logger.Debug("conversation created", zap.String("conversation_id", id))
	return id, s.persistLocked()
}

// DeleteConversation removes a conversation. Deleting the active one activates
// the first remaining conversation. Deleting the last one seeds a fresh default.
func (s *ConversationStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return ErrConversationNotFound
	}

	s.summaries = append(s.summaries[:idx], s.summaries[idx+1:]...)
	delete(s.transcripts, id)

	switch {
	case len(s.summaries) == 0:
		s.seedLocked()
	case s.active != nil && *s.active == id:
		s.active = model.Ptr(s.summaries[0].ID)
	}

	s.logger.Debug("conversation deleted", zap.String("conversation_id", id))
	return s.persistLocked()
}

// AppendMessage appends msg to a transcript. An unknown conversation id is a
// no-op. A conversation still carrying the default title is renamed after the message.
func (s *ConversationStore) AppendMessage(conversationID string, msg model.Message) error {
	_, err := s.appendIndexed(conversationID, msg)
	if errors.Is(err, ErrConversationNotFound) {
		s.logger.Debug("append to unknown conversation ignored", zap.String("conversation_id", conversationID))
		return nil
	}
	return err
}

func (s *ConversationStore) appendIndexed(conversationID string, msg model.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.transcripts[conversationID]
	if !ok {
		return -1, ErrConversationNotFound
	}
	s.transcripts[conversationID] = append(msgs, msg.Clone())

	if idx := s.indexOf(conversationID); idx >= 0 && s.summaries[idx].Title == s.defaultTitle && msg.Text != "" {
		s.summaries[idx].Title = msg.Text
	}
	return len(msgs), s.persistLocked()
}

// ReplaceMessageAt overwrites one slot.
func (s *ConversationStore) ReplaceMessageAt(conversationID string, index int, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.slotLocked(conversationID, index)
	if err != nil {
		return err
	}
	msgs[index] = msg.Clone()
	return s.persistLocked()
}

// PatchMessageAt merges the set fields of patch into one slot.
func (s *ConversationStore) PatchMessageAt(conversationID string, index int, patch model.MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.slotLocked(conversationID, index)
	if err != nil {
		return err
	}
	msgs[index] = msgs[index].Apply(patch)
	return s.persistLocked()
}

// PatchMessage merges patch into the message carrying messageID, wherever it
// sits now. It returns ErrMessageNotFound once the message has been removed.
func (s *ConversationStore) PatchMessage(conversationID, messageID string, patch model.MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, index, err := s.locateLocked(conversationID, messageID)
	if err != nil {
		return err
	}
	msgs[index] = msgs[index].Apply(patch)
	return s.persistLocked()
}

// DeleteMessageAt removes one slot, shifting later messages down.
func (s *ConversationStore) DeleteMessageAt(conversationID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.slotLocked(conversationID, index)
	if err != nil {
		return err
	}
	s.transcripts[conversationID] = append(msgs[:index], msgs[index+1:]...)
	return s.persistLocked()
}

// ClearConversation empties a transcript, keeping its summary.
func (s *ConversationStore) ClearConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transcripts[conversationID]; !ok {
		return ErrConversationNotFound
	}
	s.transcripts[conversationID] = []model.Message{}
	return s.persistLocked()
}

// ClearAll resets to the default state.
func (s *ConversationStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.adopt(model.DefaultState(s.defaultTitle))
	return s.persistLocked()
}

// UpdateSummary edits a summary. Nil arguments are left unchanged.
func (s *ConversationStore) UpdateSummary(conversationID string, title *string, isEditable *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(conversationID)
	if idx < 0 {
		return ErrConversationNotFound
	}
	if title != nil {
		s.summaries[idx].Title = *title
	}
	if isEditable != nil {
		s.summaries[idx].IsEditable = *isEditable
	}
	return s.persistLocked()
}

// SetUsingContext sets the context forwarding flag.
func (s *ConversationStore) SetUsingContext(flag bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usingContext = flag
	return s.persistLocked()
}

// SetActiveConversation selects the displayed conversation.
func (s *ConversationStore) SetActiveConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transcripts[conversationID]; !ok {
		return ErrConversationNotFound
	}
	s.active = model.Ptr(conversationID)
	return s.persistLocked()
}

func (s *ConversationStore) slotLocked(conversationID string, index int) ([]model.Message, error) {
	msgs, ok := s.transcripts[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if index < 0 || index >= len(msgs) {
		return nil, ErrMessageNotFound
	}
	return msgs, nil
}

func (s *ConversationStore) locateLocked(conversationID, messageID string) ([]model.Message, int, error) {
	msgs, ok := s.transcripts[conversationID]
	if !ok {
		return nil, -1, ErrConversationNotFound
	}
	if messageID != "" {
		for i := range msgs {
			if msgs[i].ID == messageID {
				return msgs, i, nil
			}
		}
	}
	return nil, -1, ErrMessageNotFound
}

// =============================================================================
// READS
// =============================================================================

// MessageByID returns the current index and a copy of the message carrying messageID.
func (s *ConversationStore) MessageByID(conversationID, messageID string) (int, model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, index, err := s.locateLocked(conversationID, messageID)
	if err != nil {
		return -1, model.Message{}, false
	}
	return index, msgs[index].Clone(), true
}

// GetMessageAt returns a copy of one slot.
func (s *ConversationStore) GetMessageAt(conversationID string, index int) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.slotLocked(conversationID, index)
	if err != nil {
		return model.Message{}, false
	}
	return msgs[index].Clone(), true
}

// Transcript returns a copy of a conversation's messages.
func (s *ConversationStore) Transcript(conversationID string) ([]model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.transcripts[conversationID]
	if !ok {
		return nil, false
	}
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out, true
}

// Summaries returns the history list in display order.
func (s *ConversationStore) Summaries() []model.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ConversationSummary{}, s.summaries...)
}

// HasConversation reports whether id exists.
func (s *ConversationStore) HasConversation(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.transcripts[conversationID]
	return ok
}

// Active returns the active conversation id, if any.
func (s *ConversationStore) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return *s.active, true
}

// UsingContext reports whether context forwarding is enabled.
func (s *ConversationStore) UsingContext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usingContext
}

// LastContext returns the chaining ids of the newest response in a
// conversation that carries them, or nil.
func (s *ConversationStore) LastContext(conversationID string) *model.ConversationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.transcripts[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].IsInverted && !msgs[i].ConversationOptions.IsZero() {
			return msgs[i].ConversationOptions.Clone()
		}
	}
	return nil
}

// Snapshot returns a deep copy of the state as persisted.
func (s *ConversationStore) Snapshot() model.ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.snapshotLocked()
	for i, t := range state.Transcripts {
		msgs := make([]model.Message, len(t.Messages))
		for j, m := range t.Messages {
			msgs[j] = m.Clone()
		}
		state.Transcripts[i].Messages = msgs
	}
	return state
}
