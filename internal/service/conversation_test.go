package service

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatweb/internal/kv"
	"github.com/capitalize-ai/chatweb/internal/model"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("conv-%d", n)
	}
}

func newTestStore(t *testing.T, backend kv.Backend) *ConversationStore {
	t.Helper()
	s, err := NewConversationStore(kv.NewDurable(backend), WithIDGenerator(sequentialIDs()))
	require.NoError(t, err)
	return s
}

func assertStructure(t *testing.T, s *ConversationStore) {
	t.Helper()
	state := s.Snapshot()
	require.Len(t, state.Transcripts, len(state.Summaries))

	ids := make(map[string]bool)
	for i, sum := range state.Summaries {
		assert.False(t, ids[sum.ID], "duplicate id %s", sum.ID)
		ids[sum.ID] = true
		assert.Equal(t, sum.ID, state.Transcripts[i].ID)
	}
	if state.Active != nil {
		assert.True(t, ids[*state.Active], "active id %s must exist", *state.Active)
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestNewConversationStore_SeedsDefault(t *testing.T) {
	mem := kv.NewMemory()
	s := newTestStore(t, mem)

	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, model.DefaultConversationID, active)
	assert.True(t, s.UsingContext())
	assert.Equal(t, []model.ConversationSummary{{ID: model.DefaultConversationID, Title: model.DefaultTitle}}, s.Summaries())

	_, present, err := mem.Get(StateKey)
	require.NoError(t, err)
	assert.True(t, present, "seeded state is persisted")
}

func TestNewConversationStore_OverlaysStoredFields(t *testing.T) {
	mem := kv.NewMemory()
	durable := kv.NewDurable(mem)
	require.NoError(t, durable.Set(StateKey, map[string]any{"usingContext": false}))

	s := newTestStore(t, mem)
	assert.False(t, s.UsingContext())
	assert.Equal(t, []model.ConversationSummary{{ID: model.DefaultConversationID, Title: model.DefaultTitle}}, s.Summaries())
	assertStructure(t, s)
}

func TestNewConversationStore_CorruptSnapshotFallsBackToDefault(t *testing.T) {
	mem := kv.NewMemory()
	require.NoError(t, mem.Set(StateKey, []byte("not json")))

	s := newTestStore(t, mem)
	assert.Len(t, s.Summaries(), 1)
	assertStructure(t, s)
}

func TestNewConversationStore_RepairsBrokenSnapshot(t *testing.T) {
	mem := kv.NewMemory()
	durable := kv.NewDurable(mem)
	require.NoError(t, durable.Set(StateKey, model.ConversationState{
		Active:       model.Ptr("gone"),
		UsingContext: true,
		Summaries: []model.ConversationSummary{
			{ID: "a", Title: "A"},
			{ID: "b", Title: "B"},
		},
		Transcripts: []model.Transcript{
			{ID: "a", Messages: []model.Message{{Text: "half", IsLoading: true}}},
			{ID: "orphan"},
		},
	}))

	s := newTestStore(t, mem)
	assertStructure(t, s)

	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, "a", active)

	msg, ok := s.GetMessageAt("a", 0)
	require.True(t, ok)
	assert.False(t, msg.IsLoading, "interrupted responses are no longer loading")

	msgs, ok := s.Transcript("b")
	require.True(t, ok)
	assert.Empty(t, msgs)
	assert.False(t, s.HasConversation("orphan"))
}

func TestConversationStore_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")

	b, err := kv.OpenBolt(path, "")
	require.NoError(t, err)
	s := newTestStore(t, b)
	id, err := s.CreateConversation()
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(id, model.Message{Text: "hello", IsInverted: true}))
	require.NoError(t, s.SetUsingContext(false))
	require.NoError(t, b.Close())

	b, err = kv.OpenBolt(path, "")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	s = newTestStore(t, b)

	active, _ := s.Active()
	assert.Equal(t, id, active)
	assert.False(t, s.UsingContext())
	msgs, ok := s.Transcript(id)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
}

// =============================================================================
// CREATE / DELETE
// =============================================================================

func TestCreateConversation(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())

	id, err := s.CreateConversation()
	require.NoError(t, err)
	assert.Equal(t, "conv-1", id)

	sums := s.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, model.ConversationSummary{ID: id, Title: model.DefaultTitle}, sums[1])

	active, _ := s.Active()
	assert.Equal(t, id, active)
	msgs, ok := s.Transcript(id)
	require.True(t, ok)
	assert.Empty(t, msgs)
}

func TestDeleteConversation_ActiveFallsBackToFirst(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	a, _ := s.CreateConversation()
	b, _ := s.CreateConversation()

	require.NoError(t, s.DeleteConversation(b))
	active, _ := s.Active()
	assert.Equal(t, model.DefaultConversationID, active)
	assert.True(t, s.HasConversation(a))
	assertStructure(t, s)
}

func TestDeleteConversation_InactiveKeepsActive(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	a, _ := s.CreateConversation()
	b, _ := s.CreateConversation()

	require.NoError(t, s.DeleteConversation(a))
	active, _ := s.Active()
	assert.Equal(t, b, active)
}

func TestDeleteConversation_LastCreatesExactlyOneDefault(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())

	require.NoError(t, s.DeleteConversation(model.DefaultConversationID))

	sums := s.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, model.DefaultTitle, sums[0].Title)
	assert.NotEqual(t, model.DefaultConversationID, sums[0].ID)

	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, sums[0].ID, active)
	assertStructure(t, s)
}

func TestDeleteConversation_LastWithoutActiveSeedsDefault(t *testing.T) {
	mem := kv.NewMemory()
	state := model.DefaultState(model.DefaultTitle)
	state.Active = nil
	require.NoError(t, kv.NewDurable(mem).Set(StateKey, state))

	s := newTestStore(t, mem)
	_, ok := s.Active()
	require.False(t, ok)

	require.NoError(t, s.DeleteConversation(model.DefaultConversationID))

	sums := s.Summaries()
	require.Len(t, sums, 1)
	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, sums[0].ID, active)
	assertStructure(t, s)
}

func TestDeleteConversation_Unknown(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	assert.ErrorIs(t, s.DeleteConversation("nope"), ErrConversationNotFound)
}

func TestCreateDeleteSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 20; run++ {
		s := newTestStore(t, kv.NewMemory())
		for op := 0; op < 50; op++ {
			sums := s.Summaries()
			if rng.Intn(2) == 0 || len(sums) == 0 {
				_, err := s.CreateConversation()
				require.NoError(t, err)
			} else {
				victim := sums[rng.Intn(len(sums))].ID
				if rng.Intn(3) == 0 {
					require.NoError(t, s.SetActiveConversation(victim))
				}
				require.NoError(t, s.DeleteConversation(victim))
				assert.NotEmpty(t, s.Summaries())
			}
			assertStructure(t, s)
		}
	}
}

// =============================================================================
// MESSAGES
// =============================================================================

func TestAppendMessage_UnknownConversationIsNoop(t *testing.T) {
	mem := kv.NewMemory()
	s := newTestStore(t, mem)
	before := s.Snapshot()

	require.NoError(t, s.AppendMessage("missing", model.Message{Text: "lost"}))
	assert.Equal(t, before, s.Snapshot())
	assert.False(t, s.HasConversation("missing"))
}

func TestAppendMessage_RenamesDefaultTitle(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())

	require.NoError(t, s.AppendMessage(model.DefaultConversationID, model.Message{Text: "What is Go?", IsInverted: true}))
	require.NoError(t, s.AppendMessage(model.DefaultConversationID, model.Message{Text: "A language."}))

	assert.Equal(t, "What is Go?", s.Summaries()[0].Title)
}

func TestPatchMessage_FollowsShiftedSlot(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	id := model.DefaultConversationID
	require.NoError(t, s.AppendMessage(id, model.Message{Text: "q", IsInverted: true}))
	require.NoError(t, s.AppendMessage(id, model.Message{ID: "r1", IsLoading: true}))

	require.NoError(t, s.DeleteMessageAt(id, 0))
	require.NoError(t, s.PatchMessage(id, "r1", model.MessagePatch{Text: model.Ptr("answer")}))

	index, msg, ok := s.MessageByID(id, "r1")
	require.True(t, ok)
	assert.Equal(t, 0, index)
	assert.Equal(t, "answer", msg.Text)
	assert.True(t, msg.IsLoading)

	require.NoError(t, s.ClearConversation(id))
	assert.ErrorIs(t, s.PatchMessage(id, "r1", model.MessagePatch{Text: model.Ptr("late")}), ErrMessageNotFound)
	assert.ErrorIs(t, s.PatchMessage("missing", "r1", model.MessagePatch{}), ErrConversationNotFound)
	assert.ErrorIs(t, s.PatchMessage(id, "", model.MessagePatch{}), ErrMessageNotFound)
	_, _, ok = s.MessageByID(id, "r1")
	assert.False(t, ok)
}

func TestPatchMessageAt_PreservesUnspecifiedFields(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	id := model.DefaultConversationID
	orig := model.Message{Timestamp: "2024/3/1 12:00:00", IsInverted: true, IsLoading: true}
	require.NoError(t, s.AppendMessage(id, orig))

	require.NoError(t, s.PatchMessageAt(id, 0, model.MessagePatch{Text: model.Ptr("a")}))
	require.NoError(t, s.PatchMessageAt(id, 0, model.MessagePatch{Text: model.Ptr("ab")}))
	require.NoError(t, s.PatchMessageAt(id, 0, model.MessagePatch{IsLoading: model.Ptr(false)}))

	got, ok := s.GetMessageAt(id, 0)
	require.True(t, ok)
	assert.Equal(t, "ab", got.Text)
	assert.False(t, got.IsLoading)
	assert.Equal(t, orig.Timestamp, got.Timestamp)
	assert.True(t, got.IsInverted)
}

func TestReplaceAndDeleteMessageAt(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	id := model.DefaultConversationID
	require.NoError(t, s.AppendMessage(id, model.Message{Text: "one"}))
	require.NoError(t, s.AppendMessage(id, model.Message{Text: "two"}))

	require.NoError(t, s.ReplaceMessageAt(id, 1, model.Message{Text: "deux", HasError: true}))
	got, _ := s.GetMessageAt(id, 1)
	assert.Equal(t, model.Message{Text: "deux", HasError: true}, got)

	require.NoError(t, s.DeleteMessageAt(id, 0))
	msgs, _ := s.Transcript(id)
	require.Len(t, msgs, 1)
	assert.Equal(t, "deux", msgs[0].Text)

	assert.ErrorIs(t, s.ReplaceMessageAt(id, 5, model.Message{}), ErrMessageNotFound)
	assert.ErrorIs(t, s.PatchMessageAt("nope", 0, model.MessagePatch{}), ErrConversationNotFound)
	_, ok := s.GetMessageAt(id, -1)
	assert.False(t, ok)
}

func TestGetMessageAt_ReturnsCopy(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	id := model.DefaultConversationID
	require.NoError(t, s.AppendMessage(id, model.Message{
		Text:                "x",
		ConversationOptions: &model.ConversationRequest{ConversationID: "c1"},
	}))

	got, _ := s.GetMessageAt(id, 0)
	got.ConversationOptions.ConversationID = "mutated"

	again, _ := s.GetMessageAt(id, 0)
	assert.Equal(t, "c1", again.ConversationOptions.ConversationID)
}

func TestLastContext(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	id := model.DefaultConversationID
	assert.Nil(t, s.LastContext(id))

	require.NoError(t, s.AppendMessage(id, model.Message{Text: "q1", IsInverted: true}))
	require.NoError(t, s.AppendMessage(id, model.Message{Text: "a1", ConversationOptions: &model.ConversationRequest{ConversationID: "c1", ParentMessageID: "m1"}}))
	require.NoError(t, s.AppendMessage(id, model.Message{Text: "q2", IsInverted: true}))
	require.NoError(t, s.AppendMessage(id, model.Message{Text: "failed", HasError: true}))

	assert.Equal(t, &model.ConversationRequest{ConversationID: "c1", ParentMessageID: "m1"}, s.LastContext(id))
}

// =============================================================================
// SETTERS
// =============================================================================

func TestSettersPersist(t *testing.T) {
	mem := kv.NewMemory()
	s := newTestStore(t, mem)
	id, _ := s.CreateConversation()

	require.NoError(t, s.SetActiveConversation(model.DefaultConversationID))
	require.NoError(t, s.SetUsingContext(false))
	require.NoError(t, s.UpdateSummary(id, model.Ptr("Renamed"), model.Ptr(true)))
	assert.ErrorIs(t, s.SetActiveConversation("nope"), ErrConversationNotFound)

	var stored model.ConversationState
	ok, err := kv.NewDurable(mem).Get(StateKey, &stored)
	require.NoError(t, err)
	require.True(t, ok)

	require.NotNil(t, stored.Active)
	assert.Equal(t, model.DefaultConversationID, *stored.Active)
	assert.False(t, stored.UsingContext)
	assert.Equal(t, model.ConversationSummary{ID: id, Title: "Renamed", IsEditable: true}, stored.Summaries[1])
}

func TestClearConversationAndClearAll(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	id, _ := s.CreateConversation()
	require.NoError(t, s.AppendMessage(id, model.Message{Text: "x"}))

	require.NoError(t, s.ClearConversation(id))
	msgs, _ := s.Transcript(id)
	assert.Empty(t, msgs)
	assert.ErrorIs(t, s.ClearConversation("nope"), ErrConversationNotFound)

	require.NoError(t, s.ClearAll())
	assert.Equal(t, model.DefaultState(""), s.Snapshot())
}
