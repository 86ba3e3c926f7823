package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatweb/internal/api"
	"github.com/capitalize-ai/chatweb/internal/kv"
	"github.com/capitalize-ai/chatweb/internal/model"
)

// fakeCompleter replays scripted cumulative bodies.
type fakeCompleter struct {
	mu       sync.Mutex
	requests []model.RequestOptions

	// stream is called in place of the transport.
	stream func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error)
	once   func(ctx context.Context) (*model.ConversationResponse, error)
}

func (f *fakeCompleter) record(prompt string, opts *model.ConversationRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, model.RequestOptions{Prompt: prompt, Options: opts.Clone()})
}

func (f *fakeCompleter) lastRequest() model.RequestOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeCompleter) FetchCompletion(ctx context.Context, prompt string, opts *model.ConversationRequest) (*model.ConversationResponse, error) {
	f.record(prompt, opts)
	return f.once(ctx)
}

func (f *fakeCompleter) FetchCompletionStream(ctx context.Context, prompt string, opts *model.ConversationRequest, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
	f.record(prompt, opts)
	return f.stream(ctx, onProgress)
}

func line(id, conversationID, text string) string {
	return `{"id":"` + id + `","conversationId":"` + conversationID + `","role":"assistant","text":"` + text + `"}`
}

func cumulative(lines ...string) []string {
	out := make([]string, len(lines))
	for i := range lines {
		out[i] = strings.Join(lines[:i+1], "\n")
	}
	return out
}

func newTestChat(t *testing.T, client Completer, opts ...ChatOption) (*ChatService, *ConversationStore) {
	t.Helper()
	store := newTestStore(t, kv.NewMemory())
	clock := func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return NewChatService(store, client, append([]ChatOption{WithClock(clock)}, opts...)...), store
}

// =============================================================================
// STREAMING
// =============================================================================

func TestSend_StreamsThenCommits(t *testing.T) {
	var seen []string
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			for _, raw := range cumulative(
				line("m1", "c1", "H"),
				line("m1", "c1", "He"),
				line("m1", "c1", "Hel"),
				line("m1", "c1", "Hello"),
			) {
				onProgress(raw)
			}
			return &model.ConversationResponse{ID: "m1", ConversationID: "c1", Text: "Hello"}, nil
		},
	}
	chat, store := newTestChat(t, client, WithObserver(func(_ string, _ int, msg model.Message, phase Phase) {
		if phase == PhaseStreaming {
			seen = append(seen, msg.Text)
		}
	}))

	res, err := chat.Send(context.Background(), model.DefaultConversationID, "hi")
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, res.Phase)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, []string{"H", "He", "Hel", "Hello"}, seen)

	msg, ok := store.GetMessageAt(model.DefaultConversationID, 1)
	require.True(t, ok)
	assert.Equal(t, "Hello", msg.Text)
	assert.False(t, msg.IsLoading)
	assert.False(t, msg.HasError)
	require.NotNil(t, msg.ConversationOptions)
	assert.Equal(t, "c1", msg.ConversationOptions.ConversationID)
	assert.Equal(t, "m1", msg.ConversationOptions.ParentMessageID)
	assert.Equal(t, "hi", msg.RequestOptions.Prompt)

	user, _ := store.GetMessageAt(model.DefaultConversationID, 0)
	assert.True(t, user.IsInverted)
	assert.Equal(t, "hi", user.Text)
	assert.Equal(t, "2024/3/1 12:00:00", user.Timestamp)
}

func TestSend_PendingSlotIsLoading(t *testing.T) {
	var store *ConversationStore
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			msg, ok := store.GetMessageAt(model.DefaultConversationID, 1)
			require.True(t, ok)
			assert.True(t, msg.IsLoading)
			assert.Empty(t, msg.Text)
			return &model.ConversationResponse{ID: "m1", Text: "ok"}, nil
		},
	}
	var chat *ChatService
	chat, store = newTestChat(t, client)

	_, err := chat.Send(context.Background(), model.DefaultConversationID, "hi")
	require.NoError(t, err)
}

func TestSend_CancelSuppressesLateProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var late api.ProgressFunc
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			raws := cumulative(line("m1", "c1", "H"), line("m1", "c1", "He"), line("m1", "c1", "Hel"), line("m1", "c1", "Hello"))
			onProgress(raws[0])
			onProgress(raws[1])
			onProgress(raws[2])
			cancel()
			onProgress(raws[3])
			late = onProgress
			return nil, api.ErrCancelled
		},
	}
	chat, store := newTestChat(t, client)

	res, err := chat.Send(ctx, model.DefaultConversationID, "hi")
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, res.Phase)
	assert.True(t, api.IsCancelled(res.Err))

	late(line("m1", "c1", "Hello world"))

	msg, _ := store.GetMessageAt(model.DefaultConversationID, 1)
	assert.Equal(t, "Hel\n"+DefaultCancelMarker, msg.Text)
	assert.NotContains(t, msg.Text, "Hello")
	assert.False(t, msg.IsLoading)
	assert.True(t, msg.HasError)
}

func TestSend_CancelBeforeAnyProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			return nil, ctx.Err()
		},
	}
	chat, store := newTestChat(t, client, WithCancelMarker("[stopped]"))

	res, err := chat.Send(ctx, model.DefaultConversationID, "hi")
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, res.Phase)

	msg, _ := store.GetMessageAt(model.DefaultConversationID, 1)
	assert.Equal(t, "[stopped]", msg.Text)
}

func TestSend_FailureAnnotatesPartialText(t *testing.T) {
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			onProgress(line("m1", "c1", "Hel"))
			return nil, &api.StatusError{Code: 500, Status: "Fail", Message: "upstream exploded"}
		},
	}
	chat, store := newTestChat(t, client)

	res, err := chat.Send(context.Background(), model.DefaultConversationID, "hi")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Equal(t, api.KindBadStatus, api.KindOf(res.Err))

	msg, _ := store.GetMessageAt(model.DefaultConversationID, 1)
	assert.Equal(t, "Hel\n[upstream exploded]", msg.Text)
	assert.True(t, msg.HasError)
	assert.False(t, msg.IsLoading)
}

func TestSend_FailureWithoutTextReplaces(t *testing.T) {
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			return nil, errors.Join(api.ErrNetwork, errors.New("dial tcp: refused"))
		},
	}
	chat, store := newTestChat(t, client)

	res, err := chat.Send(context.Background(), model.DefaultConversationID, "hi")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, res.Phase)

	msg, _ := store.GetMessageAt(model.DefaultConversationID, 1)
	assert.Equal(t, api.Describe(api.ErrNetwork), msg.Text)
}

func TestSend_IgnoresUnparsablePartials(t *testing.T) {
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			onProgress(line("m1", "c1", "He"))
			onProgress(line("m1", "c1", "He") + "\n{\"id\":\"m1\",\"te")
			return &model.ConversationResponse{ID: "m1", Text: "Hey"}, nil
		},
	}
	var texts []string
	chat, _ := newTestChat(t, client, WithObserver(func(_ string, _ int, msg model.Message, phase Phase) {
		texts = append(texts, msg.Text)
	}))

	_, err := chat.Send(context.Background(), model.DefaultConversationID, "hi")
	require.NoError(t, err)
	assert.Equal(t, []string{"", "He", "Hey"}, texts)
}

// =============================================================================
// CONTEXT FORWARDING
// =============================================================================

func TestSend_ForwardsContextWhenEnabled(t *testing.T) {
	n := 0
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			n++
			return &model.ConversationResponse{ID: "m" + string(rune('0'+n)), ConversationID: "c1", Text: "ok"}, nil
		},
	}
	chat, _ := newTestChat(t, client)

	_, err := chat.Send(context.Background(), model.DefaultConversationID, "first")
	require.NoError(t, err)
	assert.Nil(t, client.lastRequest().Options)

	_, err = chat.Send(context.Background(), model.DefaultConversationID, "second")
	require.NoError(t, err)
	assert.Equal(t, &model.ConversationRequest{ConversationID: "c1", ParentMessageID: "m1"}, client.lastRequest().Options)
}

func TestSend_UsingContextFalseOmitsOptions(t *testing.T) {
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			return &model.ConversationResponse{ID: "m1", ConversationID: "c1", Text: "ok"}, nil
		},
	}
	chat, store := newTestChat(t, client)

	_, err := chat.Send(context.Background(), model.DefaultConversationID, "first")
	require.NoError(t, err)
	require.NotNil(t, store.LastContext(model.DefaultConversationID))

	require.NoError(t, store.SetUsingContext(false))
	_, err = chat.Send(context.Background(), model.DefaultConversationID, "second")
	require.NoError(t, err)
	assert.Nil(t, client.lastRequest().Options)

	msg, _ := store.GetMessageAt(model.DefaultConversationID, 2)
	assert.Nil(t, msg.RequestOptions.Options)
}

// =============================================================================
// VALIDATION, SINGLESHOT, REGENERATE, STOP
// =============================================================================

func TestSend_Validation(t *testing.T) {
	chat, store := newTestChat(t, &fakeCompleter{})

	_, err := chat.Send(context.Background(), model.DefaultConversationID, "   ")
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = chat.Send(context.Background(), "missing", "hi")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	msgs, _ := store.Transcript(model.DefaultConversationID)
	assert.Empty(t, msgs)
}

func TestSendOnce(t *testing.T) {
	client := &fakeCompleter{
		once: func(ctx context.Context) (*model.ConversationResponse, error) {
			return &model.ConversationResponse{ID: "m1", ConversationID: "c1", Text: "whole"}, nil
		},
	}
	chat, store := newTestChat(t, client)

	res, err := chat.SendOnce(context.Background(), model.DefaultConversationID, "hi")
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, res.Phase)

	msg, _ := store.GetMessageAt(model.DefaultConversationID, 1)
	assert.Equal(t, "whole", msg.Text)
	assert.False(t, msg.IsLoading)
}

func TestRegenerate(t *testing.T) {
	attempt := 0
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			attempt++
			if attempt == 1 {
				return nil, &api.StatusError{Code: 502, Message: "bad gateway"}
			}
			return &model.ConversationResponse{ID: "m2", ConversationID: "c1", Text: "second try"}, nil
		},
	}
	chat, store := newTestChat(t, client)

	res, err := chat.Send(context.Background(), model.DefaultConversationID, "hi")
	require.NoError(t, err)
	require.Equal(t, PhaseFailed, res.Phase)

	res, err = chat.Regenerate(context.Background(), model.DefaultConversationID, res.Index)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, res.Phase)
	assert.Equal(t, "hi", client.lastRequest().Prompt)

	msgs, _ := store.Transcript(model.DefaultConversationID)
	require.Len(t, msgs, 2, "regenerate reuses the slot")
	assert.Equal(t, "second try", msgs[1].Text)
	assert.False(t, msgs[1].HasError)

	_, err = chat.Regenerate(context.Background(), model.DefaultConversationID, 0)
	assert.ErrorIs(t, err, ErrNotResponse)
	_, err = chat.Regenerate(context.Background(), model.DefaultConversationID, 9)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestRegenerate_BusySlot(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			close(started)
			<-release
			return &model.ConversationResponse{ID: "m1", Text: "done"}, nil
		},
	}
	chat, _ := newTestChat(t, client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := chat.Send(context.Background(), model.DefaultConversationID, "hi")
		assert.NoError(t, err)
	}()

	<-started
	_, err := chat.Regenerate(context.Background(), model.DefaultConversationID, 1)
	assert.ErrorIs(t, err, ErrSlotBusy)

	close(release)
	<-done
}

func TestStop(t *testing.T) {
	started := make(chan struct{})
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			onProgress(line("m1", "c1", "partial"))
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	chat, store := newTestChat(t, client)

	done := make(chan *Result, 1)
	go func() {
		res, err := chat.Send(context.Background(), model.DefaultConversationID, "hi")
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	assert.Equal(t, 1, chat.Stop(model.DefaultConversationID))

	res := <-done
	assert.Equal(t, PhaseCancelled, res.Phase)
	msg, _ := store.GetMessageAt(model.DefaultConversationID, 1)
	assert.Equal(t, "partial\n"+DefaultCancelMarker, msg.Text)
	assert.Equal(t, 0, chat.Stop(model.DefaultConversationID))
}

// =============================================================================
// SLOT IDENTITY
// =============================================================================

func TestSend_ClearMidStreamThenSendAgain(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		calls int
	)
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n > 1 {
				onProgress(line("m2", "c1", "NEW"))
				return &model.ConversationResponse{ID: "m2", ConversationID: "c1", Text: "NEW"}, nil
			}
			onProgress(line("m1", "c1", "OLD"))
			close(started)
			<-release
			onProgress(line("m1", "c1", "OLD STREAM"))
			assert.Error(t, ctx.Err(), "removed slot aborts the request")
			return &model.ConversationResponse{ID: "m1", ConversationID: "c1", Text: "OLD STREAM"}, nil
		},
	}
	chat, store := newTestChat(t, client)

	first := make(chan *Result, 1)
	go func() {
		res, err := chat.Send(context.Background(), model.DefaultConversationID, "first")
		assert.NoError(t, err)
		first <- res
	}()

	<-started
	require.NoError(t, store.ClearConversation(model.DefaultConversationID))

	res, err := chat.Send(context.Background(), model.DefaultConversationID, "second")
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, res.Phase)
	assert.Equal(t, 1, res.Index)

	close(release)
	old := <-first
	assert.Equal(t, PhaseCancelled, old.Phase)
	assert.ErrorIs(t, old.Err, ErrSlotRemoved)
	assert.Equal(t, -1, old.Index)

	msgs, _ := store.Transcript(model.DefaultConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Text)
	assert.Equal(t, "NEW", msgs[1].Text)
	assert.Equal(t, "second", msgs[1].RequestOptions.Prompt)
	assert.False(t, msgs[1].IsLoading)
	assert.Equal(t, 0, chat.Stop(model.DefaultConversationID))
}

func TestSend_FollowsSlotAfterEarlierDelete(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			onProgress(line("m1", "c1", "Hel"))
			close(started)
			<-release
			onProgress(line("m1", "c1", "Hello"))
			return &model.ConversationResponse{ID: "m1", ConversationID: "c1", Text: "Hello"}, nil
		},
	}
	var indices []int
	var mu sync.Mutex
	chat, store := newTestChat(t, client, WithObserver(func(_ string, index int, _ model.Message, _ Phase) {
		mu.Lock()
		defer mu.Unlock()
		indices = append(indices, index)
	}))

	done := make(chan *Result, 1)
	go func() {
		res, err := chat.Send(context.Background(), model.DefaultConversationID, "hi")
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	require.NoError(t, store.DeleteMessageAt(model.DefaultConversationID, 0))
	close(release)

	res := <-done
	assert.Equal(t, PhaseCommitted, res.Phase)
	assert.Equal(t, 0, res.Index)

	msgs, _ := store.Transcript(model.DefaultConversationID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Text)
	assert.False(t, msgs[0].IsLoading)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 1, 0, 0}, indices)
}

func TestSend_ConcurrentSendsGetDistinctSlots(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			started <- struct{}{}
			<-release
			return &model.ConversationResponse{ID: "m", Text: "ok"}, nil
		},
	}
	chat, store := newTestChat(t, client)

	var wg sync.WaitGroup
	for _, prompt := range []string{"a", "b"} {
		wg.Add(1)
		go func(prompt string) {
			defer wg.Done()
			res, err := chat.Send(context.Background(), model.DefaultConversationID, prompt)
			assert.NoError(t, err)
			assert.Equal(t, PhaseCommitted, res.Phase)
		}(prompt)
	}
	<-started
	<-started
	close(release)
	wg.Wait()

	msgs, _ := store.Transcript(model.DefaultConversationID)
	require.Len(t, msgs, 4)
	for _, m := range msgs {
		assert.False(t, m.IsLoading)
	}
}

func TestRegenerate_AssignsIDToStoredResponse(t *testing.T) {
	client := &fakeCompleter{
		stream: func(ctx context.Context, onProgress api.ProgressFunc) (*model.ConversationResponse, error) {
			return &model.ConversationResponse{ID: "m2", ConversationID: "c1", Text: "fresh"}, nil
		},
	}
	chat, store := newTestChat(t, client)
	id := model.DefaultConversationID
	reqOpts := model.RequestOptions{Prompt: "hi"}
	require.NoError(t, store.AppendMessage(id, model.Message{Text: "hi", IsInverted: true, RequestOptions: reqOpts}))
	require.NoError(t, store.AppendMessage(id, model.Message{Text: "stale", HasError: true, RequestOptions: reqOpts}))

	res, err := chat.Regenerate(context.Background(), id, 1)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, res.Phase)
	assert.Equal(t, 1, res.Index)

	msg, _ := store.GetMessageAt(id, 1)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "fresh", msg.Text)
	assert.False(t, msg.HasError)

	// A second regenerate reuses the assigned id.
	_, err = chat.Regenerate(context.Background(), id, 1)
	require.NoError(t, err)
	again, _ := store.GetMessageAt(id, 1)
	assert.Equal(t, msg.ID, again.ID)
}
