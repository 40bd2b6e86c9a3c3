package stream

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/chatstream/pkg/eventbus"
	"github.com/go-go-golems/chatstream/pkg/persistence/convstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestStartStream_NewConversationCompletes(t *testing.T) {
	h := newHarness(t)

	id, err := h.svc.StartStream(StartParams{UserMessageContent: "Explain   goroutines please"})
	require.NoError(t, err)

	rec := newRecorder()
	unsubscribe, err := h.svc.Subscribe(id, rec.callbacks())
	require.NoError(t, err)
	defer unsubscribe()

	fs := h.prov.next(t)
	require.Equal(t, "test-model", fs.req.Model)
	require.Len(t, fs.req.Messages, 2)
	require.Equal(t, "system", fs.req.Messages[0].Role)
	require.Equal(t, "Explain   goroutines please", fs.req.Messages[1].Content)

	fs.send(t, "Hel", "lo there")
	fs.finish()

	events := rec.wait(t)
	require.Equal(t, []string{"progress:", "progress:Hel", "progress:Hello there", "complete:Hello there"}, events)

	snap, ok := h.svc.GetStreamState(id)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, snap.Status)
	require.NotEmpty(t, snap.ConversationID)
	require.Equal(t, "Explain goroutines please", snap.Title)
	require.Equal(t, 2, snap.CompletionTokens)
	require.NotNil(t, snap.FinishedAt)

	conv, err := h.store.GetConversation(context.Background(), snap.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "Explain goroutines please", conv.Title)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, convstore.RoleUser, conv.Messages[0].Role)
	require.Equal(t, convstore.RoleAssistant, conv.Messages[1].Role)
	require.Equal(t, "Hello there", conv.Messages[1].Content)
	require.Equal(t, snap.AssistantMessageID, conv.Messages[1].ID)
}

func TestStartStream_ExistingConversationAppends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	convID, err := h.store.CreateConversation(ctx, "t", []convstore.Message{
		{ID: "m1", Role: convstore.RoleUser, Content: "hi"},
		{ID: "m2", Role: convstore.RoleAssistant, Content: "hello"},
	})
	require.NoError(t, err)
	history, err := h.store.GetMessages(ctx, convID)
	require.NoError(t, err)

	id, err := h.svc.StartStream(StartParams{
		ConversationID:     convID,
		UserMessageContent: "and now?",
		MessageHistory:     history,
		Model:              "other-model",
		APIKey:             "secret",
	})
	require.NoError(t, err)

	fs := h.prov.next(t)
	require.Equal(t, "other-model", fs.req.Model)
	require.Equal(t, "secret", fs.req.APIKey)
	require.Len(t, fs.req.Messages, 4)
	fs.send(t, "ok")
	fs.finish()

	snap := h.waitStatus(t, id, StatusCompleted)
	require.Equal(t, convID, snap.ConversationID)
	require.Empty(t, snap.Title)

	msgs, err := h.store.GetMessages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, "and now?", msgs[2].Content)
	require.Equal(t, "ok", msgs[3].Content)
}

func TestStartStream_RejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.StartStream(StartParams{UserMessageContent: "  "})
	require.Error(t, err)
	require.Empty(t, h.svc.ListStreams())
}

func TestStream_PendingUntilConversationIsReady(t *testing.T) {
	h := newHarness(t)
	h.store.createGate = make(chan struct{})

	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)

	snap, ok := h.svc.GetStreamState(id)
	require.True(t, ok)
	require.Equal(t, StatusPending, snap.Status)
	require.Empty(t, snap.ConversationID)
	require.True(t, h.svc.HasActiveStream(""))

	pending, ok := h.svc.GetStreamForConversation("")
	require.True(t, ok)
	require.Equal(t, id, pending.StreamID)

	close(h.store.createGate)
	fs := h.prov.next(t)
	streaming := h.waitStatus(t, id, StatusStreaming)
	require.NotEmpty(t, streaming.ConversationID)
	require.False(t, h.svc.HasActiveStream(""))
	require.True(t, h.svc.HasActiveStream(streaming.ConversationID))

	fs.finish()
	h.waitStatus(t, id, StatusCompleted)
	require.False(t, h.svc.HasActiveStream(streaming.ConversationID))
}

func TestAbortStream_WhilePending(t *testing.T) {
	h := newHarness(t)
	h.store.createGate = make(chan struct{})

	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)
	rec := newRecorder()
	_, err = h.svc.Subscribe(id, rec.callbacks())
	require.NoError(t, err)

	require.True(t, h.svc.AbortStream(id))
	require.Equal(t, []string{"error:" + AbortedMessage}, rec.wait(t))

	snap, _ := h.svc.GetStreamState(id)
	require.Equal(t, StatusError, snap.Status)
	require.Empty(t, snap.ConversationID)
	require.False(t, h.svc.HasActiveStream(""))
}

func TestSubscribe_MidStreamReplaysAccumulatedContentOnce(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)

	fs := h.prov.next(t)
	fs.send(t, "a", "b")
	require.Eventually(t, func() bool {
		snap, _ := h.svc.GetStreamState(id)
		return snap.Content == "ab"
	}, waitFor, 5*time.Millisecond)

	rec := newRecorder()
	unsubscribe, err := h.svc.Subscribe(id, rec.callbacks())
	require.NoError(t, err)
	defer unsubscribe()

	fs.send(t, "c")
	fs.finish()

	require.Equal(t, []string{"progress:ab", "progress:abc", "complete:abc"}, rec.wait(t))
}

func TestSubscribe_AfterCompletionGetsTerminalOnly(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)
	fs := h.prov.next(t)
	fs.send(t, "done")
	fs.finish()
	h.waitStatus(t, id, StatusCompleted)

	rec := newRecorder()
	_, err = h.svc.Subscribe(id, rec.callbacks())
	require.NoError(t, err)
	require.Equal(t, []string{"complete:done"}, rec.wait(t))
}

func TestSubscribe_UnknownStream(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Subscribe("nope", Callbacks{})
	require.True(t, errors.Is(err, ErrStreamNotFound))
}

func TestUnsubscribe_WorkerKeepsRunning(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)
	fs := h.prov.next(t)

	gone := newRecorder()
	unsubscribe, err := h.svc.Subscribe(id, gone.callbacks())
	require.NoError(t, err)
	stay := newRecorder()
	_, err = h.svc.Subscribe(id, stay.callbacks())
	require.NoError(t, err)

	fs.send(t, "one")
	require.Eventually(t, func() bool {
		evs := gone.snapshot()
		return len(evs) > 0 && evs[len(evs)-1] == "progress:one"
	}, waitFor, 5*time.Millisecond)
	unsubscribe()
	unsubscribe()
	before := len(gone.snapshot())

	fs.send(t, " two")
	fs.finish()

	stayed := stay.wait(t)
	require.Equal(t, "complete:one two", stayed[len(stayed)-1])
	require.Len(t, gone.snapshot(), before)

	msgs, err := h.store.GetMessages(context.Background(), h.waitStatus(t, id, StatusCompleted).ConversationID)
	require.NoError(t, err)
	require.Equal(t, "one two", msgs[len(msgs)-1].Content)
}

func TestAbortStream_SynchronousErrorAndNoPersistence(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)
	fs := h.prov.next(t)

	rec := newRecorder()
	_, err = h.svc.Subscribe(id, rec.callbacks())
	require.NoError(t, err)
	fs.send(t, "partial")
	require.Eventually(t, func() bool {
		snap, _ := h.svc.GetStreamState(id)
		return snap.Content == "partial"
	}, waitFor, 5*time.Millisecond)

	require.True(t, h.svc.AbortStream(id))

	snap, ok := h.svc.GetStreamState(id)
	require.True(t, ok)
	require.Equal(t, StatusError, snap.Status)
	require.Equal(t, AbortedMessage, snap.ErrorMessage)
	require.Equal(t, "partial", snap.Content)

	events := rec.wait(t)
	require.Equal(t, "error:"+AbortedMessage, events[len(events)-1])

	select {
	case <-fs.ctx.Done():
	case <-time.After(waitFor):
		t.Fatal("provider request was not cancelled")
	}
	require.False(t, h.svc.AbortStream(id))

	msgs, err := h.store.GetMessages(context.Background(), snap.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, convstore.RoleUser, msgs[0].Role)

	require.Eventually(t, func() bool {
		ev, ok := h.bus.last(TopicError)
		if !ok {
			return false
		}
		var payload ErrorEvent
		return ev.Decode(&payload) == nil && payload.Error == AbortedMessage
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, events, rec.snapshot())
}

func TestAbortStreamForConversation(t *testing.T) {
	h := newHarness(t)
	convID, err := h.store.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)
	id, err := h.svc.StartStream(StartParams{ConversationID: convID, UserMessageContent: "hi"})
	require.NoError(t, err)
	h.prov.next(t)

	require.True(t, h.svc.HasActiveStream(convID))
	require.True(t, h.svc.AbortStreamForConversation(convID))
	require.False(t, h.svc.HasActiveStream(convID))
	require.Equal(t, StatusError, h.waitStatus(t, id, StatusError).Status)
	require.False(t, h.svc.AbortStreamForConversation("unknown"))
}

func TestStartStream_AbortsPreviousStreamOfConversation(t *testing.T) {
	h := newHarness(t)
	convID, err := h.store.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)

	first, err := h.svc.StartStream(StartParams{ConversationID: convID, UserMessageContent: "one"})
	require.NoError(t, err)
	h.prov.next(t)

	second, err := h.svc.StartStream(StartParams{ConversationID: convID, UserMessageContent: "two"})
	require.NoError(t, err)

	snap, _ := h.svc.GetStreamState(first)
	require.Equal(t, StatusError, snap.Status)
	require.Equal(t, AbortedMessage, snap.ErrorMessage)

	current, ok := h.svc.GetStreamForConversation(convID)
	require.True(t, ok)
	require.Equal(t, second, current.StreamID)

	fs := h.prov.next(t)
	fs.send(t, "fine")
	fs.finish()
	h.waitStatus(t, second, StatusCompleted)
}

func TestStream_ProviderErrorMovesToError(t *testing.T) {
	h := newHarness(t)
	h.prov.failWith(errors.New("provider returned unexpected status: 401"))

	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)

	snap := h.waitStatus(t, id, StatusError)
	require.Contains(t, snap.ErrorMessage, "401")
	require.NotNil(t, snap.FinishedAt)

	rec := newRecorder()
	_, err = h.svc.Subscribe(id, rec.callbacks())
	require.NoError(t, err)
	require.Equal(t, []string{"error:" + snap.ErrorMessage}, rec.wait(t))
}

func TestStream_ConnectionLostMidStreamKeepsPartialContent(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)
	rec := newRecorder()
	_, err = h.svc.Subscribe(id, rec.callbacks())
	require.NoError(t, err)

	fs := h.prov.next(t)
	fs.send(t, "partial ", "content")
	_ = fs.w.CloseWithError(errors.New("connection reset by peer"))

	events := rec.wait(t)
	require.Equal(t, "error:stream interrupted: connection reset by peer", events[len(events)-1])

	snap, ok := h.svc.GetStreamState(id)
	require.True(t, ok)
	require.Equal(t, StatusError, snap.Status)
	require.Equal(t, "stream interrupted: connection reset by peer", snap.ErrorMessage)
	require.Equal(t, "partial content", snap.Content)
	require.NotNil(t, snap.FinishedAt)

	msgs, err := h.store.GetMessages(context.Background(), snap.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, convstore.RoleUser, msgs[0].Role)
}

func TestGetStreamForConversation_RepeatedLookupsAgree(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)
	fs := h.prov.next(t)
	fs.send(t, "abc")
	var convID string
	require.Eventually(t, func() bool {
		snap, _ := h.svc.GetStreamState(id)
		convID = snap.ConversationID
		return snap.Content == "abc"
	}, waitFor, 5*time.Millisecond)

	first, ok := h.svc.GetStreamForConversation(convID)
	require.True(t, ok)
	second, ok := h.svc.GetStreamForConversation(convID)
	require.True(t, ok)
	require.Equal(t, first, second)

	fs.finish()
	h.waitStatus(t, id, StatusCompleted)
	first, _ = h.svc.GetStreamForConversation(convID)
	second, _ = h.svc.GetStreamForConversation(convID)
	require.Equal(t, first, second)
	require.Equal(t, StatusCompleted, first.Status)
}

func TestAbortStream_FromGlobalEventHandler(t *testing.T) {
	h := newHarness(t)
	_, err := h.events.Subscribe(context.Background(), TopicProgress, func(_ context.Context, ev eventbus.Event) {
		var p ProgressEvent
		if ev.Decode(&p) == nil && p.Content == "stop" {
			h.svc.AbortStream(p.StreamID)
		}
	})
	require.NoError(t, err)

	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)
	h.prov.next(t).send(t, "stop")

	snap := h.waitStatus(t, id, StatusError)
	require.Equal(t, AbortedMessage, snap.ErrorMessage)

	closed := make(chan struct{})
	go func() {
		_ = h.svc.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}
	require.Eventually(t, func() bool {
		ev, ok := h.bus.last(TopicError)
		var payload ErrorEvent
		return ok && ev.Decode(&payload) == nil && payload.StreamID == id
	}, waitFor, 5*time.Millisecond)
}

func TestStream_CreateConversationFailure(t *testing.T) {
	h := newHarness(t)
	h.store.createErr = errors.New("store down")

	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)

	snap := h.waitStatus(t, id, StatusError)
	require.Contains(t, snap.ErrorMessage, "failed to create conversation")
	require.Empty(t, snap.ConversationID)
}

func TestStream_FinalizeFailureIsAnError(t *testing.T) {
	h := newHarness(t)
	h.store.appendErrFor = convstore.RoleAssistant

	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)
	rec := newRecorder()
	_, err = h.svc.Subscribe(id, rec.callbacks())
	require.NoError(t, err)

	fs := h.prov.next(t)
	fs.send(t, "text")
	fs.finish()

	events := rec.wait(t)
	require.Contains(t, events[len(events)-1], "error:failed to save assistant message")
	snap, _ := h.svc.GetStreamState(id)
	require.Equal(t, StatusError, snap.Status)
	require.Equal(t, "text", snap.Content)
}

func TestStream_PublishesGlobalEventsInOrder(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)
	fs := h.prov.next(t)
	fs.send(t, "x", "y")
	fs.finish()
	snap := h.waitStatus(t, id, StatusCompleted)

	want := []string{
		TopicNewConversation,
		TopicProgress,
		TopicProgress,
		TopicProgress,
		TopicComplete,
		TopicHistoryUpdated,
	}
	require.Eventually(t, func() bool { return len(h.bus.topics()) == len(want) }, waitFor, 5*time.Millisecond)
	require.Equal(t, want, h.bus.topics())

	ev, ok := h.bus.last(TopicHistoryUpdated)
	require.True(t, ok)
	var hist HistoryUpdatedEvent
	require.NoError(t, ev.Decode(&hist))
	require.Equal(t, HistoryCreated, hist.Type)
	require.Equal(t, snap.ConversationID, hist.ID)
	require.Len(t, hist.Conversation.Messages, 2)

	ev, ok = h.bus.last(TopicComplete)
	require.True(t, ok)
	var done CompleteEvent
	require.NoError(t, ev.Decode(&done))
	require.Equal(t, "xy", done.Content)
	require.Equal(t, 1, done.CompletionTokens)
}

func TestGetActiveStreams(t *testing.T) {
	h := newHarness(t)
	a, err := h.svc.StartStream(StartParams{UserMessageContent: "a"})
	require.NoError(t, err)
	fsA := h.prov.next(t)
	b, err := h.svc.StartStream(StartParams{UserMessageContent: "b"})
	require.NoError(t, err)
	h.prov.next(t)

	fsA.finish()
	h.waitStatus(t, a, StatusCompleted)

	active := h.svc.GetActiveStreams()
	require.Len(t, active, 1)
	require.Equal(t, b, active[0].StreamID)
	require.Len(t, h.svc.ListStreams(), 2)
}

func TestCleanup_RemovesOnlyOldFinishedStreams(t *testing.T) {
	h := newHarness(t)
	done, err := h.svc.StartStream(StartParams{UserMessageContent: "a"})
	require.NoError(t, err)
	fs := h.prov.next(t)
	fs.finish()
	snap := h.waitStatus(t, done, StatusCompleted)

	running, err := h.svc.StartStream(StartParams{UserMessageContent: "b"})
	require.NoError(t, err)
	h.prov.next(t)

	require.Equal(t, 0, h.svc.Cleanup(time.Minute))

	h.clock.Advance(2 * time.Minute)
	require.Equal(t, 1, h.svc.Cleanup(time.Minute))

	_, ok := h.svc.GetStreamState(done)
	require.False(t, ok)
	_, ok = h.svc.GetStreamForConversation(snap.ConversationID)
	require.False(t, ok)
	_, ok = h.svc.GetStreamState(running)
	require.True(t, ok)

	h.clock.Advance(time.Hour)
	require.Equal(t, 0, h.svc.Cleanup(0))
}

func TestCleanupLoop_UsesGracePeriod(t *testing.T) {
	h := newHarness(t)
	h.svc.SetCleanupConfig(time.Minute, 10*time.Millisecond)

	id, err := h.svc.StartStream(StartParams{UserMessageContent: "a"})
	require.NoError(t, err)
	h.prov.next(t).finish()
	h.waitStatus(t, id, StatusCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.StartCleanupLoop(ctx)

	time.Sleep(30 * time.Millisecond)
	_, ok := h.svc.GetStreamState(id)
	require.True(t, ok)

	h.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		_, ok := h.svc.GetStreamState(id)
		return !ok
	}, waitFor, 5*time.Millisecond)
}

func TestClose_AbortsStreamsWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	prov := newFakeProvider()
	svc, err := NewService(Options{Store: convstore.NewInMemoryStore(), Provider: prov, DefaultModel: "m"})
	require.NoError(t, err)
	svc.StartCleanupLoop(context.Background())

	id, err := svc.StartStream(StartParams{UserMessageContent: "hi"})
	require.NoError(t, err)
	prov.next(t).send(t, "half")

	require.NoError(t, svc.Close())

	snap, ok := svc.GetStreamState(id)
	require.True(t, ok)
	require.Equal(t, StatusError, snap.Status)
	require.Equal(t, ShutdownMessage, snap.ErrorMessage)

	_, err = svc.StartStream(StartParams{UserMessageContent: "late"})
	require.True(t, errors.Is(err, ErrClosed))
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := NewService(Options{Provider: newFakeProvider()})
	require.Error(t, err)
	_, err = NewService(Options{Store: convstore.NewInMemoryStore()})
	require.Error(t, err)
}

func TestDeriveTitle(t *testing.T) {
	require.Equal(t, "short prompt", deriveTitle("  short \n prompt "))
	require.Equal(t, fallbackTitle, deriveTitle("   "))

	long := "This prompt is definitely longer than fifty characters in total"
	title := deriveTitle(long)
	require.Equal(t, "This prompt is definitely longer than fifty charac...", title)
}

func TestBuildProviderMessages(t *testing.T) {
	msgs := buildProviderMessages("sys", []convstore.Message{
		{Role: convstore.RoleUser, Content: "q"},
		{Role: convstore.RoleAssistant, Content: ""},
		{Role: convstore.RoleAssistant, Content: "a"},
	}, "next")
	require.Len(t, msgs, 4)
	require.Equal(t, "sys", msgs[0].Content)
	require.Equal(t, "a", msgs[2].Content)
	require.Equal(t, "next", msgs[3].Content)
}
