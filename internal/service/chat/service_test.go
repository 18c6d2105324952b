package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chat-relay/backend/internal/apperr"
	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/observability"
	chatservice "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/service/transcript"
	"github.com/zhouzirui/chat-relay/backend/internal/storage"
	"github.com/zhouzirui/chat-relay/backend/internal/workflow"
)

// scriptedInference records prompts and answers with reply or err.
type scriptedInference struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts [][]chat.Message
}

func (f *scriptedInference) Run(_ context.Context, prompt []chat.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func newService(t *testing.T, inf *scriptedInference, opts chatservice.Options) (*chatservice.Service, *transcript.Store) {
	t.Helper()
	store := transcript.NewStore(storage.NewMemoryStore(), observability.NewNullLogger())
	return chatservice.NewService(store, inf, nil, opts, nil), store
}

func TestSendStoresUserThenAssistant(t *testing.T) {
	inf := &scriptedInference{reply: "R"}
	svc, store := newService(t, inf, chatservice.Options{SystemPrompt: "sys"})
	ctx := context.Background()

	reply, err := svc.Send(ctx, chat.Request{Message: "M", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "R", reply.Response)
	assert.Equal(t, "s1", reply.SessionID)
	assert.NotZero(t, reply.Timestamp)

	messages, err := store.ReadAll(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, chat.RoleUser, messages[0].Role)
	assert.Equal(t, "M", messages[0].Content)
	assert.Equal(t, chat.RoleAssistant, messages[1].Role)
	assert.Equal(t, "R", messages[1].Content)

	require.Len(t, inf.prompts, 1)
	assert.Equal(t, []chat.Message{
		{Role: chat.RoleSystem, Content: "sys"},
		{Role: chat.RoleUser, Content: "M"},
	}, inf.prompts[0])
}

func TestSendIncludesHistoryInOrder(t *testing.T) {
	inf := &scriptedInference{reply: "ok"}
	svc, _ := newService(t, inf, chatservice.Options{SystemPrompt: "sys"})
	ctx := context.Background()

	_, err := svc.Send(ctx, chat.Request{Message: "first", SessionID: "s1"})
	require.NoError(t, err)
	_, err = svc.Send(ctx, chat.Request{Message: "second", SessionID: "s1"})
	require.NoError(t, err)

	require.Len(t, inf.prompts, 2)
	assert.Equal(t, []chat.Message{
		{Role: chat.RoleSystem, Content: "sys"},
		{Role: chat.RoleUser, Content: "first"},
		{Role: chat.RoleAssistant, Content: "ok"},
		{Role: chat.RoleUser, Content: "second"},
	}, inf.prompts[1])
}

func TestSendRejectsMissingFields(t *testing.T) {
	inf := &scriptedInference{reply: "R"}
	svc, store := newService(t, inf, chatservice.Options{})
	ctx := context.Background()

	for _, req := range []chat.Request{
		{SessionID: "s1"},
		{Message: "hi"},
		{},
	} {
		_, err := svc.Send(ctx, req)
		assert.ErrorIs(t, err, apperr.ErrBadRequest)
	}

	messages, err := store.ReadAll(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Empty(t, inf.prompts)
}

// The default ordering stores the user turn only after inference succeeds,
// so a failed call leaves the transcript untouched.
func TestSendInferenceFailureDropsUserMessage(t *testing.T) {
	inf := &scriptedInference{err: errors.New("model overloaded")}
	svc, store := newService(t, inf, chatservice.Options{})
	ctx := context.Background()

	_, err := svc.Send(ctx, chat.Request{Message: "M", SessionID: "s1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.ErrorContains(t, err, "model overloaded")

	messages, err := store.ReadAll(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestSendPersistUserFirstKeepsUserMessage(t *testing.T) {
	inf := &scriptedInference{err: errors.New("model overloaded")}
	svc, store := newService(t, inf, chatservice.Options{PersistUserFirst: true})
	ctx := context.Background()

	_, err := svc.Send(ctx, chat.Request{Message: "M", SessionID: "s1"})
	require.ErrorIs(t, err, apperr.ErrUpstream)

	messages, err := store.ReadAll(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, chat.RoleUser, messages[0].Role)
}

func TestSendWithoutInference(t *testing.T) {
	store := transcript.NewStore(storage.NewMemoryStore(), nil)
	svc := chatservice.NewService(store, nil, nil, chatservice.Options{}, nil)

	_, err := svc.Send(context.Background(), chat.Request{Message: "M", SessionID: "s1"})
	assert.ErrorIs(t, err, apperr.ErrUpstream)
}

func TestHistoryAndClearValidateSession(t *testing.T) {
	svc, _ := newService(t, &scriptedInference{reply: "R"}, chatservice.Options{})
	ctx := context.Background()

	_, err := svc.History(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
	assert.ErrorIs(t, svc.ClearHistory(ctx, ""), apperr.ErrBadRequest)

	_, err = svc.Send(ctx, chat.Request{Message: "M", SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, svc.ClearHistory(ctx, "s1"))
	messages, err := svc.History(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestBuildPromptCopiesRolesVerbatim(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleSystem, Content: "earlier directive", Timestamp: 1},
		{Role: chat.RoleUser, Content: "u", Timestamp: 2},
	}

	prompt := chatservice.BuildPrompt("sys", history, "next")
	assert.Equal(t, []chat.Message{
		{Role: chat.RoleSystem, Content: "sys"},
		{Role: chat.RoleSystem, Content: "earlier directive"},
		{Role: chat.RoleUser, Content: "u"},
		{Role: chat.RoleUser, Content: "next"},
	}, prompt)
}

func TestSubmitRunsDurableWorkflow(t *testing.T) {
	kv := storage.NewMemoryStore()
	store := transcript.NewStore(kv, nil)
	engine := workflow.NewEngine(context.Background(), kv, nil)
	svc := chatservice.NewService(store, &scriptedInference{reply: "R"}, engine, chatservice.Options{}, nil)
	ctx := context.Background()

	inst, err := svc.Submit(ctx, chat.Request{Message: "M", SessionID: "s1"})
	require.NoError(t, err)
	engine.Wait()

	got, err := svc.WorkflowStatus(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusComplete, got.Status)

	var result chatservice.WorkflowResult
	require.NoError(t, json.Unmarshal(got.Output, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "R", result.Response)

	var params chat.Request
	require.NoError(t, json.Unmarshal(got.Params, &params))
	assert.Equal(t, "anonymous", params.UserID)

	messages, err := store.ReadAll(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "M", messages[0].Content)
	assert.Equal(t, "R", messages[1].Content)
}

func TestSubmitValidatesAndNeedsEngine(t *testing.T) {
	svc, _ := newService(t, &scriptedInference{reply: "R"}, chatservice.Options{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, chat.Request{SessionID: "s1"})
	assert.ErrorIs(t, err, apperr.ErrBadRequest)

	_, err = svc.Submit(ctx, chat.Request{Message: "M", SessionID: "s1"})
	assert.ErrorIs(t, err, apperr.ErrInternal)
}

// blockingInference waits for cancellation the first time it is called.
type blockingInference struct {
	started chan struct{}
	once    sync.Once
	calls   int
	mu      sync.Mutex
}

func (b *blockingInference) Run(ctx context.Context, _ []chat.Message) (string, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return "", ctx.Err()
}

type countingStore struct {
	chatservice.TranscriptStore
	mu    sync.Mutex
	reads int
}

func (c *countingStore) ReadAll(ctx context.Context, sessionID string) ([]chat.Message, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.TranscriptStore.ReadAll(ctx, sessionID)
}

func TestWorkflowResumesAfterCrash(t *testing.T) {
	kv := storage.NewMemoryStore()
	store := &countingStore{TranscriptStore: transcript.NewStore(kv, nil)}
	ctx := context.Background()

	crashCtx, crash := context.WithCancel(context.Background())
	engine1 := workflow.NewEngine(crashCtx, kv, nil)
	blocker := &blockingInference{started: make(chan struct{})}
	svc1 := chatservice.NewService(store, blocker, engine1, chatservice.Options{}, nil)

	inst, err := svc1.Submit(ctx, chat.Request{Message: "M", SessionID: "s1"})
	require.NoError(t, err)
	<-blocker.started
	crash()
	engine1.Wait()

	messages, err := store.TranscriptStore.ReadAll(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, messages)

	engine2 := workflow.NewEngine(context.Background(), kv, nil)
	svc2 := chatservice.NewService(store, &scriptedInference{reply: "R"}, engine2, chatservice.Options{}, nil)

	n, err := engine2.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	engine2.Wait()

	got, err := svc2.WorkflowStatus(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusComplete, got.Status)

	messages, err = store.TranscriptStore.ReadAll(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, chat.RoleUser, messages[0].Role)
	assert.Equal(t, chat.RoleAssistant, messages[1].Role)

	// history was fetched once by the first engine and replayed afterwards
	assert.Equal(t, 1, store.reads)
}

func TestInlineAndDurablePathsProduceSameTranscript(t *testing.T) {
	ctx := context.Background()

	inlineSvc, inlineStore := newService(t, &scriptedInference{reply: "R"}, chatservice.Options{})
	_, err := inlineSvc.Send(ctx, chat.Request{Message: "M", SessionID: "s1"})
	require.NoError(t, err)

	kv := storage.NewMemoryStore()
	durableStore := transcript.NewStore(kv, nil)
	engine := workflow.NewEngine(ctx, kv, nil)
	durableSvc := chatservice.NewService(durableStore, &scriptedInference{reply: "R"}, engine, chatservice.Options{}, nil)
	_, err = durableSvc.Submit(ctx, chat.Request{Message: "M", SessionID: "s1"})
	require.NoError(t, err)
	engine.Wait()

	a, err := inlineStore.ReadAll(ctx, "s1")
	require.NoError(t, err)
	b, err := durableStore.ReadAll(ctx, "s1")
	require.NoError(t, err)

	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].Role, b[i].Role)
		assert.Equal(t, a[i].Content, b[i].Content)
	}
}
