package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/wuwenbin0122/workforce/internal/clock"
	"github.com/wuwenbin0122/workforce/internal/conversation"
	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
	"github.com/wuwenbin0122/workforce/internal/realtime"
	"github.com/wuwenbin0122/workforce/internal/tools"
)

type stubGenerator struct {
	requests []TextRequest
	err      error
}

func (g *stubGenerator) Generate(ctx context.Context, req TextRequest) (*TextReply, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &TextReply{
		Content:      "Hi! I am " + req.Agent.Name + ".",
		Provider:     "qiniu",
		Model:        "deepseek-v3",
		InputTokens:  10,
		OutputTokens: 5,
		Cost:         0.001,
	}, nil
}

type adapterFunc func(ctx context.Context, params tools.Params, progress tools.ProgressFunc) (*tools.Artifact, error)

func (f adapterFunc) Invoke(ctx context.Context, params tools.Params, progress tools.ProgressFunc) (*tools.Artifact, error) {
	return f(ctx, params, progress)
}

type fixture struct {
	store     *persistence.MemoryStore
	session   *Session
	generator *stubGenerator
	agent     *models.Agent
}

func newFixture(t *testing.T, generator TextGenerator, adapters map[tools.ToolType]tools.Adapter) *fixture {
	t.Helper()
	store := persistence.NewMemoryStore(nil)
	agent, err := store.UpsertAgent(context.Background(), models.Agent{Name: "Ada", Title: "Data Analyst"})
	if err != nil {
		t.Fatalf("upsert agent: %v", err)
	}

	logger := zaptest.NewLogger(t)
	session, err := NewSession("user-1", Deps{
		Store:     store,
		Router:    tools.NewRouter(tools.DefaultDetector(), adapters, tools.WithRouterLogger(logger)),
		Generator: generator,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(session.Shutdown)

	f := &fixture{store: store, session: session, agent: agent}
	if g, ok := generator.(*stubGenerator); ok {
		f.generator = g
	}
	return f
}

func TestNewSessionRequiresUser(t *testing.T) {
	if _, err := NewSession(" ", Deps{Store: persistence.NewMemoryStore(nil)}); !errors.Is(err, ErrMissingUser) {
		t.Fatalf("expected ErrMissingUser, got %v", err)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t, &stubGenerator{}, nil)
	ctx := context.Background()

	first, err := f.session.Start(ctx, f.agent.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := f.session.Start(ctx, f.agent.ID)
	if err != nil {
		t.Fatalf("start again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one conversation, got %s and %s", first.ID, second.ID)
	}

	if _, err := f.session.Start(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown agent, got %v", err)
	}
}

func TestSubmitPlainChat(t *testing.T) {
	f := newFixture(t, &stubGenerator{}, nil)
	ctx := context.Background()

	conv, err := f.session.Start(ctx, f.agent.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	timeline, err := f.session.Open(ctx, conv.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	res, err := f.session.Submit(ctx, conv.ID, "hello, how are you?")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Tool != nil {
		t.Fatalf("plain chat must not dispatch a tool")
	}
	if res.Reply == nil || res.Reply.Role != models.RoleAgent || res.Reply.Content != "Hi! I am Ada." {
		t.Fatalf("unexpected reply %+v", res.Reply)
	}
	if res.Reply.Metadata.InputTokens != 10 || !res.Reply.Final {
		t.Fatalf("reply metadata not stored: %+v", res.Reply)
	}

	msgs := timeline.Messages()
	if len(msgs) != 2 || msgs[0].ID != res.UserMessage.ID || msgs[1].ID != res.Reply.ID {
		t.Fatalf("timeline should hold user message then reply once each, got %+v", msgs)
	}

	snap := f.session.Usage()
	if snap.Totals.InputTokens != 10 || snap.Totals.OutputTokens != 5 || snap.Totals.Calls != 1 {
		t.Fatalf("usage not recorded: %+v", snap.Totals)
	}

	if req := f.generator.requests[0]; req.Agent.ID != f.agent.ID || len(req.History) != 0 {
		t.Fatalf("generator got unexpected request %+v", req)
	}
}

func TestSubmitDispatchesTool(t *testing.T) {
	var got tools.Params
	image := adapterFunc(func(_ context.Context, params tools.Params, progress tools.ProgressFunc) (*tools.Artifact, error) {
		got = params
		progress(100, "done")
		return &tools.Artifact{
			URLs:     []string{"https://cdn.example.com/sunset.png"},
			Provider: "qiniu",
			Model:    "gemini-2.5-flash-image",
			Cost:     0.04,
		}, nil
	})
	f := newFixture(t, &stubGenerator{}, map[tools.ToolType]tools.Adapter{tools.ToolImage: image})
	ctx := context.Background()

	conv, _ := f.session.Start(ctx, f.agent.ID)
	res, err := f.session.Submit(ctx, conv.ID, "generate an image of a sunset, 16:9")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.AspectRatio != "16:9" || got.Prompt != "a sunset" {
		t.Fatalf("adapter got unexpected params %+v", got)
	}
	if res.Tool == nil || res.Tool.Tool != tools.ToolImage {
		t.Fatalf("expected image result, got %+v", res.Tool)
	}
	md := res.Reply.Metadata
	if md.Tool != "image" || len(md.ArtifactURLs) != 1 || md.Extra["aspect_ratio"] != "16:9" {
		t.Fatalf("tool metadata not stored: %+v", md)
	}
	if len(f.generator.requests) != 0 {
		t.Fatalf("tool messages must not reach the text generator")
	}
	if f.session.Router().IsGenerating() {
		t.Fatalf("router still generating after submit")
	}
	if cost := f.session.Usage().Totals.Cost; cost != 0.04 {
		t.Fatalf("expected tool cost in ledger, got %v", cost)
	}
}

func TestSubmitToolFailureKeepsUserMessage(t *testing.T) {
	f := newFixture(t, &stubGenerator{}, nil)
	ctx := context.Background()

	conv, _ := f.session.Start(ctx, f.agent.ID)
	res, err := f.session.Submit(ctx, conv.ID, "make a video of waves")

	var dispatchErr *tools.DispatchError
	if !errors.As(err, &dispatchErr) || dispatchErr.Kind != tools.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if res == nil || res.UserMessage == nil {
		t.Fatalf("user message should still be stored")
	}

	stored, err := f.store.QueryMessages(ctx, persistence.MessageQuery{ConversationID: conv.ID})
	if err != nil || len(stored) != 1 {
		t.Fatalf("expected only the user message, got %d (%v)", len(stored), err)
	}
}

func TestSubmitWithoutGenerator(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	conv, _ := f.session.Start(ctx, f.agent.ID)
	_, err := f.session.Submit(ctx, conv.ID, "hello")
	if !errors.Is(err, ErrNoGenerator) || tools.Classify(err) != tools.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}

	if _, err := f.session.Submit(ctx, conv.ID, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestOpenIsReferenceCounted(t *testing.T) {
	f := newFixture(t, &stubGenerator{}, nil)
	ctx := context.Background()

	conv, _ := f.session.Start(ctx, f.agent.ID)
	first, err := f.session.Open(ctx, conv.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := f.session.Open(ctx, conv.ID)
	if err != nil {
		t.Fatalf("open again: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same timeline for both opens")
	}
	if got := f.store.Subscribers(conv.ID); got != 1 {
		t.Fatalf("expected one backend channel, got %d", got)
	}

	f.session.Close(conv.ID)
	if state := f.session.Manager().State(conv.ID); state != realtime.StateSubscribed {
		t.Fatalf("expected channel kept after first close, got %s", state)
	}
	f.session.Close(conv.ID)
	if state := f.session.Manager().State(conv.ID); state != realtime.StateUnsubscribed {
		t.Fatalf("expected channel released after last close, got %s", state)
	}
}

func TestOtherUsersConversationIsForbidden(t *testing.T) {
	f := newFixture(t, &stubGenerator{}, nil)
	ctx := context.Background()

	foreign, err := f.store.InsertConversation(ctx, models.Conversation{UserID: "user-2", AgentID: f.agent.ID})
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	if _, err := f.session.Open(ctx, foreign.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on open, got %v", err)
	}
	if _, err := f.session.Submit(ctx, foreign.ID, "hi"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on submit, got %v", err)
	}
}

func TestHistoryPagesOwnedConversation(t *testing.T) {
	f := newFixture(t, &stubGenerator{}, nil)
	ctx := context.Background()

	conv, err := f.session.Start(ctx, f.agent.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.session.Submit(ctx, conv.ID, "hello there"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	page, err := f.session.History(ctx, conv.ID, persistence.MessageQuery{ConversationID: "ignored", Limit: 1})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 1 || page[0].Role != models.RoleUser {
		t.Fatalf("expected the user message first, got %+v", page)
	}

	other, err := NewSession("user-2", Deps{Store: f.store})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer other.Shutdown()
	if _, err := other.History(ctx, conv.ID, persistence.MessageQuery{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func newSyncedSession(t *testing.T, store *persistence.MemoryStore, opts ...realtime.Option) (*Session, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC))
	logger := zaptest.NewLogger(t)
	manager := realtime.NewManager(store, append([]realtime.Option{realtime.WithClock(fake), realtime.WithLogger(logger)}, opts...)...)
	session, err := NewSession("user-1", Deps{Store: store, Manager: manager, Logger: logger})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(session.Shutdown)
	return session, fake
}

func TestOpenTimelineCatchesUpAfterReconnect(t *testing.T) {
	store := persistence.NewMemoryStore(nil)
	ctx := context.Background()
	agent, _ := store.UpsertAgent(ctx, models.Agent{Name: "Ada"})
	session, fake := newSyncedSession(t, store)

	conv, err := session.Start(ctx, agent.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	timeline, err := session.Open(ctx, conv.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	store.Drop(conv.ID, errors.New("connection reset"))
	fake.WaitForTimers(1)

	if _, err := store.InsertMessage(ctx, persistence.NewMessage{
		ConversationID: conv.ID,
		Role:           models.RoleAgent,
		Content:        "written while offline",
		Final:          true,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	fake.Advance(time.Second)
	if state := session.Manager().State(conv.ID); state != realtime.StateSubscribed {
		t.Fatalf("expected subscribed after retry, got %s", state)
	}
	msgs := timeline.Messages()
	if len(msgs) != 1 || msgs[0].Content != "written while offline" {
		t.Fatalf("expected the timeline to catch up with the store, got %+v", msgs)
	}
}

func TestOpenResubscribesFailedConversation(t *testing.T) {
	store := persistence.NewMemoryStore(nil)
	ctx := context.Background()
	agent, _ := store.UpsertAgent(ctx, models.Agent{Name: "Ada"})
	session, _ := newSyncedSession(t, store, realtime.WithMaxRetries(0))

	conv, err := session.Start(ctx, agent.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	timeline, err := session.Open(ctx, conv.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	changes, stop := timeline.Watch(8)
	defer stop()

	store.Drop(conv.ID, errors.New("connection reset"))
	select {
	case change := <-changes:
		if change.Kind != conversation.ChangeFailed {
			t.Fatalf("expected a failed change, got %s", change.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the channel to fail")
	}
	if state := session.Manager().State(conv.ID); state != realtime.StateFailed {
		t.Fatalf("expected failed, got %s", state)
	}

	again, err := session.Open(ctx, conv.ID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again != timeline {
		t.Fatalf("expected the open timeline to be reused")
	}
	if state := session.Manager().State(conv.ID); state != realtime.StateSubscribed {
		t.Fatalf("expected reopening to subscribe again, got %s", state)
	}
	if got := store.Subscribers(conv.ID); got != 1 {
		t.Fatalf("expected one backend channel, got %d", got)
	}
}
