package messenger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/goftegu/internal/api"
	"github.com/4xmen/goftegu/internal/auth"
	"github.com/4xmen/goftegu/internal/conversations"
	"github.com/4xmen/goftegu/internal/directory"
	"github.com/4xmen/goftegu/internal/fakeapi"
	"github.com/4xmen/goftegu/internal/follow"
	"github.com/4xmen/goftegu/internal/models"
	"github.com/4xmen/goftegu/internal/thread"
	"github.com/4xmen/goftegu/internal/ws"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var (
	alice = models.User{ID: "u-alice", Name: "Alice Nouri", Role: models.RoleFounder}
	bob   = models.User{ID: "u-bob", Name: "Bob Tehrani", Role: models.RoleInvestor}
	carol = models.User{ID: "u-carol", Name: "Carol Josefina", Role: models.RoleExpert}
	dave  = models.User{ID: "u-dave", Name: "Dave Finley", Role: models.RoleOther}
)

type env struct {
	fake    *fakeapi.Server
	baseURL string
	wsURL   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fake := fakeapi.New("test-secret")
	for _, u := range []models.User{alice, bob, carol, dave} {
		require.NoError(t, fake.Store().AddUser(u, strings.ToLower(strings.Fields(u.Name)[0]), "password123"))
	}
	server := httptest.NewServer(fake.Handler())
	t.Cleanup(func() {
		server.Close()
		fake.Close()
	})
	return &env{
		fake:    fake,
		baseURL: server.URL + "/api",
		wsURL:   "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
}

func (e *env) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.fake.Token(userID)
	require.NoError(t, err)
	return tok
}

func (e *env) messenger(t *testing.T, token string, mutate ...func(*Config)) *Messenger {
	t.Helper()
	cfg := Config{
		Token:          token,
		APIBaseURL:     e.baseURL,
		WebSocketURL:   e.wsURL,
		SearchDebounce: 10 * time.Millisecond,
		// Keep-alive reuse would let net/http silently replay a GET after a
		// dropped connection.
		HTTPClient: &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestNewRejectsMalformedToken(t *testing.T) {
	_, err := New(Config{Token: "not-a-jwt", APIBaseURL: "http://localhost"})
	require.Error(t, err)
}

func TestNewReadsIdentityFromToken(t *testing.T) {
	e := newEnv(t)
	m := e.messenger(t, e.token(t, alice.ID))
	assert.Equal(t, alice.ID, m.Me().ID)
	assert.Equal(t, alice.Name, m.Me().Name)
	assert.Equal(t, directory.ListLimit, m.Directory.Limit())
	assert.Equal(t, directory.CompactLimit, m.Sidebar.Limit())
}

func TestScenarioNotFollowingIsGated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.messenger(t, e.token(t, alice.ID))
	require.NoError(t, m.Start(ctx))

	res := m.Directory.Recommended(ctx)
	require.NoError(t, res.Err)
	entries := directory.Annotate(res.Users, m.Gate)
	var bobEntry *directory.Entry
	for i := range entries {
		if entries[i].User.ID == bob.ID {
			bobEntry = &entries[i]
		}
	}
	require.NotNil(t, bobEntry)
	assert.False(t, bobEntry.CanMessage)

	_, err := m.Open(ctx, bob.ID)
	require.ErrorIs(t, err, follow.ErrNotFollowing)
	assert.Equal(t, "Follow this user to message them", m.UserMessage(err))
	assert.Empty(t, m.Conversations.State().Conversations)
	assert.Equal(t, 0, e.fake.Calls("POST /messaging/conversations"))
}

func TestScenarioFollowThenOpen(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.messenger(t, e.token(t, alice.ID))
	require.NoError(t, m.Start(ctx))

	require.NoError(t, m.Gate.Follow(ctx, bob.ID))
	conv, err := m.Open(ctx, bob.ID)
	require.NoError(t, err)

	state := m.Conversations.State()
	assert.Equal(t, conv.ID, state.ActiveID)
	require.Len(t, state.Conversations, 1)

	ts := m.Thread.State()
	assert.Equal(t, conv.ID, ts.ConversationID)
	assert.True(t, ts.Empty())
	assert.False(t, ts.Sending)

	// A second open merges into the same entry.
	again, err := m.Open(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
	assert.Len(t, m.Conversations.State().Conversations, 1)
}

func TestScenarioSendUpdatesThreadAndList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.messenger(t, e.token(t, alice.ID))
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Gate.Follow(ctx, bob.ID))
	conv, err := m.Open(ctx, bob.ID)
	require.NoError(t, err)

	m.Thread.SetDraft("Hi there")
	msg, err := m.Thread.Send(ctx)
	require.NoError(t, err)

	ts := m.Thread.State()
	require.Len(t, ts.Messages, 1)
	assert.Equal(t, "Hi there", ts.Messages[0].Content)
	assert.Equal(t, alice.ID, ts.Messages[0].Sender.ID)
	assert.Equal(t, msg.ID, ts.Messages[0].ID)
	assert.Empty(t, ts.Draft)

	got, ok := m.Conversations.Get(conv.ID)
	require.True(t, ok)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "Hi there", got.LastMessage.Content)
}

func TestScenarioSendFailureKeepsDraft(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.messenger(t, e.token(t, alice.ID))
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Gate.Follow(ctx, bob.ID))
	_, err := m.Open(ctx, bob.ID)
	require.NoError(t, err)

	e.fake.FailNext("POST /messaging/conversations/:id/messages", http.StatusInternalServerError)
	_, err = m.Thread.SendText(ctx, "Hello")
	require.Error(t, err)
	assert.Equal(t, "Hello", m.Thread.Draft())
	assert.Empty(t, m.Thread.State().Messages)
	assert.Equal(t, "something went wrong, please try again", m.UserMessage(err))
}

func TestScenarioSearch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.messenger(t, e.token(t, alice.ID))

	res := m.Directory.Search(ctx, "fin")
	require.NoError(t, res.Err)
	ids := make([]string, 0, len(res.Users))
	for _, u := range res.Users {
		ids = append(ids, u.ID)
		matched := strings.Contains(strings.ToLower(u.Name), "fin") || strings.Contains(string(u.Role), "fin")
		assert.True(t, matched, u.Name)
	}
	assert.ElementsMatch(t, []string{carol.ID, dave.ID}, ids)

	cleared := m.Directory.Search(ctx, "  ")
	recommended := m.Directory.Recommended(ctx)
	require.NoError(t, cleared.Err)
	assert.Equal(t, recommended.Users, cleared.Users)
	assert.Len(t, cleared.Users, 3)
}

func TestDebouncedQueryDeliversLatest(t *testing.T) {
	e := newEnv(t)
	m := e.messenger(t, e.token(t, alice.ID))

	results := make(chan directory.Result, 4)
	m.Sidebar.OnResult(func(r directory.Result) { results <- r })
	m.Sidebar.Query(context.Background(), "bo")
	m.Sidebar.Query(context.Background(), "bob")

	select {
	case r := <-results:
		assert.Equal(t, "bob", r.Query)
		require.Len(t, r.Users, 1)
		assert.Equal(t, bob.ID, r.Users[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no search result")
	}
}

func TestScenarioFetchFailureKeepsList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.fake.Store().Follow(alice.ID, bob.ID))
	_, _, err := e.fake.Store().GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)

	m := e.messenger(t, e.token(t, alice.ID))
	require.NoError(t, m.Start(ctx))
	require.Len(t, m.Conversations.State().Conversations, 1)

	e.fake.FailNext("GET /messaging/conversations", 0)
	err = m.Conversations.Fetch(ctx)
	require.Error(t, err)
	assert.True(t, api.IsRetryable(err))
	assert.Equal(t, "network error, please try again", m.UserMessage(err))

	state := m.Conversations.State()
	assert.Equal(t, conversations.StatusError, state.Status)
	assert.Error(t, state.Err)
	assert.Len(t, state.Conversations, 1)

	require.NoError(t, e.fake.Store().Follow(alice.ID, carol.ID))
	_, _, err = e.fake.Store().GetOrCreateConversation(alice.ID, carol.ID)
	require.NoError(t, err)

	require.NoError(t, m.Conversations.Fetch(ctx))
	state = m.Conversations.State()
	assert.Equal(t, conversations.StatusLoaded, state.Status)
	assert.NoError(t, state.Err)
	assert.Len(t, state.Conversations, 2)
}

func TestServerSideFollowRuleMapsToFollowMessage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.fake.Store().Follow(alice.ID, bob.ID))

	m := e.messenger(t, e.token(t, alice.ID))
	require.NoError(t, m.Start(ctx))
	require.True(t, m.Gate.IsFollowing(bob.ID))

	// Unfollowed elsewhere; the local cache is now stale.
	require.NoError(t, e.fake.Store().Unfollow(alice.ID, bob.ID))

	_, err := m.Open(ctx, bob.ID)
	require.ErrorIs(t, err, conversations.ErrStartFailed)
	assert.True(t, api.IsStatus(err, http.StatusForbidden))
	assert.Equal(t, "Follow this user to message them", m.UserMessage(err))
	assert.Empty(t, m.Conversations.State().Conversations)
}

func TestUnauthorizedInvalidatesOnce(t *testing.T) {
	e := newEnv(t)
	foreign, err := auth.NewIssuer("some-other-secret").GenerateToken(alice)
	require.NoError(t, err)

	var calls atomic.Int32
	m := e.messenger(t, foreign, func(c *Config) {
		c.OnUnauthorized = func() { calls.Add(1) }
	})

	err = m.Start(context.Background())
	require.ErrorIs(t, err, api.ErrUnauthorized)
	_ = m.Conversations.Fetch(context.Background())

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, m.Invalidated())
	assert.Equal(t, "session expired, please log in again", m.UserMessage(err))
	assert.ErrorIs(t, m.Listen(context.Background()), api.ErrUnauthorized)
}

func TestListenRejectedHandshake(t *testing.T) {
	e := newEnv(t)
	foreign, err := auth.NewIssuer("some-other-secret").GenerateToken(alice)
	require.NoError(t, err)

	var calls atomic.Int32
	m := e.messenger(t, foreign, func(c *Config) {
		c.OnUnauthorized = func() { calls.Add(1) }
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = m.Listen(ctx)
	require.ErrorIs(t, err, api.ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRealtimeEvents(t *testing.T) {
	e := newEnv(t)
	store := e.fake.Store()
	for _, pair := range [][2]string{{alice.ID, bob.ID}, {bob.ID, alice.ID}, {carol.ID, alice.ID}} {
		require.NoError(t, store.Follow(pair[0], pair[1]))
	}
	conv, _, err := store.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)

	ctx := context.Background()
	m := e.messenger(t, e.token(t, alice.ID))
	require.NoError(t, m.Start(ctx))
	require.Equal(t, conv.ID, m.Conversations.State().ActiveID)

	listenCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Listen(listenCtx) }()
	defer func() {
		stop()
		<-done
	}()
	require.Eventually(t, func() bool { return e.fake.Hub().IsUserOnline(alice.ID) }, 2*time.Second, 10*time.Millisecond)

	bobClient := api.New(e.baseURL, api.WithStaticToken(e.token(t, bob.ID)))
	_, err = bobClient.SendMessage(ctx, conv.ID, "welcome aboard")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := m.Thread.State().Messages
		return len(msgs) == 1 && msgs[0].Content == "welcome aboard"
	}, 2*time.Second, 10*time.Millisecond)
	got, _ := m.Conversations.Get(conv.ID)
	assert.Equal(t, 0, got.Unread(alice.ID), "the open conversation stays read")

	reply, err := m.Thread.SendText(ctx, "thanks")
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptSent, reply.Receipt())

	// Bob reads the conversation; alice's thread shows the receipt.
	require.NoError(t, bobClient.MarkConversationRead(ctx, conv.ID))
	require.Eventually(t, func() bool {
		msgs := m.Thread.State().Messages
		return len(msgs) == 2 && msgs[1].IsReadBy(bob.ID)
	}, 2*time.Second, 10*time.Millisecond)

	// A message in a conversation alice has never seen refreshes her list.
	carolClient := api.New(e.baseURL, api.WithStaticToken(e.token(t, carol.ID)))
	carolConv, err := carolClient.GetOrCreateConversation(ctx, alice.ID)
	require.NoError(t, err)
	_, err = carolClient.SendMessage(ctx, carolConv.ID, "hello from carol")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, ok := m.Conversations.Get(carolConv.ID)
		return ok && c.Unread(alice.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, conv.ID, m.Thread.ConversationID())
}

func TestHandleEventIgnoresUnknownTypes(t *testing.T) {
	e := newEnv(t)
	m := e.messenger(t, e.token(t, alice.ID))
	m.HandleEvent(context.Background(), ws.Event{Type: "typing"})
	m.HandleEvent(context.Background(), ws.Event{Type: ws.EventMessage})
	assert.Empty(t, m.Conversations.State().Conversations)
	assert.Zero(t, e.fake.Calls("GET /messaging/conversations"))
}

func TestMessageKey(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"not following", follow.ErrNotFollowing, "Follow this user to message them"},
		{"unauthorized", &api.StatusError{StatusCode: http.StatusUnauthorized}, "session expired, please log in again"},
		{"start forbidden", &conversations.StartError{UserID: "u1", Err: &api.StatusError{StatusCode: http.StatusForbidden}}, "Follow this user to message them"},
		{"start failed", &conversations.StartError{UserID: "u1", Err: &api.StatusError{StatusCode: http.StatusInternalServerError}}, "failed to start conversation"},
		{"empty message", errors.Wrap(thread.ErrEmptyMessage, "send"), "message cannot be empty"},
		{"no conversation", thread.ErrNoConversation, "no active conversation"},
		{"in flight", thread.ErrSendInFlight, "a message is already being sent"},
		{"no files", thread.ErrNoFiles, "no files selected"},
		{"local attachments", thread.ErrLocalAttachments, "attachments are not available here"},
		{"rate limited", &api.StatusError{StatusCode: http.StatusTooManyRequests}, "rate limit exceeded"},
		{"transport", &api.TransportError{Err: errors.New("connection refused")}, "network error, please try again"},
		{"other", errors.New("boom"), "something went wrong, please try again"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MessageKey(tt.err))
		})
	}
}

func TestUserMessageTranslates(t *testing.T) {
	e := newEnv(t)
	m := e.messenger(t, e.token(t, alice.ID), func(c *Config) { c.Locale = "fa" })
	assert.Equal(t, "پیام نمی تواند خالی باشد", m.UserMessage(thread.ErrEmptyMessage))
}

func TestStartWithSelectsLinkedConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	store := e.fake.Store()
	require.NoError(t, store.Follow(alice.ID, bob.ID))
	require.NoError(t, store.Follow(alice.ID, carol.ID))
	first, _, err := store.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)
	_, _, err = store.AddMessage(alice.ID, first.ID, "newest", nil)
	require.NoError(t, err)

	m := e.messenger(t, e.token(t, alice.ID))
	conv, err := m.StartWith(ctx, carol.ID)
	require.NoError(t, err)

	other, ok := conv.Other(alice.ID)
	require.True(t, ok)
	assert.Equal(t, carol.ID, other.ID)
	assert.Equal(t, conv.ID, m.Conversations.State().ActiveID)
	assert.Equal(t, conv.ID, m.Thread.ConversationID())
	assert.Len(t, m.Conversations.State().Conversations, 2)
}

func TestStartWithNotFollowing(t *testing.T) {
	e := newEnv(t)
	m := e.messenger(t, e.token(t, alice.ID))
	_, err := m.StartWith(context.Background(), dave.ID)
	require.ErrorIs(t, err, follow.ErrNotFollowing)
	assert.Equal(t, 0, e.fake.Calls("POST /messaging/conversations"))
}

func TestOnEventSeesAppliedEvents(t *testing.T) {
	e := newEnv(t)
	var seen []string
	m := e.messenger(t, e.token(t, alice.ID), func(c *Config) {
		c.OnEvent = func(ev ws.Event) { seen = append(seen, ev.Type) }
	})
	m.HandleEvent(context.Background(), ws.Event{Type: ws.EventConversationRead, ConversationID: "c1", UserID: bob.ID})
	m.HandleEvent(context.Background(), ws.Event{Type: "typing"})
	assert.Equal(t, []string{ws.EventConversationRead}, seen)
}

func TestStartOpensPendingDeepLinkAfterFollowSetLoads(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.fake.Store().Follow(alice.ID, bob.ID))

	handler := e.fake.Handler()
	slowFollows := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/follow/following" {
			time.Sleep(100 * time.Millisecond)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(slowFollows.Close)

	m := e.messenger(t, e.token(t, alice.ID), func(cfg *Config) {
		cfg.APIBaseURL = slowFollows.URL + "/api"
	})
	ctx := context.Background()
	require.NoError(t, m.Conversations.OpenDeepLink(ctx, bob.ID))
	require.NoError(t, m.Start(ctx))

	st := m.Conversations.State()
	require.NoError(t, st.StartErr)
	active, ok := m.Conversations.Active()
	require.True(t, ok)
	other, _ := active.Other(alice.ID)
	assert.Equal(t, bob.ID, other.ID)
	assert.Equal(t, active.ID, m.Thread.ConversationID())
}

func TestDeselectClosesThread(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.fake.Store().Follow(alice.ID, bob.ID))

	m := e.messenger(t, e.token(t, alice.ID))
	require.NoError(t, m.Start(ctx))
	conv, err := m.Open(ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, conv.ID, m.Thread.ConversationID())

	m.Conversations.Deselect()
	assert.Empty(t, m.Thread.ConversationID())
}
