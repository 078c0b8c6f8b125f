package fakeapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3"

	"github.com/4xmen/goftegu/internal/models"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var (
	alice = models.User{ID: "u-alice", Name: "Alice Founder", Role: models.RoleFounder}
	bob   = models.User{ID: "u-bob", Name: "Bob Investor", Role: models.RoleInvestor, Verified: true}
	carol = models.User{ID: "u-carol", Name: "Carol", Role: models.RoleExpert}
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv := New("test-jwt-secret", opts...)
	t.Cleanup(srv.Close)
	require.NoError(t, srv.Store().AddUser(alice, "alice", "password123"))
	require.NoError(t, srv.Store().AddUser(bob, "bob", "password123"))
	require.NoError(t, srv.Store().AddUser(carol, "carol", "password123"))
	return srv
}

func token(t *testing.T, srv *Server, userID string) string {
	t.Helper()
	tok, err := srv.Token(userID)
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, srv *Server, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestLogin(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
	}{
		{"valid login", map[string]string{"username": "alice", "password": "password123"}, http.StatusOK},
		{"username is case-insensitive", map[string]string{"username": "ALICE", "password": "password123"}, http.StatusOK},
		{"wrong password", map[string]string{"username": "alice", "password": "wrongpassword"}, http.StatusUnauthorized},
		{"non-existent user", map[string]string{"username": "nobody", "password": "password123"}, http.StatusUnauthorized},
		{"missing password", map[string]string{"username": "alice"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusOK {
				resp := decode[loginResponse](t, w)
				assert.NotEmpty(t, resp.Token)
				assert.Equal(t, alice, resp.User)
			}
		})
	}
}

func TestLoginRateLimit(t *testing.T) {
	srv := newTestServer(t, WithLoginRate(limiter.Rate{Period: time.Minute, Limit: 2}))
	body := map[string]string{"username": "alice", "password": "wrongpassword"}

	assert.Equal(t, http.StatusUnauthorized, doJSON(t, srv, http.MethodPost, "/api/auth/login", "", body).Code)
	w := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusTooManyRequests, doJSON(t, srv, http.MethodPost, "/api/auth/login", "", body).Code)
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, doJSON(t, srv, http.MethodGet, "/api/messaging/conversations", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, srv, http.MethodGet, "/api/messaging/conversations", "not-a-jwt", nil).Code)

	other := New("another-secret")
	t.Cleanup(other.Close)
	require.NoError(t, other.Store().AddUser(alice, "alice", "password123"))
	foreign, err := other.Token(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, srv, http.MethodGet, "/api/messaging/conversations", foreign, nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/follow/following?token="+token(t, srv, alice.ID), nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFollowRoutes(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, srv, alice.ID)

	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/follow/u-bob", tok, nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/follow/u-carol", tok, nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, srv, http.MethodPost, "/api/follow/u-ghost", tok, nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, srv, http.MethodPost, "/api/follow/u-alice", tok, nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodDelete, "/api/follow/u-carol", tok, nil).Code)

	w := doJSON(t, srv, http.MethodGet, "/api/follow/following", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string][]string](t, w)
	assert.Equal(t, []string{"u-bob"}, resp["followingUserIds"])
}

func TestConversations(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, srv, alice.ID)

	t.Run("requires follow", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/api/messaging/conversations", tok, map[string]string{"otherUserId": bob.ID})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "Follow this user to message them", decode[map[string]string](t, w)["error"])
	})

	require.NoError(t, srv.Store().Follow(alice.ID, bob.ID))

	var created models.Conversation
	t.Run("create conversation", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/api/messaging/conversations", tok, map[string]string{"otherUserId": bob.ID})
		require.Equal(t, http.StatusCreated, w.Code)
		created = decode[models.Conversation](t, w)
		assert.NotEmpty(t, created.ID)
		assert.True(t, created.HasParticipant(alice.ID))
		assert.True(t, created.HasParticipant(bob.ID))
	})

	t.Run("duplicate conversation returns existing", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/api/messaging/conversations", tok, map[string]string{"otherUserId": bob.ID})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, created.ID, decode[models.Conversation](t, w).ID)
	})

	t.Run("other side gets the same conversation without following", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/api/messaging/conversations", token(t, srv, bob.ID), map[string]string{"otherUserId": alice.ID})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, created.ID, decode[models.Conversation](t, w).ID)
	})

	t.Run("invalid participants", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest,
			doJSON(t, srv, http.MethodPost, "/api/messaging/conversations", tok, map[string]string{"otherUserId": alice.ID}).Code)
		assert.Equal(t, http.StatusNotFound,
			doJSON(t, srv, http.MethodPost, "/api/messaging/conversations", tok, map[string]string{"otherUserId": "u-ghost"}).Code)
		assert.Equal(t, http.StatusBadRequest,
			doJSON(t, srv, http.MethodPost, "/api/messaging/conversations", tok, map[string]string{}).Code)
	})

	t.Run("list", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/api/messaging/conversations", tok, nil)
		require.Equal(t, http.StatusOK, w.Code)
		list := decode[[]models.Conversation](t, w)
		require.Len(t, list, 1)
		assert.Equal(t, created.ID, list[0].ID)

		w = doJSON(t, srv, http.MethodGet, "/api/messaging/conversations", token(t, srv, carol.ID), nil)
		assert.Empty(t, decode[[]models.Conversation](t, w))
	})
}

func TestMessages(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Store().Follow(alice.ID, bob.ID))
	conv, _, err := srv.Store().GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)

	aliceTok := token(t, srv, alice.ID)
	bobTok := token(t, srv, bob.ID)
	path := "/api/messaging/conversations/" + conv.ID

	assert.Equal(t, http.StatusBadRequest, doJSON(t, srv, http.MethodPost, path+"/messages", aliceTok, map[string]string{"content": "   "}).Code)

	w := doJSON(t, srv, http.MethodPost, path+"/messages", aliceTok, map[string]string{"content": "hello bob"})
	require.Equal(t, http.StatusCreated, w.Code)
	sent := decode[models.Message](t, w)
	assert.Equal(t, "hello bob", sent.Content)
	assert.Equal(t, alice.ID, sent.Sender.ID)
	assert.Equal(t, []string{alice.ID}, sent.ReadBy)

	stored, err := srv.Store().Conversation(bob.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Unread(bob.ID))
	assert.Equal(t, 0, stored.Unread(alice.ID))
	require.NotNil(t, stored.LastMessage)
	assert.Equal(t, "hello bob", stored.LastMessage.Content)

	w = doJSON(t, srv, http.MethodPut, path+"/read", bobTok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, path+"/messages", aliceTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode[[]models.Message](t, w)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.ReceiptRead, msgs[0].Receipt())

	stored, err = srv.Store().Conversation(bob.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Unread(bob.ID))

	carolTok := token(t, srv, carol.ID)
	assert.Equal(t, http.StatusForbidden, doJSON(t, srv, http.MethodGet, path+"/messages", carolTok, nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, srv, http.MethodGet, "/api/messaging/conversations/missing/messages", aliceTok, nil).Code)
}

func TestAttachments(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Store().Follow(alice.ID, bob.ID))
	conv, _, err := srv.Store().GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="files"; filename="notes.txt"`)
	header.Set("Content-Type", "text/plain")
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, _ = part.Write([]byte("meeting notes"))

	part, err = mw.CreateFormFile("files", "deck.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF-1.4\n%fake deck\n"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/messaging/conversations/"+conv.ID+"/attachments", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token(t, srv, alice.ID))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	msg := decode[models.Message](t, w)
	assert.Empty(t, msg.Content)
	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, "notes.txt", msg.Attachments[0].OriginalName)
	assert.Equal(t, "text/plain", msg.Attachments[0].MimeType)
	assert.Equal(t, int64(len("meeting notes")), msg.Attachments[0].Size)
	assert.Equal(t, "deck.pdf", msg.Attachments[1].OriginalName)
	assert.Equal(t, "application/pdf", msg.Attachments[1].MimeType)
	assert.Equal(t, "📎 notes.txt", msg.Preview())

	empty := multipart.NewWriter(&bytes.Buffer{})
	_ = empty.Close()
	req = httptest.NewRequest(http.MethodPost, "/api/messaging/conversations/"+conv.ID+"/attachments", bytes.NewReader(nil))
	req.Header.Set("Content-Type", empty.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token(t, srv, alice.ID))
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUserListing(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, srv, alice.ID)

	w := doJSON(t, srv, http.MethodGet, "/api/messaging/users/messaging", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []models.User{bob, carol}, decode[[]models.User](t, w))

	tests := []struct {
		query string
		want  []models.User
	}{
		{"BOB", []models.User{bob}},
		{"expert", []models.User{carol}},
		{"alice", []models.User{}},
		{"zzz", []models.User{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := doJSON(t, srv, http.MethodGet, "/api/messaging/users/search?query="+tt.query, tok, nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, decode[[]models.User](t, w))
		})
	}
}

func TestFaultInjection(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, srv, alice.ID)
	route := "GET /messaging/conversations"

	srv.FailNext(route, http.StatusServiceUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, srv, http.MethodGet, "/api/messaging/conversations", tok, nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/api/messaging/conversations", tok, nil).Code)
	assert.Equal(t, 2, srv.Calls(route))
	assert.Equal(t, 0, srv.Calls("PUT /messaging/conversations/:id/read"))
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, srv, http.MethodGet, "/api/nowhere", "", nil).Code)
}

func TestSeedDemo(t *testing.T) {
	store := NewStore()
	require.NoError(t, SeedDemo(store))

	user, err := store.Authenticate("sara", DemoPassword)
	require.NoError(t, err)
	assert.Equal(t, "u-sara", user.ID)
	assert.True(t, store.IsFollowing("u-sara", "u-reza"))

	convs := store.Conversations("u-sara")
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].Unread("u-sara"))
}
