package fakeapi

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/4xmen/goftegu/internal/auth"
	"github.com/4xmen/goftegu/internal/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFollowing = errors.New("Follow this user to message them")
	ErrInvalid      = errors.New("invalid request")
)

type account struct {
	user         models.User
	username     string
	passwordHash string
}

// Store is the in-memory state behind the fake Messaging API.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	accounts  map[string]*account
	usernames map[string]string
	ranking   []string

	follows map[string]map[string]struct{}

	conversations map[string]*models.Conversation
	pairs         map[[2]string]string
	messages      map[string][]models.Message
}

func NewStore() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		accounts:      make(map[string]*account),
		usernames:     make(map[string]string),
		follows:       make(map[string]map[string]struct{}),
		conversations: make(map[string]*models.Conversation),
		pairs:         make(map[[2]string]string),
		messages:      make(map[string][]models.Message),
	}
}

// SetClock replaces the time source used for new conversations and messages.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddUser registers a user. Users are ranked for recommendation in insertion
// order.
func (s *Store) AddUser(u models.User, username, password string) error {
	if u.ID == "" || username == "" {
		return fail(ErrInvalid, "user id and username are required")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if u.Role == "" {
		u.Role = models.RoleOther
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[u.ID]; exists {
		return errors.Errorf("user %s already exists", u.ID)
	}
	key := strings.ToLower(username)
	if _, exists := s.usernames[key]; exists {
		return errors.Errorf("username %s already taken", username)
	}
	s.accounts[u.ID] = &account{user: u, username: username, passwordHash: hash}
	s.usernames[key] = u.ID
	s.ranking = append(s.ranking, u.ID)
	return nil
}

func (s *Store) Authenticate(username, password string) (models.User, error) {
	s.mu.Lock()
	id, ok := s.usernames[strings.ToLower(username)]
	var acc *account
	if ok {
		acc = s.accounts[id]
	}
	s.mu.Unlock()

	if acc == nil {
		return models.User{}, errors.New("invalid username or password")
	}
	if err := auth.CheckPassword(acc.passwordHash, password); err != nil {
		return models.User{}, err
	}
	return acc.user, nil
}

func (s *Store) User(id string) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return models.User{}, false
	}
	return acc.user, true
}

// Recommended returns every other user in ranking order.
func (s *Store) Recommended(me string) []models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.User, 0, len(s.ranking))
	for _, id := range s.ranking {
		if id != me {
			out = append(out, s.accounts[id].user)
		}
	}
	return out
}

// Search matches the query case-insensitively against name and role.
func (s *Store) Search(me, query string) []models.User {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.User{}
	for _, id := range s.ranking {
		if id == me {
			continue
		}
		u := s.accounts[id].user
		if strings.Contains(strings.ToLower(u.Name), q) || strings.Contains(string(u.Role), q) {
			out = append(out, u)
		}
	}
	return out
}

func (s *Store) Follow(me, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if me == target {
		return fail(ErrInvalid, "cannot follow yourself")
	}
	if _, ok := s.accounts[target]; !ok {
		return fail(ErrNotFound, "user not found")
	}
	if s.follows[me] == nil {
		s.follows[me] = make(map[string]struct{})
	}
	s.follows[me][target] = struct{}{}
	return nil
}

func (s *Store) Unfollow(me, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[target]; !ok {
		return fail(ErrNotFound, "user not found")
	}
	delete(s.follows[me], target)
	return nil
}

func (s *Store) Following(me string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.follows[me]))
	for id := range s.follows[me] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) IsFollowing(me, target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.follows[me][target]
	return ok
}

// Conversations lists the conversations of me, most recently updated first.
func (s *Store) Conversations(me string) []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Conversation{}
	for _, conv := range s.conversations {
		if conv.HasParticipant(me) {
			out = append(out, conv.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// GetOrCreateConversation returns the direct conversation between me and
// other, creating it when absent. created reports which happened.
func (s *Store) GetOrCreateConversation(me, other string) (conv models.Conversation, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if me == other {
		return models.Conversation{}, false, fail(ErrInvalid, "cannot create conversation with yourself")
	}
	otherAcc, ok := s.accounts[other]
	if !ok {
		return models.Conversation{}, false, fail(ErrNotFound, "participant not found")
	}
	key := pairKey(me, other)
	if id, ok := s.pairs[key]; ok {
		return s.conversations[id].Clone(), false, nil
	}
	if _, ok := s.follows[me][other]; !ok {
		return models.Conversation{}, false, ErrNotFollowing
	}

	now := s.now()
	c := &models.Conversation{
		ID:           uuid.NewString(),
		Type:         models.ConversationDirect,
		Participants: []models.User{s.accounts[me].user, otherAcc.user},
		UnreadCounts: map[string]int{me: 0, other: 0},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.conversations[c.ID] = c
	s.pairs[key] = c.ID
	return c.Clone(), true, nil
}

func (s *Store) Conversation(me, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.conversationLocked(me, id)
	if err != nil {
		return models.Conversation{}, err
	}
	return conv.Clone(), nil
}

func (s *Store) conversationLocked(me, id string) (*models.Conversation, error) {
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fail(ErrNotFound, "conversation not found")
	}
	if !conv.HasParticipant(me) {
		return nil, fail(ErrForbidden, "not a participant")
	}
	return conv, nil
}

// Messages returns the history of a conversation, oldest first.
func (s *Store) Messages(me, conversationID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conversationLocked(me, conversationID); err != nil {
		return nil, err
	}
	stored := s.messages[conversationID]
	out := make([]models.Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, m.Clone())
	}
	return out, nil
}

// AddMessage stores a message from me and returns it with the ids of all
// participants, for fan-out.
func (s *Store) AddMessage(me, conversationID, content string, attachments []models.Attachment) (models.Message, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.conversationLocked(me, conversationID)
	if err != nil {
		return models.Message{}, nil, err
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         s.accounts[me].user,
		Content:        content,
		Attachments:    attachments,
		ReadBy:         []string{me},
		CreatedAt:      s.now(),
	}
	s.appendLocked(conv, msg)
	return msg.Clone(), participantIDs(*conv), nil
}

// SeedMessage stores msg verbatim, including its id and timestamp.
func (s *Store) SeedMessage(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.conversationLocked(msg.Sender.ID, msg.ConversationID)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if len(msg.ReadBy) == 0 {
		msg.ReadBy = []string{msg.Sender.ID}
	}
	s.appendLocked(conv, msg)
	return nil
}

func (s *Store) appendLocked(conv *models.Conversation, msg models.Message) {
	s.messages[conv.ID] = append(s.messages[conv.ID], msg)
	conv.ApplyLastMessage(msg)
	if conv.UnreadCounts == nil {
		conv.UnreadCounts = make(map[string]int)
	}
	for _, p := range conv.Participants {
		if p.ID != msg.Sender.ID {
			conv.UnreadCounts[p.ID]++
		}
	}
}

// MarkRead zeroes the unread counter of me and adds me to the read-by set of
// every message. It returns the participant ids.
func (s *Store) MarkRead(me, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.conversationLocked(me, conversationID)
	if err != nil {
		return nil, err
	}
	conv.UnreadCounts[me] = 0
	msgs := s.messages[conversationID]
	for i := range msgs {
		if !msgs[i].IsReadBy(me) {
			msgs[i].ReadBy = append(msgs[i].ReadBy, me)
		}
	}
	return participantIDs(*conv), nil
}

func participantIDs(conv models.Conversation) []string {
	ids := make([]string, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// storeError keeps the client-facing message while matching its kind.
type storeError struct {
	kind error
	msg  string
}

func (e *storeError) Error() string { return e.msg }

func (e *storeError) Unwrap() error { return e.kind }

func fail(kind error, msg string) error {
	return &storeError{kind: kind, msg: msg}
}
