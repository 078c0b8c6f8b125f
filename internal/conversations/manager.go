// Package conversations owns the signed-in user's conversation list: loading
// it, get-or-create, the active selection and the unread counters.
package conversations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/4xmen/goftegu/internal/models"
	"github.com/4xmen/goftegu/pkg/logger"
)

type Status int

const (
	StatusUnloaded Status = iota
	StatusLoading
	StatusLoaded
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "unloaded"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	ErrStartFailed         = errors.New("failed to start conversation")
	ErrUnknownConversation = errors.New("conversation not found")
)

// StartError is a failed get-or-create. It matches ErrStartFailed and
// unwraps to the API error.
type StartError struct {
	UserID string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start conversation with %s: %v", e.UserID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

func (e *StartError) Is(target error) bool { return target == ErrStartFailed }

type API interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	GetOrCreateConversation(ctx context.Context, otherUserID string) (*models.Conversation, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// Gate decides whether the current user may message userID.
type Gate interface {
	Allow(userID string) error
}

// SelectHook runs after a conversation becomes active.
type SelectHook func(ctx context.Context, conv models.Conversation) error

// State is a snapshot of the list. Err is the latest list fetch failure; the
// last good list stays in Conversations. StartErr is the latest failure of a
// deep-link open.
type State struct {
	Status        Status
	Conversations []models.Conversation
	ActiveID      string
	Err           error
	StartErr      error
}

// Empty reports a loaded list with nothing in it.
func (s State) Empty() bool {
	return s.Status == StatusLoaded && len(s.Conversations) == 0
}

type Manager struct {
	api    API
	gate   Gate
	me     models.User
	logger *zap.Logger
	now    func() time.Time

	markReadTimeout time.Duration
	hooks           []SelectHook
	deselectHooks   []func()
	gateReady       func(ctx context.Context) error

	mu              sync.Mutex
	status          Status
	convs           []models.Conversation
	active          string
	err             error
	startErr        error
	fetchSeq        uint64
	loadedOnce      bool
	pendingDeepLink string
	// merged maps ids added by get-or-create to the fetchSeq current at the
	// time, so a list request already in flight does not drop them.
	merged map[string]uint64

	background sync.WaitGroup
}

type Option func(*Manager)

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.logger = log }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMarkReadTimeout(d time.Duration) Option {
	return func(m *Manager) { m.markReadTimeout = d }
}

func OnSelect(hook SelectHook) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, hook) }
}

// OnDeselect registers a hook run when the active conversation is cleared,
// either by Deselect or because a refreshed list no longer has it.
func OnDeselect(hook func()) Option {
	return func(m *Manager) { m.deselectHooks = append(m.deselectHooks, hook) }
}

// WaitForGate makes deep links wait for ready (typically the follow-set
// hydrate) before the gate is asked.
func WaitForGate(ready func(ctx context.Context) error) Option {
	return func(m *Manager) { m.gateReady = ready }
}

func New(api API, gate Gate, me models.User, opts ...Option) *Manager {
	m := &Manager{
		api:             api,
		gate:            gate,
		me:              me,
		now:             func() time.Time { return time.Now().UTC() },
		markReadTimeout: 10 * time.Second,
		merged:          make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.OrNop(m.logger)
	return m
}

// Fetch replaces the list with the server's. Local-only conversations are
// kept at the front. On the first successful load a pending deep link is
// opened, or else the first conversation is selected.
func (m *Manager) Fetch(ctx context.Context) error {
	m.mu.Lock()
	m.fetchSeq++
	seq := m.fetchSeq
	m.status = StatusLoading
	m.mu.Unlock()

	convs, err := m.api.ListConversations(ctx)

	m.mu.Lock()
	if seq != m.fetchSeq {
		m.mu.Unlock()
		m.logger.Debug("dropping stale conversation list")
		return nil
	}
	if err != nil {
		m.status = StatusError
		m.err = err
		m.mu.Unlock()
		m.logger.Warn("failed to fetch conversations", zap.Error(err))
		return errors.Wrap(err, "fetch conversations")
	}

	next := make([]models.Conversation, 0, len(convs)+1)
	for _, c := range m.convs {
		switch {
		case c.IsLocal():
			next = append(next, c)
		case m.mergedSince(c.ID, seq) && indexOf(convs, c.ID) < 0:
			next = append(next, c)
		}
	}
	next = append(next, convs...)
	for id, at := range m.merged {
		if at < seq {
			delete(m.merged, id)
		}
	}

	dropped := false
	if m.active != "" {
		if i := indexOf(next, m.active); i >= 0 {
			zeroUnread(&next[i], m.me.ID)
		} else {
			m.logger.Info("active conversation is gone", zap.String("conversation_id", m.active))
			m.active = ""
			dropped = true
		}
	}

	first := !m.loadedOnce
	m.loadedOnce = true
	m.status = StatusLoaded
	m.err = nil
	m.convs = next
	deepLink := m.pendingDeepLink
	m.pendingDeepLink = ""
	active := m.active
	deselectHooks := append([]func(){}, m.deselectHooks...)
	m.mu.Unlock()

	if dropped {
		for _, hook := range deselectHooks {
			hook()
		}
	}
	if !first {
		return nil
	}
	switch {
	case deepLink != "":
		if err := m.openDeepLink(ctx, deepLink); err != nil {
			m.mu.Lock()
			m.startErr = err
			m.mu.Unlock()
			m.logger.Warn("failed to open deep link", zap.String("user_id", deepLink), zap.Error(err))
		}
	case active == "" && len(next) > 0:
		if err := m.Select(ctx, next[0].ID); err != nil {
			m.logger.Warn("failed to open first conversation", zap.Error(err))
		}
	}
	return nil
}

// OpenDeepLink opens the conversation with userID, now if the list is
// loaded, otherwise right after the first load.
func (m *Manager) OpenDeepLink(ctx context.Context, userID string) error {
	m.mu.Lock()
	if !m.loadedOnce {
		m.pendingDeepLink = userID
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.openDeepLink(ctx, userID)
}

func (m *Manager) openDeepLink(ctx context.Context, userID string) error {
	if m.gateReady != nil {
		if err := m.gateReady(ctx); err != nil {
			return err
		}
	}
	_, err := m.StartConversation(ctx, userID)
	return err
}

func (m *Manager) mergedSince(id string, seq uint64) bool {
	at, ok := m.merged[id]
	return ok && at >= seq
}

// StartConversation checks the follow gate before anything else; a rejected
// user costs no request and leaves the list as it was. Placeholder users get
// a local-only conversation.
func (m *Manager) StartConversation(ctx context.Context, userID string) (models.Conversation, error) {
	if err := m.gate.Allow(userID); err != nil {
		return models.Conversation{}, err
	}
	if models.IsPlaceholder(userID) {
		other, ok := models.LookupPlaceholder(userID)
		if !ok {
			other = models.User{ID: userID, Name: userID, Role: models.RoleOther}
		}
		conv := m.merge(models.NewLocalConversation(m.me, other, m.now()))
		if err := m.Select(ctx, conv.ID); err != nil {
			return conv, err
		}
		return conv, nil
	}
	return m.GetOrCreate(ctx, userID)
}

// GetOrCreate asks the server for the conversation with userID, merges it
// into the list and selects it. On failure nothing changes.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (models.Conversation, error) {
	remote, err := m.api.GetOrCreateConversation(ctx, userID)
	if err != nil {
		m.logger.Warn("get-or-create conversation failed", zap.String("user_id", userID), zap.Error(err))
		return models.Conversation{}, &StartError{UserID: userID, Err: err}
	}
	conv := m.merge(*remote)
	if err := m.Select(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// merge prepends conv unless an entry with its id exists, in which case the
// existing entry wins.
func (m *Manager) merge(conv models.Conversation) models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !conv.IsLocal() {
		m.merged[conv.ID] = m.fetchSeq
	}
	if i := indexOf(m.convs, conv.ID); i >= 0 {
		return m.convs[i].Clone()
	}
	m.convs = append([]models.Conversation{conv.Clone()}, m.convs...)
	return conv
}

// Select makes id the active conversation and zeroes its unread counter at
// once. The server is told in the background; that call may fail silently.
func (m *Manager) Select(ctx context.Context, id string) error {
	m.mu.Lock()
	i := indexOf(m.convs, id)
	if i < 0 {
		m.mu.Unlock()
		return errors.Wrap(ErrUnknownConversation, id)
	}
	m.active = id
	zeroUnread(&m.convs[i], m.me.ID)
	conv := m.convs[i].Clone()
	hooks := append([]SelectHook(nil), m.hooks...)
	m.mu.Unlock()

	if !conv.IsLocal() {
		m.markRead(ctx, id)
	}
	for _, hook := range hooks {
		if err := hook(ctx, conv); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) markRead(ctx context.Context, id string) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.markReadTimeout)
		defer cancel()
		if err := m.api.MarkConversationRead(ctx, id); err != nil {
			m.logger.Warn("mark read failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}()
}

func (m *Manager) Deselect() {
	m.mu.Lock()
	m.active = ""
	hooks := append([]func(){}, m.deselectHooks...)
	m.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// ApplyMessage keeps the list's last-message cache and unread counters in
// line with msg. It reports false when the conversation is unknown.
func (m *Manager) ApplyMessage(msg models.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := indexOf(m.convs, msg.ConversationID)
	if i < 0 {
		return false
	}
	conv := &m.convs[i]
	conv.ApplyLastMessage(msg)
	if msg.Sender.ID != m.me.ID && conv.ID != m.active {
		if conv.UnreadCounts == nil {
			conv.UnreadCounts = make(map[string]int)
		}
		conv.UnreadCounts[m.me.ID]++
	}
	return true
}

// ApplyRead records that userID read the conversation elsewhere; only the
// current user's own counter is kept locally.
func (m *Manager) ApplyRead(conversationID, userID string) {
	if userID != m.me.ID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := indexOf(m.convs, conversationID); i >= 0 {
		zeroUnread(&m.convs[i], userID)
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	convs := make([]models.Conversation, len(m.convs))
	for i, c := range m.convs {
		convs[i] = c.Clone()
	}
	return State{
		Status:        m.status,
		Conversations: convs,
		ActiveID:      m.active,
		Err:           m.err,
		StartErr:      m.startErr,
	}
}

func (m *Manager) Active() (models.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == "" {
		return models.Conversation{}, false
	}
	if i := indexOf(m.convs, m.active); i >= 0 {
		return m.convs[i].Clone(), true
	}
	return models.Conversation{}, false
}

func (m *Manager) Get(id string) (models.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := indexOf(m.convs, id); i >= 0 {
		return m.convs[i].Clone(), true
	}
	return models.Conversation{}, false
}

// UnreadTotal sums the current user's unread counters.
func (m *Manager) UnreadTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, c := range m.convs {
		total += c.Unread(m.me.ID)
	}
	return total
}

// Wait blocks until background mark-read calls have finished.
func (m *Manager) Wait() {
	m.background.Wait()
}

func indexOf(convs []models.Conversation, id string) int {
	for i := range convs {
		if convs[i].ID == id {
			return i
		}
	}
	return -1
}

func zeroUnread(c *models.Conversation, userID string) {
	if c.UnreadCounts == nil {
		c.UnreadCounts = make(map[string]int)
	}
	c.UnreadCounts[userID] = 0
}
