// Package messenger wires the messaging components together for one
// signed-in user.
package messenger

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/4xmen/goftegu/internal/api"
	"github.com/4xmen/goftegu/internal/auth"
	"github.com/4xmen/goftegu/internal/conversations"
	"github.com/4xmen/goftegu/internal/directory"
	"github.com/4xmen/goftegu/internal/follow"
	"github.com/4xmen/goftegu/internal/models"
	"github.com/4xmen/goftegu/internal/thread"
	"github.com/4xmen/goftegu/internal/ws"
	"github.com/4xmen/goftegu/pkg/i18n"
	"github.com/4xmen/goftegu/pkg/logger"
)

type Config struct {
	Token          string
	APIBaseURL     string
	WebSocketURL   string
	RequestTimeout time.Duration
	SearchDebounce time.Duration
	ListLimit      int
	CompactLimit   int
	Locale         string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zap.Logger

	// OnUnauthorized runs once, the first time the server rejects the
	// session token.
	OnUnauthorized func()
	// OnEvent sees every realtime event after it has been applied.
	OnEvent func(ws.Event)
}

type Messenger struct {
	me     models.User
	token  string
	logger *zap.Logger
	tr     func(string) string

	Client        *api.Client
	Gate          *follow.Gate
	Directory     *directory.Directory
	Sidebar       *directory.Directory
	Conversations *conversations.Manager
	Thread        *thread.Thread

	subscriber     *ws.Subscriber
	onEvent        func(ws.Event)
	onUnauthorized func()
	invalidate     sync.Once

	mu           sync.Mutex
	invalidated  bool
	cancelListen context.CancelFunc
}

// New builds a Messenger for the user the session token belongs to.
func New(cfg Config) (*Messenger, error) {
	me, err := auth.ParseIdentity(cfg.Token)
	if err != nil {
		return nil, errors.Wrap(err, "read session token")
	}
	log := logger.OrNop(cfg.Logger).With(zap.String("user_id", me.ID))

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	m := &Messenger{
		me:             me,
		token:          cfg.Token,
		logger:         log,
		tr:             i18n.For(cfg.Locale),
		onEvent:        cfg.OnEvent,
		onUnauthorized: cfg.OnUnauthorized,
	}

	m.Client = api.New(cfg.APIBaseURL,
		api.WithHTTPClient(httpClient),
		api.WithStaticToken(cfg.Token),
		api.WithUnauthorizedHandler(m.sessionRejected),
		api.WithLogger(log.Named("api")))

	debounce := directory.DefaultDebounce
	if cfg.SearchDebounce > 0 {
		debounce = cfg.SearchDebounce
	}
	listLimit, compactLimit := cfg.ListLimit, cfg.CompactLimit
	if listLimit <= 0 {
		listLimit = directory.ListLimit
	}
	if compactLimit <= 0 {
		compactLimit = directory.CompactLimit
	}

	m.Gate = follow.New(m.Client, log.Named("follow"))
	m.Directory = directory.New(m.Client, log.Named("directory"),
		directory.WithLimit(listLimit), directory.WithDebounce(debounce))
	m.Sidebar = directory.New(m.Client, log.Named("sidebar"),
		directory.WithLimit(compactLimit), directory.WithDebounce(debounce))
	m.Thread = thread.New(m.Client, me,
		thread.WithLogger(log.Named("thread")),
		thread.WithRecorder(m))
	m.Conversations = conversations.New(m.Client, m.Gate, me,
		conversations.WithLogger(log.Named("conversations")),
		conversations.OnSelect(m.loadThread),
		conversations.OnDeselect(m.Thread.Reset),
		conversations.WaitForGate(m.Gate.Hydrate))

	if cfg.WebSocketURL != "" {
		opts := []ws.SubscriberOption{ws.WithSubscriberLogger(log.Named("events"))}
		if cfg.Dialer != nil {
			opts = append(opts, ws.WithDialer(cfg.Dialer))
		}
		m.subscriber = ws.NewSubscriber(cfg.WebSocketURL, func() string { return m.token }, m.handle, opts...)
	}
	return m, nil
}

// Me is the signed-in user.
func (m *Messenger) Me() models.User { return m.me }

// Start hydrates the follow set and loads the conversation list side by
// side. A pending deep link waits for the follow set before it is opened.
func (m *Messenger) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Gate.Hydrate(gctx) })
	g.Go(func() error { return m.Conversations.Fetch(gctx) })
	return g.Wait()
}

// StartWith is Start for a session opened through a link to userID: the
// conversation with userID is selected instead of the first one. The follow
// set is loaded before the list so the gate sees it.
func (m *Messenger) StartWith(ctx context.Context, userID string) (models.Conversation, error) {
	if err := m.Gate.Hydrate(ctx); err != nil {
		return models.Conversation{}, err
	}
	if err := m.Conversations.OpenDeepLink(ctx, userID); err != nil {
		return models.Conversation{}, err
	}
	if err := m.Conversations.Fetch(ctx); err != nil {
		return models.Conversation{}, err
	}
	if err := m.Conversations.State().StartErr; err != nil {
		return models.Conversation{}, err
	}
	active, ok := m.Conversations.Active()
	if !ok {
		return models.Conversation{}, errors.Wrap(conversations.ErrUnknownConversation, userID)
	}
	return active, nil
}

// Open starts (or resumes) the conversation with userID and loads its thread.
func (m *Messenger) Open(ctx context.Context, userID string) (models.Conversation, error) {
	return m.Conversations.StartConversation(ctx, userID)
}

// OpenConversation selects a conversation already in the list.
func (m *Messenger) OpenConversation(ctx context.Context, conversationID string) error {
	return m.Conversations.Select(ctx, conversationID)
}

func (m *Messenger) loadThread(ctx context.Context, conv models.Conversation) error {
	return m.Thread.Load(ctx, conv.ID)
}

// ApplyMessage lets the thread report its sends to the conversation list.
func (m *Messenger) ApplyMessage(msg models.Message) bool {
	return m.Conversations.ApplyMessage(msg)
}

// Listen consumes realtime events until ctx is done or the session is
// rejected.
func (m *Messenger) Listen(ctx context.Context) error {
	if m.subscriber == nil {
		return errors.New("no event stream configured")
	}
	m.mu.Lock()
	if m.invalidated {
		m.mu.Unlock()
		return api.ErrUnauthorized
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancelListen = cancel
	m.mu.Unlock()
	defer cancel()

	err := m.subscriber.Run(ctx)
	if errors.Is(err, ws.ErrHandshakeUnauthorized) {
		m.sessionRejected()
		return errors.Wrap(api.ErrUnauthorized, err.Error())
	}
	m.mu.Lock()
	rejected := m.invalidated
	m.mu.Unlock()
	if rejected {
		return api.ErrUnauthorized
	}
	return err
}

func (m *Messenger) handle(ev ws.Event) {
	m.HandleEvent(context.Background(), ev)
}

// HandleEvent applies one realtime event. A message for a conversation the
// list does not know yet triggers a list refresh.
func (m *Messenger) HandleEvent(ctx context.Context, ev ws.Event) {
	switch ev.Type {
	case ws.EventMessage:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		known := m.Conversations.ApplyMessage(msg)
		m.Thread.Receive(msg)
		if !known {
			if err := m.Conversations.Fetch(ctx); err != nil {
				m.logger.Warn("refresh after unknown conversation failed", zap.Error(err))
			}
		}
	case ws.EventConversationRead:
		m.Conversations.ApplyRead(ev.ConversationID, ev.UserID)
		if ev.UserID != m.me.ID {
			m.Thread.MarkReadBy(ev.ConversationID, ev.UserID)
		}
	default:
		m.logger.Debug("ignoring event", zap.String("type", ev.Type))
		return
	}
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

// sessionRejected is the global 401 handler. It stops realtime listening and
// tells the owner once.
func (m *Messenger) sessionRejected() {
	m.invalidate.Do(func() {
		m.logger.Warn("session rejected by server")
		m.mu.Lock()
		m.invalidated = true
		cancel := m.cancelListen
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if m.onUnauthorized != nil {
			m.onUnauthorized()
		}
	})
}

// Invalidated reports whether the server has rejected the session.
func (m *Messenger) Invalidated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidated
}

// Close stops pending searches and waits for background calls.
func (m *Messenger) Close() {
	m.Directory.Stop()
	m.Sidebar.Stop()
	m.mu.Lock()
	if m.cancelListen != nil {
		m.cancelListen()
	}
	m.mu.Unlock()
	m.Conversations.Wait()
}
