// Package thread holds the messages of the conversation that is open and
// sends new ones.
package thread

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/4xmen/goftegu/internal/api"
	"github.com/4xmen/goftegu/internal/models"
	"github.com/4xmen/goftegu/pkg/logger"
)

var (
	ErrEmptyMessage     = errors.New("message is empty")
	ErrNoConversation   = errors.New("no conversation selected")
	ErrSendInFlight     = errors.New("a message is already being sent")
	ErrNoFiles          = errors.New("no files selected")
	ErrLocalAttachments = errors.New("attachments cannot be sent to a suggested user")
)

type API interface {
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID, content string) (*models.Message, error)
	SendAttachments(ctx context.Context, conversationID string, files []api.Upload) (*models.Message, error)
}

// Recorder receives every message this thread sends, to keep the
// conversation list's last-message cache current.
type Recorder interface {
	ApplyMessage(msg models.Message) bool
}

type State struct {
	ConversationID string
	Messages       []models.Message
	Draft          string
	Loading        bool
	Sending        bool
	Uploading      int
	Err            error
}

// CanSend is the state of the send control. The draft itself stays editable
// while a send is in flight.
func (s State) CanSend() bool {
	return s.ConversationID != "" && !s.Sending && strings.TrimSpace(s.Draft) != ""
}

// Empty reports a loaded conversation without messages.
func (s State) Empty() bool {
	return s.ConversationID != "" && !s.Loading && s.Err == nil && len(s.Messages) == 0
}

type Thread struct {
	api      API
	recorder Recorder
	me       models.User
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	gen       uint64
	convID    string
	messages  []models.Message
	early     []models.Message
	draft     string
	loading   bool
	sending   bool
	uploading int
	err       error
}

type Option func(*Thread)

func WithLogger(log *zap.Logger) Option {
	return func(t *Thread) { t.logger = log }
}

func WithRecorder(r Recorder) Option {
	return func(t *Thread) { t.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(t *Thread) { t.now = now }
}

func New(api API, me models.User, opts ...Option) *Thread {
	t := &Thread{
		api: api,
		me:  me,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logger.OrNop(t.logger)
	return t
}

// Load replaces the thread with conversationID's history, in the order the
// server returns it. The previous messages and draft are cleared first. A
// response that arrives after another Load started is dropped.
func (t *Thread) Load(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.convID = conversationID
	t.messages = nil
	t.early = nil
	t.draft = ""
	t.err = nil
	t.sending = false
	t.uploading = 0
	t.loading = conversationID != "" && !models.IsLocalConversation(conversationID)
	loading := t.loading
	t.mu.Unlock()

	if !loading {
		return nil
	}

	msgs, err := t.api.ListMessages(ctx, conversationID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		t.logger.Debug("dropping stale message list", zap.String("conversation_id", conversationID))
		return nil
	}
	t.loading = false
	if err != nil {
		t.err = err
		t.logger.Warn("failed to load messages", zap.String("conversation_id", conversationID), zap.Error(err))
		return errors.Wrap(err, "load messages")
	}
	t.messages = msgs
	for _, m := range t.early {
		t.appendLocked(m)
	}
	t.early = nil
	return nil
}

// Reset closes the thread.
func (t *Thread) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.convID = ""
	t.messages = nil
	t.early = nil
	t.draft = ""
	t.loading = false
	t.sending = false
	t.uploading = 0
	t.err = nil
}

func (t *Thread) SetDraft(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.draft = text
}

func (t *Thread) Draft() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draft
}

// SendText replaces the draft with text and sends it.
func (t *Thread) SendText(ctx context.Context, text string) (models.Message, error) {
	t.SetDraft(text)
	return t.Send(ctx)
}

// Send posts the draft. Only the server's canonical message is appended. The
// draft is cleared on success unless it was edited while the send was in
// flight, and kept on failure.
func (t *Thread) Send(ctx context.Context) (models.Message, error) {
	t.mu.Lock()
	draft := t.draft
	content := strings.TrimSpace(draft)
	switch {
	case t.convID == "":
		t.mu.Unlock()
		return models.Message{}, ErrNoConversation
	case content == "":
		t.mu.Unlock()
		return models.Message{}, ErrEmptyMessage
	case t.sending:
		t.mu.Unlock()
		return models.Message{}, ErrSendInFlight
	}
	t.sending = true
	gen, convID := t.gen, t.convID
	t.mu.Unlock()

	var msg models.Message
	var err error
	if models.IsLocalConversation(convID) {
		msg = t.localMessage(convID, content)
	} else {
		var sent *models.Message
		sent, err = t.api.SendMessage(ctx, convID, content)
		if err == nil {
			msg = *sent
		}
	}

	t.mu.Lock()
	current := gen == t.gen
	if current {
		t.sending = false
	}
	if err != nil {
		if current {
			t.err = err
		}
		t.mu.Unlock()
		t.logger.Warn("send failed", zap.String("conversation_id", convID), zap.Error(err))
		return models.Message{}, errors.Wrap(err, "send message")
	}
	if current {
		t.appendLocked(msg)
		if t.draft == draft {
			t.draft = ""
		}
		t.err = nil
	}
	t.mu.Unlock()

	t.record(msg)
	return msg, nil
}

// SendAttachments uploads files as one message. It does not wait for, or
// block, a text send; whichever finishes first is appended first.
func (t *Thread) SendAttachments(ctx context.Context, files []api.Upload) (models.Message, error) {
	if len(files) == 0 {
		return models.Message{}, ErrNoFiles
	}

	t.mu.Lock()
	if t.convID == "" {
		t.mu.Unlock()
		return models.Message{}, ErrNoConversation
	}
	if models.IsLocalConversation(t.convID) {
		t.mu.Unlock()
		return models.Message{}, ErrLocalAttachments
	}
	t.uploading++
	gen, convID := t.gen, t.convID
	t.mu.Unlock()

	sent, err := t.api.SendAttachments(ctx, convID, files)

	t.mu.Lock()
	current := gen == t.gen
	if current {
		t.uploading--
	}
	if err != nil {
		if current {
			t.err = err
		}
		t.mu.Unlock()
		t.logger.Warn("attachment upload failed", zap.String("conversation_id", convID), zap.Int("files", len(files)), zap.Error(err))
		return models.Message{}, errors.Wrap(err, "send attachments")
	}
	if current {
		t.appendLocked(*sent)
		t.err = nil
	}
	t.mu.Unlock()

	t.record(*sent)
	return *sent, nil
}

// Receive appends a message pushed by the server if it belongs to the open
// conversation. Known ids are ignored.
func (t *Thread) Receive(msg models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.ConversationID == "" || msg.ConversationID != t.convID {
		return false
	}
	if t.loading {
		t.early = append(t.early, msg)
		return true
	}
	return t.appendLocked(msg)
}

// MarkReadBy adds userID to the read-by set of the loaded messages. It only
// changes how receipts render.
func (t *Thread) MarkReadBy(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conversationID != t.convID {
		return
	}
	for i := range t.messages {
		if !t.messages[i].IsReadBy(userID) {
			t.messages[i].ReadBy = append(t.messages[i].ReadBy, userID)
		}
	}
}

func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := make([]models.Message, len(t.messages))
	for i, m := range t.messages {
		msgs[i] = m.Clone()
	}
	return State{
		ConversationID: t.convID,
		Messages:       msgs,
		Draft:          t.draft,
		Loading:        t.loading,
		Sending:        t.sending,
		Uploading:      t.uploading,
		Err:            t.err,
	}
}

func (t *Thread) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.convID
}

func (t *Thread) appendLocked(msg models.Message) bool {
	for _, m := range t.messages {
		if m.ID == msg.ID {
			return false
		}
	}
	t.messages = append(t.messages, msg)
	return true
}

func (t *Thread) localMessage(convID, content string) models.Message {
	return models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Sender:         t.me,
		Content:        content,
		ReadBy:         []string{t.me.ID},
		CreatedAt:      t.now(),
	}
}

func (t *Thread) record(msg models.Message) {
	if t.recorder != nil {
		t.recorder.ApplyMessage(msg)
	}
}
