package messenger

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/4xmen/goftegu/internal/api"
	"github.com/4xmen/goftegu/internal/conversations"
	"github.com/4xmen/goftegu/internal/follow"
	"github.com/4xmen/goftegu/internal/thread"
)

// GenericMessage is shown when nothing more specific is known.
const GenericMessage = "something went wrong, please try again"

// UserMessage turns err into the short, translated text shown to the user.
func (m *Messenger) UserMessage(err error) string {
	return m.tr(MessageKey(err))
}

// MessageKey picks the catalogue message for err. Order matters: a failed
// start wrapping a 403 is the follow rule, not a generic start failure.
func MessageKey(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, follow.ErrNotFollowing):
		return "Follow this user to message them"
	case errors.Is(err, api.ErrUnauthorized):
		return "session expired, please log in again"
	case errors.Is(err, conversations.ErrStartFailed) && api.IsStatus(err, http.StatusForbidden):
		return "Follow this user to message them"
	case errors.Is(err, conversations.ErrStartFailed):
		return "failed to start conversation"
	case errors.Is(err, conversations.ErrUnknownConversation):
		return "conversation not found"
	case errors.Is(err, thread.ErrEmptyMessage):
		return "message cannot be empty"
	case errors.Is(err, thread.ErrNoConversation):
		return "no active conversation"
	case errors.Is(err, thread.ErrSendInFlight):
		return "a message is already being sent"
	case errors.Is(err, thread.ErrNoFiles):
		return "no files selected"
	case errors.Is(err, thread.ErrLocalAttachments):
		return "attachments are not available here"
	case api.IsStatus(err, http.StatusTooManyRequests):
		return "rate limit exceeded"
	}
	var te *api.TransportError
	if errors.As(err, &te) {
		return "network error, please try again"
	}
	return GenericMessage
}
