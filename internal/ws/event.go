package ws

import (
	"time"

	"github.com/4xmen/goftegu/internal/models"
)

const (
	// EventMessage carries a new canonical message.
	EventMessage = "message"
	// EventConversationRead says UserID has read ConversationID.
	EventConversationRead = "conversation_read"
)

type Event struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Message        *models.Message `json:"message,omitempty"`
	At             time.Time       `json:"at"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)
