package models

import (
	"strings"
	"time"
)

const (
	PlaceholderPrefix       = "placeholder:"
	LocalConversationPrefix = "local:"
)

var placeholders = []User{
	{ID: PlaceholderPrefix + "founder", Name: "Startup Founder", Role: RoleFounder},
	{ID: PlaceholderPrefix + "expert", Name: "Industry Expert", Role: RoleExpert},
	{ID: PlaceholderPrefix + "investor", Name: "Angel Investor", Role: RoleInvestor},
}

// PlaceholderUsers is the fixed recommendation set shown when the directory
// cannot reach the server.
func PlaceholderUsers() []User {
	return append([]User(nil), placeholders...)
}

func IsPlaceholder(userID string) bool {
	return strings.HasPrefix(userID, PlaceholderPrefix)
}

func LookupPlaceholder(userID string) (User, bool) {
	for _, u := range placeholders {
		if u.ID == userID {
			return u, true
		}
	}
	return User{}, false
}

func IsLocalConversation(conversationID string) bool {
	return strings.HasPrefix(conversationID, LocalConversationPrefix)
}

// NewLocalConversation builds the client-only conversation opened with a
// placeholder user. It is never sent to the server.
func NewLocalConversation(me, other User, now time.Time) Conversation {
	return Conversation{
		ID:           LocalConversationPrefix + other.ID,
		Type:         ConversationDirect,
		Participants: []User{me, other},
		UnreadCounts: map[string]int{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
