package models

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

type Role string

const (
	RoleFounder  Role = "founder"
	RoleExpert   Role = "expert"
	RoleInvestor Role = "investor"
	RoleOther    Role = "other"
)

// ParseRole maps free-form role strings onto the closed role set.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleFounder:
		return RoleFounder
	case RoleExpert:
		return RoleExpert
	case RoleInvestor:
		return RoleInvestor
	default:
		return RoleOther
	}
}

type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	Avatar   string `json:"avatar,omitempty"`
	Verified bool   `json:"verified"`
}

// Initial is the glyph shown when the user has no avatar.
func (u User) Initial() string {
	name := strings.TrimSpace(u.Name)
	if name == "" {
		return "?"
	}
	r, _ := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r))
}

type FollowEdge struct {
	FollowerID string `json:"followerId"`
	FolloweeID string `json:"followeeId"`
}

type Attachment struct {
	URL          string `json:"url"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
}

type Receipt string

const (
	ReceiptSent Receipt = "sent" // single check
	ReceiptRead Receipt = "read" // double check
)

type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         User         `json:"sender"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReadBy         []string     `json:"readBy"`
	CreatedAt      time.Time    `json:"createdAt"`
}

func (m Message) IsReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Receipt compares the size of the read-by set; the sender is normally its
// first member.
func (m Message) Receipt() Receipt {
	if len(m.ReadBy) > 1 {
		return ReceiptRead
	}
	return ReceiptSent
}

// Preview is the text shown in conversation lists.
func (m Message) Preview() string {
	if strings.TrimSpace(m.Content) != "" {
		return m.Content
	}
	if len(m.Attachments) > 0 {
		return "📎 " + m.Attachments[0].OriginalName
	}
	return ""
}

func (m Message) Clone() Message {
	c := m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.ReadBy != nil {
		c.ReadBy = append([]string(nil), m.ReadBy...)
	}
	return c
}

type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type,omitempty"`
	Participants []User           `json:"participants"`
	LastMessage  *LastMessage     `json:"lastMessage,omitempty"`
	UnreadCounts map[string]int   `json:"unreadCount,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) (User, bool) {
	for _, p := range c.Participants {
		if p.ID != userID {
			return p, true
		}
	}
	return User{}, false
}

func (c Conversation) Unread(userID string) int {
	return c.UnreadCounts[userID]
}

func (c Conversation) IsLocal() bool {
	return IsLocalConversation(c.ID)
}

// ApplyLastMessage updates the last-message cache if m is not older than the
// cached one. Ties go to m.
func (c *Conversation) ApplyLastMessage(m Message) bool {
	if c.LastMessage != nil && m.CreatedAt.Before(c.LastMessage.CreatedAt) {
		return false
	}
	c.LastMessage = &LastMessage{
		Content:   m.Preview(),
		SenderID:  m.Sender.ID,
		CreatedAt: m.CreatedAt,
	}
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	return true
}

func (c Conversation) Clone() Conversation {
	out := c
	if c.Participants != nil {
		out.Participants = append([]User(nil), c.Participants...)
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	if c.UnreadCounts != nil {
		out.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
		for k, v := range c.UnreadCounts {
			out.UnreadCounts[k] = v
		}
	}
	return out
}
