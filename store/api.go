package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrNotParticipant = errors.New("store: not a participant")
)

// Conversation is the unique thread between two users.
type Conversation struct {
	Id             string    `json:"id"`
	ParticipantsId string    `json:"participants_id"` // PairKey of Participants
	Participants   [2]string `json:"participants"`    // sorted
	Seq            int64     `json:"seq"`             // seq of the last appended chat
	CreateTime     time.Time `json:"create_time"`
}

// HasParticipant reports whether uid is one of the two participants.
func (c *Conversation) HasParticipant(uid string) bool {
	return c.Participants[0] == uid || c.Participants[1] == uid
}

// Peer returns the other participant, empty if uid is not a participant.
func (c *Conversation) Peer(uid string) string {
	switch uid {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// Chat is one immutable entry of a conversation, except for Viewed.
type Chat struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	SentBy         string    `json:"sent_by"`
	Content        string    `json:"content"`
	ClientId       string    `json:"client_id,omitempty"`
	ClientTime     time.Time `json:"client_time,omitempty"`
	CreateTime     time.Time `json:"create_time"`
	Viewed         bool      `json:"viewed"`
}

// ChatSummary is the latest chat of one conversation as seen by a user.
type ChatSummary struct {
	ConversationId string
	PeerId         string
	LastMessage    string
	Timestamp      time.Time
	UnreadCount    int64
}

type Profile struct {
	Id        string `json:"id"`
	Name      string `json:"name"`
	AvatarUrl string `json:"avatar_url,omitempty"`
}

type IConversationStore interface {
	// FindOrCreate returns the conversation between a and b, creating it once.
	FindOrCreate(ctx context.Context, a, b string) (*Conversation, error)

	// Get gets a conversation by id, ErrNotFound if absent.
	Get(ctx context.Context, conversationId string) (*Conversation, error)

	// Append durably appends chat to the conversation. It fills Id, Seq and
	// CreateTime. Concurrent appends to one conversation are serialized, Seq
	// is gap free and starts at 1.
	Append(ctx context.Context, conversationId string, chat *Chat) (*Chat, error)

	// Fetch gets all chats of a conversation order by seq ASC.
	Fetch(ctx context.Context, conversationId string) ([]*Chat, error)

	// LastChats gets the latest chat of every conversation of uid, newest first.
	LastChats(ctx context.Context, uid string) ([]*ChatSummary, error)

	// SetRead marks chats sent to reader in the conversation as viewed.
	// Returns the number of changed chats.
	SetRead(ctx context.Context, conversationId, reader string) (int64, error)

	Close() error
}

type IUserDirectory interface {
	// Profile gets the display profile of uid, ErrNotFound if absent.
	Profile(ctx context.Context, uid string) (*Profile, error)

	// PutProfile inserts or updates a profile.
	PutProfile(ctx context.Context, p *Profile) error
}
