// Package wire defines the JSON frames exchanged with websocket clients and
// between gateway nodes.
//
// A ClientMsg or ServerMsg carries exactly one non-nil field.
package wire

const (
	ErrorCodeInvalidArgument  = 3
	ErrorCodeNotFound         = 5
	ErrorCodePermissionDenied = 7
	ErrorCodeInternal         = 13
)

// TimeLayout formats every timestamp on the wire, UTC with milliseconds.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Session is one authenticated websocket connection.
type Session struct {
	Uid        string `json:"uid"`
	Sid        string `json:"sid"`
	CreateTime int64  `json:"create_time"`
	Ip         string `json:"ip,omitempty"`
}

// Profile is a display snapshot of a user.
type Profile struct {
	Id     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// ClientMsg is a frame sent by a client.
type ClientMsg struct {
	NewChat         *NewChat            `json:"new_chat,omitempty"`
	GetOrCreate     *GetOrCreateReq     `json:"get_or_create,omitempty"`
	GetConversation *GetConversationReq `json:"get_conversation,omitempty"`
	LastChats       *LastChatsReq       `json:"last_chats,omitempty"`
	SetRead         *SetReadReq         `json:"set_read,omitempty"`
}

// ServerMsg is a frame sent to a client.
type ServerMsg struct {
	ChatMessage     *ChatMessage         `json:"chat_message,omitempty"`
	ChatSent        *ChatSent            `json:"chat_sent,omitempty"`
	GetOrCreate     *GetOrCreateResp     `json:"get_or_create,omitempty"`
	GetConversation *GetConversationResp `json:"get_conversation,omitempty"`
	LastChats       *LastChatsResp       `json:"last_chats,omitempty"`
	SetRead         *SetReadResp         `json:"set_read,omitempty"`
	Error           *Error               `json:"error,omitempty"`
}

// NewChat is an inbound chat event. The sender is the connection's identity
// and is never read from the payload.
type NewChat struct {
	To             string `json:"to" validate:"required,max=64"`
	ConversationId string `json:"conversation_id" validate:"required,max=64"`
	Id             string `json:"id" validate:"required,max=64"`
	Text           string `json:"text" validate:"required"`
	Time           string `json:"time,omitempty"`
}

// ChatMessage is a chat delivered to the recipient's connections.
type ChatMessage struct {
	ConversationId string  `json:"conversation_id"`
	Id             string  `json:"id"`
	ClientId       string  `json:"client_id,omitempty"`
	Seq            int64   `json:"seq"`
	Text           string  `json:"text"`
	Time           string  `json:"time"`
	ClientTime     string  `json:"client_time,omitempty"`
	From           Profile `json:"from"`
}

// ChatSent acknowledges to the sender that a chat has been persisted.
type ChatSent struct {
	ConversationId string `json:"conversation_id"`
	Id             string `json:"id"`
	ClientId       string `json:"client_id"`
	Seq            int64  `json:"seq"`
	Time           string `json:"time"`
}

type GetOrCreateReq struct {
	PeerId string `json:"peer_id" validate:"required,max=64"`
}

type GetOrCreateResp struct {
	ConversationId string `json:"conversation_id"`
}

type GetConversationReq struct {
	ConversationId string `json:"conversation_id" validate:"required,max=64"`
}

// Chat is one entry of a fetched conversation.
type Chat struct {
	Id     string  `json:"id"`
	Seq    int64   `json:"seq"`
	Text   string  `json:"text"`
	Time   string  `json:"time"`
	Viewed bool    `json:"viewed"`
	User   Profile `json:"user"`
}

type GetConversationResp struct {
	Id    string  `json:"id"`
	Chats []*Chat `json:"chats"`
	Peer  Profile `json:"peer"`
}

type LastChatsReq struct{}

// LastChat summarizes one conversation for the chat list.
type LastChat struct {
	Id               string  `json:"id"`
	LastMessage      string  `json:"last_message"`
	Timestamp        string  `json:"timestamp"`
	UnreadChatCounts int64   `json:"unread_chat_counts"`
	Peer             Profile `json:"peer"`
}

type LastChatsResp struct {
	Chats []*LastChat `json:"chats"`
}

type SetReadReq struct {
	ConversationId string `json:"conversation_id" validate:"required,max=64"`
}

type SetReadResp struct {
	ConversationId string `json:"conversation_id"`
	Changed        int64  `json:"changed"`
}

// Error reports a failed request. Req echoes the request when known.
type Error struct {
	Code   int        `json:"code"`
	Params []string   `json:"params,omitempty"`
	Req    *ClientMsg `json:"req,omitempty"`
}

// Routed is a chat message routed between gateway nodes.
type Routed struct {
	To  string       `json:"to"`
	Msg *ChatMessage `json:"msg"`
}
