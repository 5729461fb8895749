package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang/glog"

	"github.com/IR1DO/scm-app-server/store"
	"github.com/IR1DO/scm-app-server/wire"
)

// Fanout delivers a persisted chat to the recipient's connections, on
// whichever node they are. Implemented by `cluster.ICluster`.
type Fanout interface {
	Deliver(ctx context.Context, to string, msg *wire.ChatMessage) error
}

// Relay persists chats and forwards them to the recipient's connections.
type Relay struct {
	store      store.IConversationStore
	users      store.IUserDirectory
	fanout     Fanout
	validate   *validator.Validate
	maxTextLen int
}

func NewRelay(convStore store.IConversationStore, users store.IUserDirectory, fanout Fanout,
	maxTextLen int) *Relay {
	return &Relay{
		store:      convStore,
		users:      users,
		fanout:     fanout,
		validate:   newValidator(),
		maxTextLen: maxTextLen,
	}
}

// Relay handles a new chat from the session's identity. A chat is appended to
// the conversation log before any delivery. The returned ack means persisted,
// not delivered.
func (r *Relay) Relay(ctx context.Context, sess *wire.Session, req *wire.NewChat) (*wire.ChatSent, *wire.Error) {
	clientMsg := &wire.ClientMsg{NewChat: req}
	from := sess.Uid

	errs := validateStruct(r.validate, req)
	if r.maxTextLen > 0 {
		if err := r.validate.Var(req.Text, fmt.Sprintf("max=%d", r.maxTextLen)); err != nil {
			errs = append(errs, fmt.Sprintf("text: exceeds %d characters", r.maxTextLen))
		}
	}
	var clientTime time.Time
	if req.Time != "" {
		t, err := time.Parse(time.RFC3339, req.Time)
		if err != nil {
			errs = append(errs, "time: expect RFC3339")
		}
		clientTime = t
	}
	if req.To != "" && req.To == from {
		errs = append(errs, "to: cannot chat with yourself")
	}
	if len(errs) > 0 {
		return nil, newInvalidArgumentError(clientMsg, errs...)
	}

	c, err := r.store.Get(ctx, req.ConversationId)
	if err != nil {
		return nil, storeError(clientMsg, err)
	}
	if !c.HasParticipant(from) || c.Peer(from) != req.To {
		return nil, newPermissionDeniedError(clientMsg, "conversation_id: not a conversation between sender and recipient")
	}

	chat, err := r.store.Append(ctx, c.Id, &store.Chat{
		SentBy:     from,
		Content:    req.Text,
		ClientId:   req.Id,
		ClientTime: clientTime,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotParticipant) {
			return nil, newPermissionDeniedError(clientMsg, "conversation_id: not a participant")
		}
		glog.Errorf("relay: append chat to %s error: %v", c.Id, err)
		persistFailures.Inc()
		return nil, newInternalError(clientMsg, err.Error())
	}

	sentTime := chat.CreateTime.UTC().Format(wire.TimeLayout)
	msg := &wire.ChatMessage{
		ConversationId: c.Id,
		Id:             chat.Id,
		ClientId:       req.Id,
		Seq:            chat.Seq,
		Text:           chat.Content,
		Time:           sentTime,
		ClientTime:     req.Time,
		From:           profileOf(ctx, r.users, from),
	}

	if err := r.fanout.Deliver(ctx, req.To, msg); err != nil {
		// durable already, the recipient reads it from the log.
		glog.Errorf("relay: fanout chat %s to %s error: %v", chat.Id, req.To, err)
		deliveryFailures.WithLabelValues("fanout").Inc()
	}
	chatsRelayed.Inc()

	return &wire.ChatSent{
		ConversationId: c.Id,
		Id:             chat.Id,
		ClientId:       req.Id,
		Seq:            chat.Seq,
		Time:           sentTime,
	}, nil
}
