package ws

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/golang/glog"

	"github.com/IR1DO/scm-app-server/store"
	"github.com/IR1DO/scm-app-server/wire"
)

// ChatApi serves conversation requests of websocket clients.
type ChatApi struct {
	store    store.IConversationStore
	users    store.IUserDirectory
	validate *validator.Validate
}

func NewChatApi(convStore store.IConversationStore, users store.IUserDirectory) *ChatApi {
	return &ChatApi{
		store:    convStore,
		users:    users,
		validate: newValidator(),
	}
}

func (s *ChatApi) GetOrCreate(ctx context.Context, uid string, req *wire.GetOrCreateReq) (*wire.GetOrCreateResp, *wire.Error) {
	clientMsg := &wire.ClientMsg{GetOrCreate: req}
	if errs := validateStruct(s.validate, req); len(errs) > 0 {
		return nil, newInvalidArgumentError(clientMsg, errs...)
	}
	if req.PeerId == uid {
		return nil, newInvalidArgumentError(clientMsg, "peer_id: cannot chat with yourself")
	}

	if _, err := s.users.Profile(ctx, req.PeerId); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newNotFoundError(clientMsg, "peer_id: user not found")
		}
		return nil, newInternalError(clientMsg, err.Error())
	}

	c, err := s.store.FindOrCreate(ctx, uid, req.PeerId)
	if err != nil {
		return nil, newInternalError(clientMsg, err.Error())
	}
	return &wire.GetOrCreateResp{ConversationId: c.Id}, nil
}

func (s *ChatApi) GetConversation(ctx context.Context, uid string, req *wire.GetConversationReq) (*wire.GetConversationResp, *wire.Error) {
	clientMsg := &wire.ClientMsg{GetConversation: req}
	if errs := validateStruct(s.validate, req); len(errs) > 0 {
		return nil, newInvalidArgumentError(clientMsg, errs...)
	}

	c, err := s.store.Get(ctx, req.ConversationId)
	if err != nil {
		return nil, storeError(clientMsg, err)
	}
	if !c.HasParticipant(uid) {
		return nil, newPermissionDeniedError(clientMsg, "conversation_id: not a participant")
	}

	chats, err := s.store.Fetch(ctx, c.Id)
	if err != nil {
		return nil, newInternalError(clientMsg, err.Error())
	}

	peer := c.Peer(uid)
	profiles := map[string]wire.Profile{
		uid:  profileOf(ctx, s.users, uid),
		peer: profileOf(ctx, s.users, peer),
	}

	resp := &wire.GetConversationResp{
		Id:    c.Id,
		Chats: make([]*wire.Chat, 0, len(chats)),
		Peer:  profiles[peer],
	}
	for _, chat := range chats {
		resp.Chats = append(resp.Chats, &wire.Chat{
			Id:     chat.Id,
			Seq:    chat.Seq,
			Text:   chat.Content,
			Time:   chat.CreateTime.UTC().Format(wire.TimeLayout),
			Viewed: chat.Viewed,
			User:   profiles[chat.SentBy],
		})
	}
	return resp, nil
}

func (s *ChatApi) LastChats(ctx context.Context, uid string, req *wire.LastChatsReq) (*wire.LastChatsResp, *wire.Error) {
	summaries, err := s.store.LastChats(ctx, uid)
	if err != nil {
		return nil, newInternalError(&wire.ClientMsg{LastChats: req}, err.Error())
	}

	resp := &wire.LastChatsResp{Chats: make([]*wire.LastChat, 0, len(summaries))}
	for _, v := range summaries {
		resp.Chats = append(resp.Chats, &wire.LastChat{
			Id:               v.ConversationId,
			LastMessage:      v.LastMessage,
			Timestamp:        v.Timestamp.UTC().Format(wire.TimeLayout),
			UnreadChatCounts: v.UnreadCount,
			Peer:             profileOf(ctx, s.users, v.PeerId),
		})
	}
	return resp, nil
}

func (s *ChatApi) SetRead(ctx context.Context, uid string, req *wire.SetReadReq) (*wire.SetReadResp, *wire.Error) {
	clientMsg := &wire.ClientMsg{SetRead: req}
	if errs := validateStruct(s.validate, req); len(errs) > 0 {
		return nil, newInvalidArgumentError(clientMsg, errs...)
	}

	changed, err := s.store.SetRead(ctx, req.ConversationId, uid)
	if err != nil {
		return nil, storeError(clientMsg, err)
	}
	return &wire.SetReadResp{ConversationId: req.ConversationId, Changed: changed}, nil
}

// profileOf snapshots the profile of uid, degrading to the bare id.
func profileOf(ctx context.Context, users store.IUserDirectory, uid string) wire.Profile {
	p, err := users.Profile(ctx, uid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			glog.Errorf("get profile of %s error: %v", uid, err)
		}
		return wire.Profile{Id: uid}
	}
	return wire.Profile{Id: p.Id, Name: p.Name, Avatar: p.AvatarUrl}
}

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateStruct(v *validator.Validate, s interface{}) []string {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			out = append(out, fmt.Sprintf("%s: failed on %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			out = append(out, fmt.Sprintf("%s: failed on %s", fe.Field(), fe.Tag()))
		}
	}
	return out
}

func storeError(req *wire.ClientMsg, err error) *wire.Error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newNotFoundError(req, "conversation_id: conversation not found")
	case errors.Is(err, store.ErrNotParticipant):
		return newPermissionDeniedError(req, "conversation_id: not a participant")
	}
	return newInternalError(req, err.Error())
}

func newInvalidArgumentError(req *wire.ClientMsg, errs ...string) *wire.Error {
	return &wire.Error{
		Code:   wire.ErrorCodeInvalidArgument,
		Params: errs,
		Req:    req,
	}
}

func newNotFoundError(req *wire.ClientMsg, errs ...string) *wire.Error {
	return &wire.Error{
		Code:   wire.ErrorCodeNotFound,
		Params: errs,
		Req:    req,
	}
}

func newPermissionDeniedError(req *wire.ClientMsg, errs ...string) *wire.Error {
	return &wire.Error{
		Code:   wire.ErrorCodePermissionDenied,
		Params: errs,
		Req:    req,
	}
}

func newInternalError(req *wire.ClientMsg, err string) *wire.Error {
	return &wire.Error{
		Code:   wire.ErrorCodeInternal,
		Params: []string{err},
		Req:    req,
	}
}

// interceptError hides storage details from clients.
func interceptError(err *wire.Error) {
	if err.Code == wire.ErrorCodeInternal {
		err.Params = []string{"temp storage error"}
	}
}
