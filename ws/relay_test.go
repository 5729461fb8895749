package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IR1DO/scm-app-server/store"
	store_mock "github.com/IR1DO/scm-app-server/store/mock"
	"github.com/IR1DO/scm-app-server/wire"
)

type fakeFanout struct {
	sync.Mutex
	err   error
	calls []delivery
	log   *[]string
}

type delivery struct {
	to  string
	msg *wire.ChatMessage
}

func (f *fakeFanout) Deliver(ctx context.Context, to string, msg *wire.ChatMessage) error {
	f.Lock()
	defer f.Unlock()
	if f.log != nil {
		*f.log = append(*f.log, "deliver")
	}
	f.calls = append(f.calls, delivery{to, msg})
	return f.err
}

type relayFixture struct {
	store  *store_mock.MockIConversationStore
	users  *store_mock.MockIUserDirectory
	fanout *fakeFanout
	relay  *Relay
	sess   *wire.Session
}

func newRelayFixture(t *testing.T) *relayFixture {
	mockCtrl := gomock.NewController(t)
	t.Cleanup(mockCtrl.Finish)

	f := &relayFixture{
		store:  store_mock.NewMockIConversationStore(mockCtrl),
		users:  store_mock.NewMockIUserDirectory(mockCtrl),
		fanout: &fakeFanout{},
		sess:   &wire.Session{Uid: "alice", Sid: "s1"},
	}
	f.relay = NewRelay(f.store, f.users, f.fanout, 32)
	return f
}

func conversation(a, b string) *store.Conversation {
	return &store.Conversation{
		Id:             "conv1",
		ParticipantsId: store.PairKey(a, b),
		Participants:   [2]string{a, b},
	}
}

func newChat() *wire.NewChat {
	return &wire.NewChat{To: "bob", ConversationId: "conv1", Id: "m1", Text: "hi", Time: "2024-05-01T10:00:00Z"}
}

func TestRelayPersistsBeforeDelivery(t *testing.T) {
	f := newRelayFixture(t)
	var calls []string
	f.fanout.log = &calls

	created := time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC)
	f.store.EXPECT().Get(gomock.Any(), "conv1").Return(conversation("alice", "bob"), nil)
	f.store.EXPECT().Append(gomock.Any(), "conv1", gomock.Any()).DoAndReturn(
		func(_ context.Context, id string, chat *store.Chat) (*store.Chat, error) {
			calls = append(calls, "append")
			assert.Equal(t, "alice", chat.SentBy)
			assert.Equal(t, "hi", chat.Content)
			assert.Equal(t, "m1", chat.ClientId)
			assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), chat.ClientTime.UTC())
			out := *chat
			out.Id, out.ConversationId, out.Seq, out.CreateTime = "chat1", id, 7, created
			return &out, nil
		})
	f.users.EXPECT().Profile(gomock.Any(), "alice").Return(&store.Profile{Id: "alice", Name: "Alice", AvatarUrl: "a.png"}, nil)

	sent, err := f.relay.Relay(context.Background(), f.sess, newChat())
	require.Nil(t, err)

	assert.Equal(t, []string{"append", "deliver"}, calls)
	assert.Equal(t, &wire.ChatSent{
		ConversationId: "conv1",
		Id:             "chat1",
		ClientId:       "m1",
		Seq:            7,
		Time:           "2024-05-01T10:00:01.000Z",
	}, sent)

	require.Len(t, f.fanout.calls, 1)
	d := f.fanout.calls[0]
	assert.Equal(t, "bob", d.to)
	assert.Equal(t, "chat1", d.msg.Id)
	assert.Equal(t, int64(7), d.msg.Seq)
	assert.Equal(t, "hi", d.msg.Text)
	assert.Equal(t, wire.Profile{Id: "alice", Name: "Alice", Avatar: "a.png"}, d.msg.From)
}

func TestRelayAppendFailure(t *testing.T) {
	f := newRelayFixture(t)

	f.store.EXPECT().Get(gomock.Any(), "conv1").Return(conversation("alice", "bob"), nil)
	f.store.EXPECT().Append(gomock.Any(), "conv1", gomock.Any()).Return(nil, errors.New("connection refused"))

	req := newChat()
	sent, err := f.relay.Relay(context.Background(), f.sess, req)
	assert.Nil(t, sent)
	require.NotNil(t, err)
	assert.Equal(t, wire.ErrorCodeInternal, err.Code)
	assert.Equal(t, req, err.Req.NewChat)
	assert.Empty(t, f.fanout.calls)

	interceptError(err)
	assert.Equal(t, []string{"temp storage error"}, err.Params)
}

func TestRelayInvalidArgument(t *testing.T) {
	cases := map[string]func(*wire.NewChat){
		"missing to":              func(v *wire.NewChat) { v.To = "" },
		"missing conversation id": func(v *wire.NewChat) { v.ConversationId = "" },
		"missing id":              func(v *wire.NewChat) { v.Id = "" },
		"long id":                 func(v *wire.NewChat) { v.Id = strings.Repeat("x", 65) },
		"empty text":              func(v *wire.NewChat) { v.Text = "" },
		"long text":               func(v *wire.NewChat) { v.Text = strings.Repeat("x", 33) },
		"bad time":                func(v *wire.NewChat) { v.Time = "yesterday" },
		"to self":                 func(v *wire.NewChat) { v.To = "alice" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newRelayFixture(t)
			req := newChat()
			mutate(req)

			sent, err := f.relay.Relay(context.Background(), f.sess, req)
			assert.Nil(t, sent)
			require.NotNil(t, err)
			assert.Equal(t, wire.ErrorCodeInvalidArgument, err.Code)
			assert.NotEmpty(t, err.Params)
			assert.Empty(t, f.fanout.calls)
		})
	}
}

func TestRelayValidationReportsJsonNames(t *testing.T) {
	f := newRelayFixture(t)
	req := newChat()
	req.ConversationId = ""

	_, err := f.relay.Relay(context.Background(), f.sess, req)
	require.NotNil(t, err)
	assert.Equal(t, []string{"conversation_id: failed on required"}, err.Params)
}

func TestRelayPermissionDenied(t *testing.T) {
	for name, conv := range map[string]*store.Conversation{
		"recipient not in conversation": conversation("alice", "carol"),
		"sender not in conversation":    conversation("bob", "carol"),
	} {
		t.Run(name, func(t *testing.T) {
			f := newRelayFixture(t)
			f.store.EXPECT().Get(gomock.Any(), "conv1").Return(conv, nil)

			_, err := f.relay.Relay(context.Background(), f.sess, newChat())
			require.NotNil(t, err)
			assert.Equal(t, wire.ErrorCodePermissionDenied, err.Code)
			assert.Empty(t, f.fanout.calls)
		})
	}
}

func TestRelayUnknownConversation(t *testing.T) {
	f := newRelayFixture(t)
	f.store.EXPECT().Get(gomock.Any(), "conv1").Return(nil, store.ErrNotFound)

	_, err := f.relay.Relay(context.Background(), f.sess, newChat())
	require.NotNil(t, err)
	assert.Equal(t, wire.ErrorCodeNotFound, err.Code)
}

func TestRelayProfileAndFanoutFailures(t *testing.T) {
	f := newRelayFixture(t)
	f.fanout.err = errors.New("kafka down")

	f.store.EXPECT().Get(gomock.Any(), "conv1").Return(conversation("alice", "bob"), nil)
	f.store.EXPECT().Append(gomock.Any(), "conv1", gomock.Any()).DoAndReturn(
		func(_ context.Context, id string, chat *store.Chat) (*store.Chat, error) {
			out := *chat
			out.Id, out.Seq, out.CreateTime = "chat1", 1, time.Now()
			return &out, nil
		})
	f.users.EXPECT().Profile(gomock.Any(), "alice").Return(nil, errors.New("timeout"))

	sent, err := f.relay.Relay(context.Background(), f.sess, newChat())
	require.Nil(t, err)
	assert.Equal(t, "chat1", sent.Id)

	require.Len(t, f.fanout.calls, 1)
	assert.Equal(t, wire.Profile{Id: "alice"}, f.fanout.calls[0].msg.From)
}

func TestRelaySenderIsSessionIdentity(t *testing.T) {
	f := newRelayFixture(t)

	var req wire.ClientMsg
	require.NoError(t, json.Unmarshal([]byte(
		`{"new_chat":{"to":"bob","from":"mallory","sent_by":"mallory","conversation_id":"conv1","id":"m1","text":"hi"}}`), &req))

	f.store.EXPECT().Get(gomock.Any(), "conv1").Return(conversation("alice", "bob"), nil)
	f.store.EXPECT().Append(gomock.Any(), "conv1", gomock.Any()).DoAndReturn(
		func(_ context.Context, id string, chat *store.Chat) (*store.Chat, error) {
			assert.Equal(t, "alice", chat.SentBy)
			out := *chat
			out.Id, out.Seq, out.CreateTime = "chat1", 1, time.Now()
			return &out, nil
		})
	f.users.EXPECT().Profile(gomock.Any(), "alice").Return(nil, store.ErrNotFound)

	_, err := f.relay.Relay(context.Background(), f.sess, req.NewChat)
	require.Nil(t, err)
	require.Len(t, f.fanout.calls, 1)
	assert.Equal(t, "alice", f.fanout.calls[0].msg.From.Id)
	assert.Empty(t, f.fanout.calls[0].msg.ClientTime)
}
