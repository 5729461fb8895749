package cluster

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cluster_mock "github.com/IR1DO/scm-app-server/cluster/mock"
	"github.com/IR1DO/scm-app-server/wire"
)

type delivered struct {
	to  string
	msg *wire.ChatMessage
}

// fakeLocalHub records local deliveries.
type fakeLocalHub struct {
	sync.Mutex
	got []delivered
	ch  chan delivered
}

func newFakeLocalHub() *fakeLocalHub {
	return &fakeLocalHub{ch: make(chan delivered, 16)}
}

func (h *fakeLocalHub) DeliverLocal(to string, msg *wire.ChatMessage) int {
	h.Lock()
	h.got = append(h.got, delivered{to, msg})
	h.Unlock()
	h.ch <- delivered{to, msg}
	return 1
}

func TestBackoff(t *testing.T) {
	var d time.Duration
	backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)
	backoff(&d)
	assert.Equal(t, 1500*time.Millisecond, d)
	backoff(&d)
	assert.Equal(t, 2250*time.Millisecond, d)

	for i := 0; i < 20; i++ {
		backoff(&d)
	}
	assert.Equal(t, BackoffMaxInterval, d)
}

func TestDecodeRouted(t *testing.T) {
	good, err := encodeRouted("bob", &wire.ChatMessage{Id: "c1", Text: "hi"}, 1024)
	require.NoError(t, err)
	assert.Equal(t, []byte("bob"), good.Key)

	good.Time = time.Now()
	v, err := decodeRouted(&good, 1024)
	require.NoError(t, err)
	assert.Equal(t, "bob", v.To)
	assert.Equal(t, "hi", v.Msg.Text)

	_, err = encodeRouted("bob", &wire.ChatMessage{Text: strings.Repeat("x", 100)}, 64)
	assert.Error(t, err)

	cases := map[string]kafka.Message{
		"oversize":   {Value: []byte(`{"to":"bob","msg":{"text":"` + strings.Repeat("x", 2048) + `"}}`)},
		"garbage":    {Value: []byte(`not json`)},
		"incomplete": {Value: []byte(`{"to":"bob"}`)},
		"stale":      {Value: good.Value, Time: time.Now().Add(-time.Hour)},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeRouted(&msg, 1024)
			assert.Error(t, err)
		})
	}
}

func TestDeliverWritesKeyedMessage(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	writerMock := cluster_mock.NewMockIKafkaWriter(mockCtrl)
	c := newCluster(&ClusterCfg{RoutedMaxBytes: 4096}, nil, writerMock)

	writerMock.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs ...kafka.Message) error {
			require.Len(t, msgs, 1)
			assert.Equal(t, "bob", string(msgs[0].Key))

			var v wire.Routed
			require.NoError(t, json.Unmarshal(msgs[0].Value, &v))
			assert.Equal(t, "bob", v.To)
			assert.Equal(t, "c1", v.Msg.Id)
			return nil
		}).Times(1)

	require.NoError(t, c.Deliver(context.Background(), "bob", &wire.ChatMessage{Id: "c1", Text: "hi"}))
}

func TestConsumeLoop(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	readerMock := cluster_mock.NewMockIKafkaReader(mockCtrl)
	local := newFakeLocalHub()
	c := newCluster(&ClusterCfg{Local: local, RoutedMaxBytes: 4096}, readerMock, nil)

	good, err := encodeRouted("bob", &wire.ChatMessage{Id: "c1", Text: "hi"}, 4096)
	require.NoError(t, err)
	good.Offset, good.Time = 1, time.Now()
	bad := kafka.Message{Offset: 2, Value: []byte("garbage"), Time: time.Now()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	committed := make(chan int64, 4)

	gomock.InOrder(
		readerMock.EXPECT().FetchMessage(gomock.Any()).Return(good, nil),
		readerMock.EXPECT().FetchMessage(gomock.Any()).Return(bad, nil),
		readerMock.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(func(ctx context.Context) (kafka.Message, error) {
			<-ctx.Done()
			return kafka.Message{}, ctx.Err()
		}),
	)
	readerMock.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs ...kafka.Message) error {
			committed <- msgs[0].Offset
			return nil
		}).Times(2)
	readerMock.EXPECT().Close().Return(nil).Times(1)

	stopDoneC := make(chan struct{}, 1)
	go c.consumeLoop(ctx, stopDoneC)

	select {
	case d := <-local.ch:
		assert.Equal(t, "bob", d.to)
		assert.Equal(t, "c1", d.msg.Id)
	case <-time.After(3 * time.Second):
		t.Fatal("routed message not delivered")
	}

	// the undecodable message is skipped but still committed.
	for _, want := range []int64{1, 2} {
		select {
		case got := <-committed:
			assert.Equal(t, want, got)
		case <-time.After(3 * time.Second):
			t.Fatalf("offset %d not committed", want)
		}
	}

	cancel()
	select {
	case <-stopDoneC:
	case <-time.After(3 * time.Second):
		t.Fatal("consume loop did not stop")
	}

	local.Lock()
	assert.Len(t, local.got, 1)
	local.Unlock()
}

func TestStandaloneDeliver(t *testing.T) {
	local := newFakeLocalHub()
	s := NewStandalone(&ClusterCfg{Local: local})

	require.NoError(t, s.Deliver(context.Background(), "bob", &wire.ChatMessage{Id: "c1"}))
	d := <-local.ch
	assert.Equal(t, "bob", d.to)
	assert.Equal(t, "c1", d.msg.Id)
}
