package cluster

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/IR1DO/scm-app-server/wire"
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// ICluster runs the node and routes chat messages to the nodes holding the
// recipient's connections.
type ICluster interface {
	Run(ctx context.Context, stopNotifyCh chan<- struct{})
	Deliver(ctx context.Context, to string, msg *wire.ChatMessage) error
}

// IHub provides interfaces of local Hub.
type IHub interface {
	Run(ctx context.Context, stopDoneNotifyC chan<- struct{})
	Online()
	Offline()
}

// ILocalHub delivers to connections on this node.
type ILocalHub interface {
	// DeliverLocal returns the number of connections that accepted msg.
	DeliverLocal(to string, msg *wire.ChatMessage) int
}
