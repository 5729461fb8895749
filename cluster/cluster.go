package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/IR1DO/scm-app-server/wire"
)

// Cluster routes chat messages between nodes over one kafka topic.
// Every node consumes the whole topic with its own group id and delivers to
// its local connections, so a recipient is reached on whichever node it is
// connected to.
type Cluster struct {
	conf        *ClusterCfg
	kafkaReader IKafkaReader
	kafkaWriter IKafkaWriter
}

func NewCluster(conf *ClusterCfg) *Cluster {
	kafkaReader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     conf.KafkaBrokers,
		GroupID:     conf.KafkaGroupId,
		Topic:       conf.KafkaTopic,
		StartOffset: kafka.LastOffset,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	})

	kafkaWriter := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  conf.KafkaBrokers,
		Topic:    conf.KafkaTopic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})

	return newCluster(conf, kafkaReader, kafkaWriter)
}

func newCluster(conf *ClusterCfg, kafkaReader IKafkaReader, kafkaWriter IKafkaWriter) *Cluster {
	return &Cluster{
		conf:        conf,
		kafkaReader: kafkaReader,
		kafkaWriter: kafkaWriter,
	}
}

func (c *Cluster) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	glog.Infof("kafka cluster is starting, topic: %s, group: %s", c.conf.KafkaTopic, c.conf.KafkaGroupId)
	runNode(ctx, "kafka cluster", c.conf, []worker{c.consumeLoop})

	if err := c.kafkaWriter.Close(); err != nil {
		glog.Errorf("kafka cluster: close writer error: %v", err)
	}
	glog.Infof("kafka cluster: stopped")
	stopNotifyCh <- struct{}{}
}

// Deliver writes msg to the topic, keyed by recipient.
func (c *Cluster) Deliver(ctx context.Context, to string, msg *wire.ChatMessage) error {
	km, err := encodeRouted(to, msg, c.conf.RoutedMaxBytes)
	if err != nil {
		return err
	}

	ctx2, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.kafkaWriter.WriteMessages(ctx2, km); err != nil {
		return err
	}
	return nil
}

// consumeLoop delivers routed messages to local connections.
// It may block at reading kafka message.
func (c *Cluster) consumeLoop(ctx context.Context, stopDoneC chan<- struct{}) {
	glog.Info("cluster: consume loop enter")

	defer func() {
		_ = c.kafkaReader.Close() // slow: take about 7s
		glog.Info("cluster: consume loop exited")
		stopDoneC <- struct{}{}
	}()

	var sleep time.Duration

	wait := func() bool {
		backoff(&sleep)
		select {
		case <-time.After(sleep):
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		glog.V(5).Info("cluster: fetching message ...")
		msg, err := c.kafkaReader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				glog.V(5).Info("cluster: fetch was cancelled")
				return
			}
			glog.Errorf("cluster: fetch from kafka err: %v", err)
			if !wait() {
				return
			}
			continue
		}
		sleep = 0

		if routed, err := decodeRouted(&msg, c.conf.RoutedMaxBytes); err != nil {
			glog.Errorf("cluster: skip kafka msg at offset %d: %v", msg.Offset, err)
		} else {
			n := c.conf.Local.DeliverLocal(routed.To, routed.Msg)
			glog.V(5).Infof("cluster: delivered %s to %d local connections of %s", routed.Msg.Id, n, routed.To)
		}

		for {
			err := c.kafkaReader.CommitMessages(ctx, msg)
			if err == nil {
				sleep = 0
				break
			}
			// If this message is not committed back, it will be fetched again after rebalance.
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				glog.V(5).Info("cluster: commit to kafka was cancelled")
				return
			}
			glog.Errorf("cluster: commit to kafka err: %v", err)
			if !wait() {
				return
			}
		}
	}
}
