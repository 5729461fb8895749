package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/IR1DO/scm-app-server/wire"
)

const (
	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
		return
	}
	*d = time.Duration(float64(*d) * BackoffMultiplier).Truncate(time.Millisecond)
	if *d > BackoffMaxInterval {
		*d = BackoffMaxInterval
	}
}

func encodeRouted(to string, msg *wire.ChatMessage, limit int) (kafka.Message, error) {
	value, err := json.Marshal(&wire.Routed{To: to, Msg: msg})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("error marshal routed msg: %v", err)
	}
	if limit > 0 && len(value) > limit {
		return kafka.Message{}, fmt.Errorf("routed msg exceeds max limit: %d bytes", limit)
	}
	// keyed by recipient: the hash balancer keeps one recipient on one partition.
	return kafka.Message{Key: []byte(to), Value: value}, nil
}

// decodeRouted fails for values that are skipped: oversize, undecodable or stale.
func decodeRouted(msg *kafka.Message, limit int) (*wire.Routed, error) {
	if limit > 0 && len(msg.Value) > limit {
		return nil, fmt.Errorf("kafka value out of limit: %d bytes", len(msg.Value))
	}
	var v wire.Routed
	if err := json.Unmarshal(msg.Value, &v); err != nil {
		return nil, fmt.Errorf("unmarshal kafka value `%s`: %v", msg.Value, err)
	}
	if v.To == "" || v.Msg == nil {
		return nil, fmt.Errorf("incomplete routed msg `%s`", msg.Value)
	}
	if !msg.Time.IsZero() && time.Since(msg.Time) > routedMaxAge {
		return nil, fmt.Errorf("routed msg too old, offset: %d, time: %s", msg.Offset, msg.Time)
	}
	return &v, nil
}
