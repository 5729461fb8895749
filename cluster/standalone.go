package cluster

import (
	"context"

	"github.com/golang/glog"

	"github.com/IR1DO/scm-app-server/wire"
)

// Standalone is a single node server, recipients are delivered in process.
type Standalone struct {
	conf *ClusterCfg
}

func NewStandalone(conf *ClusterCfg) *Standalone {
	return &Standalone{conf: conf}
}

func (s *Standalone) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	glog.Infof("standalone cluster is starting")
	runNode(ctx, "standalone cluster", s.conf, nil)
	glog.Infof("standalone cluster: stopped")
	stopNotifyCh <- struct{}{}
}

func (s *Standalone) Deliver(ctx context.Context, to string, msg *wire.ChatMessage) error {
	n := s.conf.Local.DeliverLocal(to, msg)
	glog.V(5).Infof("standalone: delivered %s to %d connections of %s", msg.Id, n, to)
	return nil
}
