package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
)

const (
	kafkaReadTimeout  = 10 * time.Second
	kafkaWriteTimeout = 10 * time.Second

	// routed messages older than this are dropped, recipients fetch them from the log.
	routedMaxAge = 5 * time.Minute
)

type ClusterCfg struct {
	Pid   int
	Addr  string
	Hub   IHub
	Local ILocalHub
	Mux   *http.ServeMux

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupId string

	RoutedMaxBytes int
}

// worker is a background loop of a node. It MUST send to stopDoneC once
// it returns after ctx is done.
type worker func(ctx context.Context, stopDoneC chan<- struct{})

// runNode serves http, runs the hub and workers until ctx is done, then
// stops them in order: hub offline, http shutdown, workers and hub drained.
// The hub also takes itself offline when ctx is done.
func runNode(ctx context.Context, name string, conf *ClusterCfg, workers []worker) {
	lis, err := net.Listen("tcp", conf.Addr)
	if err != nil {
		err := fmt.Errorf("listen %s error: %v", conf.Addr, err)
		glog.Error(err)
		panic(err)
	}

	httpServer := &http.Server{Handler: conf.Mux}
	go func() {
		glog.Infof("http server is listening %v", conf.Addr)
		if err := httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			err := fmt.Errorf("error serve http mux server: %v", err)
			glog.Error(err)
			panic(err)
		}
	}()

	hubStopDoneC := make(chan struct{})
	workerStopDoneC := make(chan struct{}, len(workers))

	go conf.Hub.Run(ctx, hubStopDoneC)
	for _, w := range workers {
		go w(ctx, workerStopDoneC)
	}
	conf.Hub.Online()

	glog.Infof("%s is running", name)
	<-ctx.Done()

	conf.Hub.Offline()
	glog.Infof("%s is stopping", name)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("%s: http server shutdown error: %v", name, err)
	}
	glog.Infof("%s: http server shutdown done", name)

	for range workers {
		<-workerStopDoneC
	}
	glog.Infof("%s: workers stopped", name)

	<-hubStopDoneC
	close(hubStopDoneC)
	glog.Infof("%s: hub stopped", name)
}
