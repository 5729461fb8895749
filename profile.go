package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

const (
	memProfileRate = 4096
	dumpTimeFormat = "20060102_150405"
)

// Profiler writes cpu, heap, mutex, block, threadcreate and trace profiles
// of one SIGUSR2 on/off session into dataDir.
type Profiler struct {
	dataDir string
	stops   []func()
	stopped atomic.Bool
}

func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{dataDir: dataDir}

	if f := p.create("cpu"); f != nil {
		if err := pprof.StartCPUProfile(f); err != nil {
			glog.Errorf("pprof: start cpu profile: %v", err)
			f.Close()
		} else {
			p.stops = append(p.stops, func() {
				pprof.StopCPUProfile()
				f.Close()
			})
		}
	}

	if f := p.create("trace"); f != nil {
		if err := trace.Start(f); err != nil {
			glog.Errorf("pprof: start trace: %v", err)
			f.Close()
		} else {
			p.stops = append(p.stops, func() {
				trace.Stop()
				f.Close()
			})
		}
	}

	oldMemRate := runtime.MemProfileRate
	p.lookup("heap", func() { runtime.MemProfileRate = memProfileRate },
		func() { runtime.MemProfileRate = oldMemRate })
	p.lookup("mutex", func() { runtime.SetMutexProfileFraction(1) },
		func() { runtime.SetMutexProfileFraction(0) })
	p.lookup("block", func() { runtime.SetBlockProfileRate(1) },
		func() { runtime.SetBlockProfileRate(0) })
	p.lookup("threadcreate", nil, nil)

	glog.Infof("pprof: profiling started, dir: %s", dataDir)
	return p
}

// Stop flushes and closes every profile, it is safe to call twice.
func (p *Profiler) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, stop := range p.stops {
		stop()
	}
	glog.Infof("pprof: profiling stopped, dir: %s", p.dataDir)
}

// lookup registers a runtime/pprof named profile written out on Stop.
func (p *Profiler) lookup(name string, enable, disable func()) {
	f := p.create(name)
	if f == nil {
		return
	}
	if enable != nil {
		enable()
	}
	p.stops = append(p.stops, func() {
		if prof := pprof.Lookup(name); prof != nil {
			if err := prof.WriteTo(f, 0); err != nil {
				glog.Errorf("pprof: write %s profile: %v", name, err)
			}
		}
		f.Close()
		if disable != nil {
			disable()
		}
	})
}

func (p *Profiler) create(kind string) *os.File {
	fn := filepath.Join(p.dataDir, fmt.Sprintf("%s-%s.pprof", kind, time.Now().Format(dumpTimeFormat)))
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create %s profile %q: %v", kind, fn, err)
		return nil
	}
	return f
}

func dumpGoroutines(dataDir string) {
	fn := filepath.Join(dataDir, fmt.Sprintf("goroutines-%s.dump", time.Now().Format(dumpTimeFormat)))
	glog.Infof("dumping goroutines to %s", fn)
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("failed to dump goroutines: %v", err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("failed to write goroutines to %s: %v", fn, err)
	}
}
