package grace

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"time"

	"github.com/golang/glog"
)

// StartDebugServer serves /debug/pprof on addr until interrupted. An empty
// addr disables it.
func StartDebugServer(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		glog.V(0).Infof("debug server at http://%s/debug/pprof/", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("debug server on %s: %v", addr, err)
		}
	}()
	OnInterrupt(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

// SetupProfiling starts a cpu profile and arranges for it, plus block,
// mutex and heap profiles, to be written on interrupt.
func SetupProfiling(cpuProfile, memProfile string) {
	if cpuProfile != "" {
		f, err := os.Create(cpuProfile)
		if err != nil {
			glog.Fatal(err)
		}
		runtime.SetBlockProfileRate(1)
		runtime.SetMutexProfileFraction(1)
		rpprof.StartCPUProfile(f)
		OnInterrupt(func() {
			rpprof.StopCPUProfile()
			f.Close()
			writeProfile("block", cpuProfile+".block")
			writeProfile("mutex", cpuProfile+".mutex")
		})
	}
	if memProfile != "" {
		runtime.MemProfileRate = 1
		OnInterrupt(func() {
			writeProfile("heap", memProfile)
		})
	}
}

func writeProfile(name, path string) {
	f, err := os.Create(path)
	if err != nil {
		glog.Warningf("write %s profile: %v", name, err)
		return
	}
	defer f.Close()
	if p := rpprof.Lookup(name); p != nil {
		p.WriteTo(f, 0)
	}
}
