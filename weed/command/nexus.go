package command

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	weed_server "github.com/seaweedfs/sw-block/weed/server"
	"github.com/seaweedfs/sw-block/weed/stats"
	"github.com/seaweedfs/sw-block/weed/storage/nexus"
	"github.com/seaweedfs/sw-block/weed/util"
	"github.com/seaweedfs/sw-block/weed/util/grace"
)

var (
	n NexusOptions
)

type NexusOptions struct {
	bindIp      *string
	port        *int
	metricsPort *int
	debugAddr   *string
	cpuProfile  *string
	memProfile  *string
}

func init() {
	cmdNexus.Run = runNexus // break init cycle
	n.bindIp = cmdNexus.Flag.String("ip.bind", "0.0.0.0", "ip address to bind to")
	n.port = cmdNexus.Flag.Int("port", 9800, "control plane http listen port")
	n.metricsPort = cmdNexus.Flag.Int("metricsPort", 0, "separate Prometheus metrics listen port, /metrics is also on -port")
	n.debugAddr = cmdNexus.Flag.String("debug.addr", "", "serve pprof on this address, e.g. localhost:6060")
	n.cpuProfile = cmdNexus.Flag.String("cpuprofile", "", "cpu profile output file")
	n.memProfile = cmdNexus.Flag.String("memprofile", "", "memory profile output file")
}

var cmdNexus = &Command{
	UsageLine: "nexus -port=9800",
	Short:     "start a storage node serving replicated block devices",
	Long: `start a storage node that assembles nexus devices from child block
  devices, replicates writes to every healthy child, rebuilds children that
  fell behind and keeps persistent reservations in sync.

  Settings are read from nexus.toml, see "weed scaffold -config=nexus".
  Every key can be overridden by an environment variable, e.g.
  SWBLOCK_NEXUS_SEGMENT_SIZE=4MiB.

  `,
}

func runNexus(cmd *Command, args []string) bool {
	util.LoadConfiguration("nexus", false)
	grace.SetupProfiling(*n.cpuProfile, *n.memProfile)
	grace.StartDebugServer(*n.debugAddr)

	option := loadNexusServerOption(util.GetViper())
	r := mux.NewRouter()
	ns := weed_server.NewNexusServer(r, option)

	v := util.GetViper()
	if addr := v.GetString("metrics.address"); addr != "" {
		go stats.LoopPushingMetric("nexus", stats.JoinHostPort(*n.bindIp, *n.port), addr, v.GetInt("metrics.interval_sec"))
	}
	go stats.StartMetricsServer(*n.bindIp, *n.metricsPort)

	listenAddress := stats.JoinHostPort(*n.bindIp, *n.port)
	srv := &http.Server{Addr: listenAddress, Handler: r}
	grace.OnInterrupt(func() {
		// nexuses go first, the listener returning lets main exit
		ns.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	glog.V(0).Infof("Start sw-block nexus node %s at %s", util.Version(), listenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Fatalf("nexus node fail to serve: %v", err)
	}
	return true
}

func loadNexusServerOption(v *util.ViperProxy) *weed_server.NexusServerOption {
	d := nexus.DefaultOptions()
	v.SetDefault("nexus.max_rebuild_passes", d.MaxRebuildPasses)
	v.SetDefault("nexus.error_threshold", d.ErrorThreshold)
	v.SetDefault("nexus.error_window", d.ErrorWindow)
	v.SetDefault("nexus.reactor_depth", d.ReactorDepth)
	v.SetDefault("nexus.reconcile_retry_interval", d.ReconcileRetryInterval)
	v.SetDefault("nexus.lock_retry_interval", d.LockRetryInterval)
	v.SetDefault("nexus.max_lock_retries", d.MaxLockRetries)
	v.SetDefault("nexus.shutdown_timeout", 30*time.Second)
	v.SetDefault("child.block_size", 512)
	v.SetDefault("fault_injection.enabled", false)

	return &weed_server.NexusServerOption{
		Nexus: nexus.Options{
			SegmentSize:            v.GetBytes("nexus.segment_size", d.SegmentSize),
			MaxRebuildPasses:       v.GetInt("nexus.max_rebuild_passes"),
			ErrorThreshold:         v.GetInt("nexus.error_threshold"),
			ErrorWindow:            v.GetDuration("nexus.error_window"),
			ReactorDepth:           v.GetInt("nexus.reactor_depth"),
			ReconcileRetryInterval: v.GetDuration("nexus.reconcile_retry_interval"),
			LockRetryInterval:      v.GetDuration("nexus.lock_retry_interval"),
			MaxLockRetries:         v.GetInt("nexus.max_lock_retries"),
		},
		BlockSize:       uint32(v.GetInt("child.block_size")),
		ChildSize:       v.GetBytes("child.size", 64<<20),
		FaultInjection:  v.GetBool("fault_injection.enabled"),
		ShutdownTimeout: v.GetDuration("nexus.shutdown_timeout"),
	}
}
