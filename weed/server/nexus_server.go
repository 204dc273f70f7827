package weed_server

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/seaweedfs/sw-block/weed/stats"
	"github.com/seaweedfs/sw-block/weed/storage/fault"
	"github.com/seaweedfs/sw-block/weed/storage/nexus"
)

type NexusServerOption struct {
	Nexus nexus.Options
	// BlockSize and ChildSize are used for child URIs that leave them out.
	BlockSize       uint32
	ChildSize       uint64
	FaultInjection  bool
	ShutdownTimeout time.Duration
}

// NexusServer is the control plane of one storage node: it creates and
// destroys nexuses, manages their children, rebuilds and reservations, and
// owns the fault injector.
type NexusServer struct {
	option   *NexusServerOption
	registry *nexus.Registry
	injector *fault.Injector
	opener   *DeviceOpener
}

func NewNexusServer(r *mux.Router, option *NexusServerOption) *NexusServer {
	ns := &NexusServer{
		option:   option,
		registry: nexus.NewRegistry(option.Nexus),
		injector: fault.NewInjector(),
	}
	ns.opener = &DeviceOpener{BlockSize: option.BlockSize, Size: option.ChildSize}
	if option.FaultInjection {
		ns.opener.Injector = ns.injector
	}

	r.Use(requestMiddleware)
	r.HandleFunc("/status", statusHandler).Methods(http.MethodGet).Name("status")
	r.Handle("/metrics", stats.MetricsHandler()).Methods(http.MethodGet).Name("metrics")

	r.HandleFunc("/nexus", ns.createNexusHandler).Methods(http.MethodPost).Name("nexus_create")
	r.HandleFunc("/nexus", ns.listNexusHandler).Methods(http.MethodGet).Name("nexus_list")
	r.HandleFunc("/nexus/{uuid}", ns.getNexusHandler).Methods(http.MethodGet).Name("nexus_get")
	r.HandleFunc("/nexus/{uuid}", ns.destroyNexusHandler).Methods(http.MethodDelete).Name("nexus_destroy")

	r.HandleFunc("/nexus/{uuid}/children", ns.addChildHandler).Methods(http.MethodPost).Name("child_add")
	r.HandleFunc("/nexus/{uuid}/children/{child}", ns.removeChildHandler).Methods(http.MethodDelete).Name("child_remove")
	r.HandleFunc("/nexus/{uuid}/children/{child}/{action:online|offline|fault}", ns.childActionHandler).Methods(http.MethodPost).Name("child_action")
	r.HandleFunc("/nexus/{uuid}/children/{child}/rebuild", ns.rebuildStatsHandler).Methods(http.MethodGet).Name("rebuild_stats")
	r.HandleFunc("/nexus/{uuid}/children/{child}/rebuild/{action:start|stop|pause|resume}", ns.rebuildActionHandler).Methods(http.MethodPost).Name("rebuild_action")

	r.HandleFunc("/nexus/{uuid}/reservation", ns.getReservationHandler).Methods(http.MethodGet).Name("reservation_get")
	r.HandleFunc("/nexus/{uuid}/reservation/{action:register|unregister|reserve|release|preempt}", ns.reservationActionHandler).Methods(http.MethodPost).Name("reservation_action")
	r.HandleFunc("/nexus/{uuid}/ana", ns.setAccessStateHandler).Methods(http.MethodPost).Name("ana_set")

	r.HandleFunc("/inject", ns.listInjectionsHandler).Methods(http.MethodGet).Name("inject_list")
	r.HandleFunc("/inject", ns.addInjectionHandler).Methods(http.MethodPost).Name("inject_add")
	r.HandleFunc("/inject", ns.removeInjectionHandler).Methods(http.MethodDelete).Name("inject_remove")

	return ns
}

func (ns *NexusServer) Registry() *nexus.Registry {
	return ns.registry
}

func (ns *NexusServer) Injector() *fault.Injector {
	return ns.injector
}

// Shutdown stops rebuilds and destroys every nexus.
func (ns *NexusServer) Shutdown() {
	timeout := ns.option.ShutdownTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	glog.V(0).Infof("shutting down nexus server")
	if err := ns.registry.Shutdown(ctx); err != nil {
		glog.Errorf("nexus server shutdown: %v", err)
	}
}

func (ns *NexusServer) lookup(r *http.Request) (*nexus.Nexus, error) {
	return ns.registry.Lookup(mux.Vars(r)["uuid"])
}
