package weed_server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/seaweedfs/sw-block/weed/storage/bdev"
	"github.com/seaweedfs/sw-block/weed/storage/nexus"
	"github.com/seaweedfs/sw-block/weed/util/request_id"
)

type CreateNexusRequest struct {
	UUID string `json:"uuid,omitempty"`
	Name string `json:"name,omitempty"`
	// Size is human readable, e.g. "64MiB". Empty means the smallest child.
	Size     string   `json:"size,omitempty"`
	Children []string `json:"children"`
}

type AddChildRequest struct {
	URI string `json:"uri"`
}

type NexusInfo struct {
	UUID      string            `json:"uuid"`
	Name      string            `json:"name"`
	Size      uint64            `json:"size"`
	SizeHuman string            `json:"sizeHuman"`
	BlockSize uint32            `json:"blockSize"`
	State     nexus.State       `json:"state"`
	Children  []nexus.ChildInfo `json:"children"`
}

func nexusInfo(n *nexus.Nexus) (NexusInfo, error) {
	children, err := n.Children()
	return NexusInfo{
		UUID:      n.UUID(),
		Name:      n.Name(),
		Size:      n.Size(),
		SizeHuman: humanize.IBytes(n.Size()),
		BlockSize: n.Geometry().BlockSize,
		State:     n.State(),
		Children:  children,
	}, err
}

func closeDevices(devs []bdev.Device) {
	for _, d := range devs {
		if err := d.Close(); err != nil {
			glog.Warningf("close %s: %v", d.Name(), err)
		}
	}
}

func (ns *NexusServer) createNexusHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateNexusRequest
	if err := readJson(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Children) == 0 {
		writeError(w, r, fmt.Errorf("%w: no children", nexus.ErrConfig))
		return
	}
	var size uint64
	if req.Size != "" {
		var err error
		if size, err = humanize.ParseBytes(req.Size); err != nil {
			writeError(w, r, fmt.Errorf("%w: size %q: %v", nexus.ErrConfig, req.Size, err))
			return
		}
	}

	var devs []bdev.Device
	for _, uri := range req.Children {
		dev, err := ns.opener.Open(uri)
		if err != nil {
			closeDevices(devs)
			writeError(w, r, err)
			return
		}
		devs = append(devs, dev)
	}
	n, err := ns.registry.Create(r.Context(), nexus.CreateOptions{
		UUID:     req.UUID,
		Name:     req.Name,
		Size:     size,
		Children: devs,
	})
	if err != nil {
		closeDevices(devs)
		writeError(w, r, err)
		return
	}
	glog.V(0).Infof("[%s] created nexus %s (%s)", request_id.Get(r.Context()), n.Name(), n.UUID())
	info, err := nexusInfo(n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJsonQuiet(w, r, http.StatusCreated, info)
}

func (ns *NexusServer) listNexusHandler(w http.ResponseWriter, r *http.Request) {
	infos := []NexusInfo{}
	for _, n := range ns.registry.List() {
		info, err := nexusInfo(n)
		if err != nil {
			// destroyed while listing
			continue
		}
		infos = append(infos, info)
	}
	writeJsonQuiet(w, r, http.StatusOK, infos)
}

func (ns *NexusServer) getNexusHandler(w http.ResponseWriter, r *http.Request) {
	n, err := ns.lookup(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := nexusInfo(n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, info)
}

func (ns *NexusServer) destroyNexusHandler(w http.ResponseWriter, r *http.Request) {
	n, err := ns.lookup(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := n.Destroy(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	glog.V(0).Infof("[%s] destroyed nexus %s", request_id.Get(r.Context()), n.Name())
	w.WriteHeader(http.StatusNoContent)
}

func (ns *NexusServer) addChildHandler(w http.ResponseWriter, r *http.Request) {
	n, err := ns.lookup(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req AddChildRequest
	if err := readJson(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.URI == "" {
		req.URI = r.FormValue("uri")
	}
	dev, err := ns.opener.Open(req.URI)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := n.AddChild(r.Context(), dev)
	if err != nil {
		closeDevices([]bdev.Device{dev})
		writeError(w, r, err)
		return
	}
	writeJsonQuiet(w, r, http.StatusCreated, map[string]string{"id": id, "device": dev.Name()})
}

func (ns *NexusServer) removeChildHandler(w http.ResponseWriter, r *http.Request) {
	n, err := ns.lookup(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := n.RemoveChild(r.Context(), mux.Vars(r)["child"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ns *NexusServer) childActionHandler(w http.ResponseWriter, r *http.Request) {
	n, err := ns.lookup(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	var action func(ctx context.Context, id string) error
	switch vars["action"] {
	case "online":
		action = n.OnlineChild
	case "offline":
		action = n.OfflineChild
	case "fault":
		action = n.FaultChild
	}
	if err := action(r.Context(), vars["child"]); err != nil {
		writeError(w, r, err)
		return
	}
	ns.getNexusHandler(w, r)
}

func (ns *NexusServer) rebuildStatsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := ns.lookup(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := n.RebuildStats(r.Context(), mux.Vars(r)["child"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, st)
}

func (ns *NexusServer) rebuildActionHandler(w http.ResponseWriter, r *http.Request) {
	n, err := ns.lookup(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	var action func(ctx context.Context, id string) error
	switch vars["action"] {
	case "start":
		action = n.StartRebuild
	case "stop":
		action = n.StopRebuild
	case "pause":
		action = n.PauseRebuild
	case "resume":
		action = n.ResumeRebuild
	}
	if err := action(r.Context(), vars["child"]); err != nil {
		writeError(w, r, err)
		return
	}
	ns.rebuildStatsHandler(w, r)
}
