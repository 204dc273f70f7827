package weed_server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/seaweedfs/sw-block/weed/storage/reservation"
)

type ReservationRequest struct {
	Initiator string `json:"initiator"`
	Key       uint64 `json:"key,omitempty"`
	Type      string `json:"type,omitempty"`
	VictimKey uint64 `json:"victimKey,omitempty"`
}

type AccessStateRequest struct {
	Path  string `json:"path"`
	State string `json:"state"`
}

type ReservationInfo struct {
	Generation  uint64            `json:"generation"`
	Holder      string            `json:"holder,omitempty"`
	Type        string            `json:"type"`
	HolderKey   uint64            `json:"holderKey,omitempty"`
	Registrants map[string]uint64 `json:"registrants"`
	Access      map[string]string `json:"access"`
}

func reservationInfo(rec *reservation.Record) ReservationInfo {
	info := ReservationInfo{
		Generation:  rec.Generation,
		Holder:      rec.Holder,
		Type:        rec.Type.String(),
		HolderKey:   rec.HolderKey,
		Registrants: rec.Registrants,
		Access:      map[string]string{},
	}
	for path, s := range rec.Access {
		info.Access[path] = s.String()
	}
	return info
}

func (ns *NexusServer) getReservationHandler(w http.ResponseWriter, r *http.Request) {
	n, err := ns.lookup(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, reservationInfo(n.Reservations().Record()))
}

func (ns *NexusServer) reservationActionHandler(w http.ResponseWriter, r *http.Request) {
	n, err := ns.lookup(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ReservationRequest
	if err := readJson(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Initiator == "" {
		writeError(w, r, fmt.Errorf("%w: initiator is required", errBadRequest))
		return
	}
	m := n.Reservations()
	ctx := r.Context()
	switch mux.Vars(r)["action"] {
	case "register":
		err = m.Register(ctx, req.Initiator, req.Key)
	case "unregister":
		err = m.Unregister(ctx, req.Initiator, req.Key)
	case "reserve":
		var t reservation.Type
		if t, err = reservation.ParseType(req.Type); err == nil {
			err = m.Reserve(ctx, req.Initiator, t)
		}
	case "release":
		err = m.Release(ctx, req.Initiator)
	case "preempt":
		err = m.Preempt(ctx, req.Initiator, req.VictimKey)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, reservationInfo(m.Record()))
}

func (ns *NexusServer) setAccessStateHandler(w http.ResponseWriter, r *http.Request) {
	n, err := ns.lookup(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req AccessStateRequest
	if err := readJson(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	s, err := reservation.ParseAccessState(req.State)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Path == "" {
		writeError(w, r, fmt.Errorf("%w: path is required", errBadRequest))
		return
	}
	if err := n.Reservations().SetAccessState(r.Context(), req.Path, s); err != nil {
		writeError(w, r, err)
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, reservationInfo(n.Reservations().Record()))
}
