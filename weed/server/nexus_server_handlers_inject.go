package weed_server

import (
	"net/http"
)

type InjectionRequest struct {
	URI string `json:"uri"`
}

type InjectionInfo struct {
	URI  string `json:"uri"`
	Hits uint64 `json:"hits"`
}

func injectionURI(r *http.Request) (string, error) {
	var req InjectionRequest
	if err := readJson(r, &req); err != nil {
		return "", err
	}
	if req.URI == "" {
		req.URI = r.FormValue("uri")
	}
	return req.URI, nil
}

func (ns *NexusServer) listInjectionsHandler(w http.ResponseWriter, r *http.Request) {
	out := []InjectionInfo{}
	for _, ri := range ns.injector.List() {
		out = append(out, InjectionInfo{URI: ri.URI, Hits: ri.Hits})
	}
	writeJsonQuiet(w, r, http.StatusOK, out)
}

func (ns *NexusServer) addInjectionHandler(w http.ResponseWriter, r *http.Request) {
	uri, err := injectionURI(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	canonical, err := ns.injector.AddURI(uri)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJsonQuiet(w, r, http.StatusCreated, InjectionInfo{URI: canonical})
}

// removeInjectionHandler removes one rule, or all of them without a uri.
func (ns *NexusServer) removeInjectionHandler(w http.ResponseWriter, r *http.Request) {
	uri, err := injectionURI(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if uri == "" {
		ns.injector.Clear()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := ns.injector.Remove(uri); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
