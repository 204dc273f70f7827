package weed_server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/seaweedfs/sw-block/weed/stats"
	"github.com/seaweedfs/sw-block/weed/storage/bdev"
	"github.com/seaweedfs/sw-block/weed/storage/fault"
	"github.com/seaweedfs/sw-block/weed/storage/nexus"
	"github.com/seaweedfs/sw-block/weed/storage/reservation"
	"github.com/seaweedfs/sw-block/weed/util"
	"github.com/seaweedfs/sw-block/weed/util/request_id"
)

var startTime = time.Now()

var errBadRequest = errors.New("bad request")

func writeJson(w http.ResponseWriter, r *http.Request, httpStatus int, obj interface{}) (err error) {
	var bytes []byte
	if r.FormValue("pretty") != "" {
		bytes, err = json.MarshalIndent(obj, "", "  ")
	} else {
		bytes, err = json.Marshal(obj)
	}
	if err != nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_, err = w.Write(bytes)
	return
}

// wrapper for writeJson - just logs errors
func writeJsonQuiet(w http.ResponseWriter, r *http.Request, httpStatus int, obj interface{}) {
	if err := writeJson(w, r, httpStatus, obj); err != nil {
		glog.V(0).Infof("error writing JSON %v: %v", obj, err)
	}
}

func writeJsonError(w http.ResponseWriter, r *http.Request, httpStatus int, err error) {
	m := make(map[string]interface{})
	m["error"] = err.Error()
	writeJsonQuiet(w, r, httpStatus, m)
}

// writeError picks the status from the error kind.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		glog.Errorf("[%s] %s %s: %v", request_id.Get(r.Context()), r.Method, r.URL.Path, err)
	} else {
		glog.V(1).Infof("[%s] %s %s: %v", request_id.Get(r.Context()), r.Method, r.URL.Path, err)
	}
	writeJsonError(w, r, status, err)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, nexus.ErrConfig),
		errors.Is(err, errBadRequest),
		errors.Is(err, reservation.ErrInvalidType),
		errors.Is(err, reservation.ErrInvalidAccessState),
		errors.Is(err, fault.ErrBadRule),
		errors.Is(err, bdev.ErrOutOfRange),
		errors.Is(err, bdev.ErrBadBuffer):
		return http.StatusBadRequest
	case errors.Is(err, nexus.ErrNotFound),
		errors.Is(err, fault.ErrNoRule):
		return http.StatusNotFound
	case errors.Is(err, nexus.ErrLastChild),
		errors.Is(err, nexus.ErrBusy),
		errors.Is(err, nexus.ErrChildState),
		errors.Is(err, nexus.ErrExists),
		errors.Is(err, reservation.ErrConflict),
		errors.Is(err, fault.ErrRuleExist):
		return http.StatusConflict
	case errors.Is(err, nexus.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return util.HttpStatusCancelled
	}
	return http.StatusInternalServerError
}

// readJson decodes the request body into obj. An empty body leaves obj
// untouched.
func readJson(r *http.Request, obj interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, obj); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// requestMiddleware tags every request with an id and records per route
// request metrics.
func requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := request_id.FromRequest(r)
		w.Header().Set(request_id.RequestIdHttpHeader, id)
		r = r.WithContext(request_id.Set(r.Context(), id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		name := "unknown"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			name = route.GetName()
		}
		stats.ControlRequestCounter.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
		stats.ControlRequestHistogram.WithLabelValues(name).Observe(time.Since(start).Seconds())
		glog.V(2).Infof("[%s] %s %s %d %v", id, r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	m := make(map[string]interface{})
	m["Version"] = util.Version()
	m["Uptime"] = time.Since(startTime).Round(time.Second).String()
	writeJsonQuiet(w, r, http.StatusOK, m)
}
