// Package stateserver exposes the engine's world model as a read-only JSON
// snapshot over HTTP.
package stateserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"

	"github.com/condo-io/condo/pkg/engine"
)

// Snapshotter returns a consistent snapshot of the engine state. It may
// block until the engine has processed every event that precedes the query.
type Snapshotter func(ctx context.Context) (*engine.StateSnapshot, error)

// Server serves GET /state; any other path is a 404.
type Server struct {
	port     uint16
	snapshot Snapshotter
}

func New(port uint16, snapshot Snapshotter) *Server {
	return &Server{port: port, snapshot: snapshot}
}

// Serve runs the server until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	sc := &dhttp.ServerConfig{
		Handler: s,
	}
	addr := fmt.Sprintf(":%d", s.port)
	dlog.Infof(ctx, "state server listening on %q", addr)
	defer dlog.Info(ctx, "state server stopped")
	return sc.ListenAndServe(ctx, addr)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/state" {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "Not found")
		return
	}
	snap, err := s.snapshot(r.Context())
	if err != nil {
		dlog.Errorf(r.Context(), "snapshot failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		dlog.Errorf(r.Context(), "write snapshot: %v", err)
	}
}
