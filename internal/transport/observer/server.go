package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"tickbatch.ai/internal/protocol"
	"tickbatch.ai/internal/sim/loop"
)

// Snapshotter is implemented by *loop.Loop.
type Snapshotter interface {
	Snapshot(ctx context.Context) (loop.Snapshot, error)
	Reset(ctx context.Context) error
}

type StatsResponse struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	WorldID         string         `json:"world_id"`
	Loop            loop.Snapshot  `json:"loop"`
	Sinks           map[string]any `json:"sinks,omitempty"`
}

type Server struct {
	worldID string
	loop    Snapshotter
	log     *log.Logger

	// AllowRemote disables the loopback-only guard.
	AllowRemote bool

	sinks map[string]func() any
}

func NewServer(worldID string, l Snapshotter, logger *log.Logger) *Server {
	return &Server{
		worldID: worldID,
		loop:    l,
		log:     logger,
		sinks:   map[string]func() any{},
	}
}

// AddStats registers an extra stats source reported under name.
func (s *Server) AddStats(name string, fn func() any) { s.sinks[name] = fn }

func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/stats", s.guard(s.StatsHandler()))
	mux.HandleFunc("/v1/last", s.guard(s.LastFrameHandler()))
	mux.HandleFunc("/v1/reset", s.guard(s.ResetHandler()))
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
}

func (s *Server) StatsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		snap, ok := s.snapshot(rw, r)
		if !ok {
			return
		}
		resp := StatsResponse{
			Type:            protocol.TypeStats,
			ProtocolVersion: protocol.Version,
			WorldID:         s.worldID,
			Loop:            snap,
		}
		if len(s.sinks) > 0 {
			resp.Sinks = make(map[string]any, len(s.sinks))
			for name, fn := range s.sinks {
				resp.Sinks[name] = fn()
			}
		}
		writeJSON(rw, http.StatusOK, resp)
	}
}

func (s *Server) LastFrameHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		snap, ok := s.snapshot(rw, r)
		if !ok {
			return
		}
		if len(snap.LastFrame) == 0 {
			writeJSON(rw, http.StatusNotFound, protocol.NewError(protocol.ErrNotFound, "no frame flushed yet"))
			return
		}
		fj, err := protocol.DecodeFrame(snap.LastTick, snap.LastFrame)
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, protocol.NewError(protocol.ErrBadFrame, err.Error()))
			return
		}
		writeJSON(rw, http.StatusOK, fj)
	}
}

func (s *Server) ResetHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.loop.Reset(ctx); err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, protocol.NewError(protocol.ErrUnavailable, err.Error()))
			return
		}
		if s.log != nil {
			s.log.Printf("batch queue reset via observer remote=%s", r.RemoteAddr)
		}
		rw.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) snapshot(rw http.ResponseWriter, r *http.Request) (loop.Snapshot, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	snap, err := s.loop.Snapshot(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, protocol.NewError(protocol.ErrUnavailable, err.Error()))
		return loop.Snapshot{}, false
	}
	return snap, true
}

func (s *Server) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			writeJSON(rw, http.StatusForbidden, protocol.NewError(protocol.ErrForbidden, "forbidden"))
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
