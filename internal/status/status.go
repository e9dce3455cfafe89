// Package status exposes a minimal read-only HTTP endpoint reporting the
// aggregator's live session/thread state, per SPEC_FULL.md §4.L. No
// framework dependency grounds this concern anywhere in the pack, so it's
// built on net/http directly.
package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/usc-nsl/ddb/internal/state"
)

// SessionSnapshot is one session's row in the status response.
type SessionSnapshot struct {
	Sid         int `json:"sid"`
	ThreadCount int `json:"thread_count"`
	GroupCount  int `json:"group_count"`
}

// Snapshot is the full /status payload.
type Snapshot struct {
	SessionCount  int               `json:"session_count"`
	Sessions      []SessionSnapshot `json:"sessions"`
	CurrentThread uint64            `json:"current_thread,omitempty"`
}

// Server serves GET /status from a state.Manager.
type Server struct {
	mgr *state.Manager
	srv *http.Server
}

// New returns a status server bound to mgr; it does not listen until Start.
func New(mgr *state.Manager) *Server {
	s := &Server{mgr: mgr}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	s.srv = &http.Server{Handler: mux}
	return s
}

// Start listens on addr (e.g. ":8080") and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = s.srv.Close()
	}()
	err = s.srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := Snapshot{SessionCount: s.mgr.SessionCount()}
	for _, sid := range s.mgr.Sids() {
		meta := s.mgr.SessionMeta(sid)
		if meta == nil {
			continue
		}
		snap.Sessions = append(snap.Sessions, SessionSnapshot{
			Sid:         sid,
			ThreadCount: len(meta.ThreadIDs()),
			GroupCount:  meta.ThreadGroupCount(),
		})
	}
	if gtid, ok := s.mgr.GetCurrentGthread(); ok {
		snap.CurrentThread = gtid
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}
