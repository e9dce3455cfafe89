package status

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/usc-nsl/ddb/internal/state"
)

func TestHandleStatusReportsSessionsAndCurrentThread(t *testing.T) {
	mgr := state.New()
	if _, err := mgr.RegisterSession(1, "t1", state.ModeLocal, state.StartAttach, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.AddThreadGroup(1, "i1"); err != nil {
		t.Fatal(err)
	}
	gtid, _, err := mgr.CreateThread(1, 1, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.SetCurrentGthread(gtid); err != nil {
		t.Fatal(err)
	}

	s := New(mgr)
	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.SessionCount != 1 {
		t.Fatalf("expected 1 session, got %d", snap.SessionCount)
	}
	if len(snap.Sessions) != 1 || snap.Sessions[0].ThreadCount != 1 || snap.Sessions[0].GroupCount != 1 {
		t.Fatalf("unexpected session snapshot: %+v", snap.Sessions)
	}
	if snap.CurrentThread != gtid {
		t.Fatalf("expected current thread %d, got %d", gtid, snap.CurrentThread)
	}
}

func TestHandleStatusEmptyManager(t *testing.T) {
	s := New(state.New())
	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.SessionCount != 0 || len(snap.Sessions) != 0 || snap.CurrentThread != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}
