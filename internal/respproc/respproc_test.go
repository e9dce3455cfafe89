package respproc

import (
	"testing"
	"time"

	"github.com/usc-nsl/ddb/internal/protocol"
	"github.com/usc-nsl/ddb/internal/state"
	"github.com/usc-nsl/ddb/internal/tracker"
)

func setup(t *testing.T) (*state.Manager, *tracker.Tracker, *Bus, chan protocol.SessionResponse, func()) {
	t.Helper()
	mgr := state.New()
	if _, err := mgr.RegisterSession(1, "t1", state.ModeLocal, state.StartAttach, 100); err != nil {
		t.Fatal(err)
	}
	trk := tracker.New()
	bus := NewBus()
	in := make(chan protocol.SessionResponse, 16)
	p := New(mgr, trk, bus)
	done := make(chan struct{})
	go p.Run(in, done)
	return mgr, trk, bus, in, func() { close(done) }
}

func TestThreadGroupAndThreadLifecycleDrivesState(t *testing.T) {
	mgr, _, bus, in, stop := setup(t)
	defer stop()
	tap := bus.NewTap()

	in <- protocol.SessionResponse{Sid: 1, Type: "notify", Message: "thread-group-added", Payload: map[string]any{"id": "i1"}}
	in <- protocol.SessionResponse{Sid: 1, Type: "notify", Message: "thread-group-started", Payload: map[string]any{"id": "i1", "pid": "4242"}}
	in <- protocol.SessionResponse{Sid: 1, Type: "notify", Message: "thread-created", Payload: map[string]any{"id": "1", "group-id": "i1"}}

	var gotCreated bool
	for i := 0; i < 3; i++ {
		select {
		case r := <-tap:
			if r.Message == "thread-created" {
				gotCreated = true
				if r.Payload["id"] != "1" {
					t.Fatalf("expected translated gtid id=1, got %v", r.Payload["id"])
				}
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for echoes")
		}
	}
	if !gotCreated {
		t.Fatal("never saw thread-created echo")
	}
	if status, ok := mgr.SessionMeta(1).ThreadStatus(1); !ok || status != state.ThreadInit {
		t.Fatalf("expected thread 1 registered Init, got %v %v", status, ok)
	}
}

func TestStoppedWithExitReasonInvokesOnSessionExit(t *testing.T) {
	// setup's processor has no OnSessionExit hook, so wire a dedicated one
	// rather than reusing the shared helper.
	exited := make(chan int, 1)
	mgrFresh := state.New()
	if _, err := mgrFresh.RegisterSession(2, "t2", state.ModeLocal, state.StartAttach, 1); err != nil {
		t.Fatal(err)
	}
	trkFresh := tracker.New()
	busFresh := NewBus()
	p := New(mgrFresh, trkFresh, busFresh)
	p.OnSessionExit = func(sid int) { exited <- sid }
	inFresh := make(chan protocol.SessionResponse, 4)
	done := make(chan struct{})
	defer close(done)
	go p.Run(inFresh, done)

	inFresh <- protocol.SessionResponse{Sid: 2, Type: "notify", Message: "stopped", Payload: map[string]any{"reason": "exited-normally"}}

	select {
	case sid := <-exited:
		if sid != 2 {
			t.Fatalf("expected sid=2, got %d", sid)
		}
	case <-time.After(time.Second):
		t.Fatal("OnSessionExit never fired")
	}
}

func TestResultRoutesToTrackerAndCompletesCmdMeta(t *testing.T) {
	_, trk, _, in, stop := setup(t)
	defer stop()

	meta := trk.CreateCmd("9", []int{1}, nil)
	in <- protocol.SessionResponse{Sid: 1, Type: "result", Token: "9", Message: "done"}

	select {
	case <-meta.Done():
	case <-time.After(time.Second):
		t.Fatal("cmd meta never completed")
	}
}

func TestUnknownResultTokenIsDroppedSilently(t *testing.T) {
	_, _, bus, in, stop := setup(t)
	defer stop()
	tap := bus.NewTap()

	in <- protocol.SessionResponse{Sid: 1, Type: "result", Token: "no-such-token", Message: "done"}
	// A subsequent, trackable event lets us assert the first was dropped,
	// not merely delayed, without relying on a fixed sleep.
	in <- protocol.SessionResponse{Sid: 1, Type: "notify", Message: "thread-group-added", Payload: map[string]any{"id": "iX"}}

	select {
	case r := <-tap:
		if r.Message != "thread-group-added" {
			t.Fatalf("expected the untracked result to be dropped, saw %+v first", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestBreakpointHitSetsCurrentThreadAndSelectedGthread(t *testing.T) {
	mgr, _, _, in, stop := setup(t)
	defer stop()

	in <- protocol.SessionResponse{Sid: 1, Type: "notify", Message: "thread-group-added", Payload: map[string]any{"id": "i1"}}
	in <- protocol.SessionResponse{Sid: 1, Type: "notify", Message: "thread-created", Payload: map[string]any{"id": "5", "group-id": "i1"}}
	in <- protocol.SessionResponse{Sid: 1, Type: "notify", Message: "stopped", Payload: map[string]any{"reason": "breakpoint-hit", "thread-id": "5"}}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for current thread to be set")
		default:
		}
		meta := mgr.SessionMeta(1)
		if meta.CurrentTid == 5 {
			gtid, ok := mgr.GetCurrentGthread()
			if !ok {
				t.Fatal("expected a selected gthread")
			}
			if _, tid, err := mgr.GetSidTidByGtid(gtid); err != nil || tid != 5 {
				t.Fatalf("expected selected gthread to resolve to tid=5, got tid=%d err=%v", tid, err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
