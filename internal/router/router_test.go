package router

import (
	"testing"

	"github.com/usc-nsl/ddb/internal/protocol"
	"github.com/usc-nsl/ddb/internal/state"
	"github.com/usc-nsl/ddb/internal/tracker"
)

type fakeWriter struct {
	written []string
	raw     []string
}

func (f *fakeWriter) Write(cmd protocol.SingleCommand) error {
	f.written = append(f.written, cmd.Wire())
	return nil
}

func (f *fakeWriter) WriteRaw(line string) error {
	f.raw = append(f.raw, line)
	return nil
}

func (f *fakeWriter) IsOpen() bool { return true }

func TestParseTargetAll(t *testing.T) {
	cmd, target := ParseTarget("--all -exec-continue")
	if !target.All {
		t.Fatal("expected All target")
	}
	if cmd != "-exec-continue" {
		t.Fatalf("expected flag stripped, got %q", cmd)
	}
}

func TestParseTargetThread(t *testing.T) {
	cmd, target := ParseTarget("--thread 7 -exec-next")
	if !target.ThreadSet || target.Gtid != 7 {
		t.Fatalf("expected ThreadSet gtid=7, got %+v", target)
	}
	if cmd != "-exec-next" {
		t.Fatalf("expected flag stripped, got %q", cmd)
	}
}

func TestParseTargetSession(t *testing.T) {
	cmd, target := ParseTarget("--session 2 -thread-info")
	if !target.SessionSet || target.Sid != 2 {
		t.Fatalf("expected SessionSet sid=2, got %+v", target)
	}
	if cmd != "-thread-info" {
		t.Fatalf("expected flag stripped, got %q", cmd)
	}
}

func TestParseTargetDefaultsToCurrentThread(t *testing.T) {
	cmd, target := ParseTarget("-thread-info")
	if target.All || target.ThreadSet || target.SessionSet {
		t.Fatalf("expected no routing flag, got %+v", target)
	}
	if cmd != "-thread-info" {
		t.Fatalf("unexpected cmd %q", cmd)
	}
}

func TestSplitTokenExtractsLeadingNumericToken(t *testing.T) {
	token, rest := splitToken("42-thread-info")
	if token != "42" || rest != "-thread-info" {
		t.Fatalf("expected token=42 rest=-thread-info, got token=%q rest=%q", token, rest)
	}
}

func TestSplitTokenNoneForPlainCommand(t *testing.T) {
	token, rest := splitToken("-thread-info")
	if token != "" || rest != "-thread-info" {
		t.Fatalf("expected no token, got token=%q rest=%q", token, rest)
	}
}

func newTestRouter(t *testing.T) (*Router, *state.Manager, *tracker.Tracker) {
	t.Helper()
	mgr := state.New()
	trk := tracker.New()
	return New(mgr, trk), mgr, trk
}

func TestBroadcastRegistersEverySessionAndWrites(t *testing.T) {
	r, _, trk := newTestRouter(t)
	w1, w2 := &fakeWriter{}, &fakeWriter{}
	r.sessions[1] = w1
	r.sessions[2] = w2

	meta := r.Broadcast("9", "-exec-continue", nil)
	if _, ok := trk.GetCmdMeta("9"); !ok {
		t.Fatal("expected cmd registered in tracker")
	}
	if len(meta.Target) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(meta.Target))
	}
	if len(w1.written) != 1 || len(w2.written) != 1 {
		t.Fatalf("expected both sessions to receive the command, got w1=%v w2=%v", w1.written, w2.written)
	}
}

func TestSendToThreadWritesSelectThenCommand(t *testing.T) {
	r, mgr, _ := newTestRouter(t)
	if _, err := mgr.RegisterSession(1, "t1", state.ModeLocal, state.StartAttach, 10); err != nil {
		t.Fatal(err)
	}
	giid, err := mgr.AddThreadGroup(1, "i1")
	if err != nil {
		t.Fatal(err)
	}
	gtid, _, err := mgr.CreateThread(1, 5, "i1")
	if err != nil {
		t.Fatal(err)
	}
	_ = giid

	w := &fakeWriter{}
	r.sessions[1] = w

	if _, err := r.SendToThread("3", gtid, "-exec-next", nil); err != nil {
		t.Fatal(err)
	}
	if len(w.raw) != 1 || w.raw[0] != "-thread-select 5\n" {
		t.Fatalf("expected thread-select raw write, got %v", w.raw)
	}
	if len(w.written) != 1 {
		t.Fatalf("expected one command write, got %v", w.written)
	}
}

func TestSendToCurrentThreadFailsWithoutSelection(t *testing.T) {
	r, _, _ := newTestRouter(t)
	if _, err := r.SendToCurrentThread("1", "-thread-info", nil); err == nil {
		t.Fatal("expected error with no thread selected")
	}
}

func TestDispatchRoutesByFlag(t *testing.T) {
	r, mgr, _ := newTestRouter(t)
	if _, err := mgr.RegisterSession(4, "t4", state.ModeLocal, state.StartAttach, 1); err != nil {
		t.Fatal(err)
	}
	w := &fakeWriter{}
	r.sessions[4] = w

	if _, err := r.Dispatch("--session 4 -thread-info", nil); err != nil {
		t.Fatal(err)
	}
	if len(w.written) != 1 {
		t.Fatalf("expected one write routed to session 4, got %v", w.written)
	}
}
