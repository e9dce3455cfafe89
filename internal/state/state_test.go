package state

import "testing"

func TestCreateThreadAssignsMonotonicGtids(t *testing.T) {
	m := New()
	if _, err := m.RegisterSession(1, "tag1", ModeLocal, StartBinary, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterSession(2, "tag2", ModeLocal, StartBinary, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddThreadGroup(1, "i1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddThreadGroup(2, "i1"); err != nil {
		t.Fatal(err)
	}

	// S2: sessions each report tid 1 then tid 2 — gtids assigned in
	// observation order, 1..4.
	g1, _, err := m.CreateThread(1, 1, "i1")
	if err != nil || g1 != 1 {
		t.Fatalf("gtid=%d err=%v, want 1", g1, err)
	}
	g2, _, err := m.CreateThread(1, 2, "i1")
	if err != nil || g2 != 2 {
		t.Fatalf("gtid=%d err=%v, want 2", g2, err)
	}
	g3, _, err := m.CreateThread(2, 1, "i1")
	if err != nil || g3 != 3 {
		t.Fatalf("gtid=%d err=%v, want 3", g3, err)
	}
	g4, _, err := m.CreateThread(2, 2, "i1")
	if err != nil || g4 != 4 {
		t.Fatalf("gtid=%d err=%v, want 4", g4, err)
	}

	// Invariant 1: gtid → (sid,tid) matches the originating notify record.
	sid, tid, err := m.GetSidTidByGtid(3)
	if err != nil || sid != 2 || tid != 1 {
		t.Fatalf("GetSidTidByGtid(3) = (%d,%d,%v), want (2,1,nil)", sid, tid, err)
	}

	// -thread-select 3 → local tid 1 on session 2, per S2.
	if got, err := m.GetGtid(2, 1); err != nil || got != 3 {
		t.Fatalf("GetGtid(2,1) = (%d,%v), want (3,nil)", got, err)
	}
}

func TestRemoveThreadIsAtomicAndNeverReused(t *testing.T) {
	m := New()
	m.RegisterSession(1, "tag1", ModeLocal, StartBinary, 0)
	m.AddThreadGroup(1, "i1")
	g1, _, _ := m.CreateThread(1, 1, "i1")

	m.RemoveThread(1, 1)
	if _, _, err := m.GetSidTidByGtid(g1); err == nil {
		t.Fatalf("expected gtid %d to be gone after RemoveThread", g1)
	}

	// Invariant: ids are never reused. A fresh thread gets a new gtid.
	g2, _, err := m.CreateThread(1, 1, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if g2 == g1 {
		t.Fatalf("gtid %d was reused after removal", g1)
	}
}

func TestExitThreadGroupReleasesAllThreads(t *testing.T) {
	m := New()
	m.RegisterSession(1, "tag1", ModeLocal, StartBinary, 0)
	m.AddThreadGroup(1, "i1")
	g1, _, _ := m.CreateThread(1, 1, "i1")
	g2, _, _ := m.CreateThread(1, 2, "i1")

	if _, err := m.ExitThreadGroup(1, "i1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.GetSidTidByGtid(g1); err == nil {
		t.Fatalf("gtid %d should have been released", g1)
	}
	if _, _, err := m.GetSidTidByGtid(g2); err == nil {
		t.Fatalf("gtid %d should have been released", g2)
	}
}

func TestSelectedGthreadMustBeLive(t *testing.T) {
	m := New()
	if err := m.SetCurrentGthread(99); err == nil {
		t.Fatal("expected error selecting an unknown gthread")
	}

	m.RegisterSession(1, "tag1", ModeLocal, StartBinary, 0)
	m.AddThreadGroup(1, "i1")
	g1, _, _ := m.CreateThread(1, 1, "i1")
	if err := m.SetCurrentGthread(g1); err != nil {
		t.Fatal(err)
	}

	m.RemoveThread(1, 1)
	// Invariant: selected_gthread always refers to a live gtid — removing
	// the thread it points at must clear the selection, not leave it dangling.
	if got, ok := m.GetCurrentGthread(); ok {
		t.Fatalf("expected selection cleared after thread removal, got %d", got)
	}
}

func TestNoTwoLiveGtidsShareASidTid(t *testing.T) {
	m := New()
	m.RegisterSession(1, "tag1", ModeLocal, StartBinary, 0)
	m.AddThreadGroup(1, "i1")
	seen := make(map[[2]int]uint64)
	for _, tid := range []int{1, 2, 3} {
		gtid, _, err := m.CreateThread(1, tid, "i1")
		if err != nil {
			t.Fatal(err)
		}
		key := [2]int{1, tid}
		if other, ok := seen[key]; ok && other != gtid {
			t.Fatalf("sid/tid %v mapped to two gtids: %d and %d", key, other, gtid)
		}
		seen[key] = gtid
	}
}

func TestGetSessionByTagUnknown(t *testing.T) {
	m := New()
	if _, err := m.GetSessionByTag("10.0.0.1:-123"); err == nil {
		t.Fatal("expected UnknownID for unregistered tag")
	}
}
