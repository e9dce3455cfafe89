package discovery

import "testing"

func TestDecodeValidAnnouncement(t *testing.T) {
	// 10.0.0.1 network-order == 0x0A000001
	info, err := decode("167772161:worker-1:4242")
	if err != nil {
		t.Fatal(err)
	}
	if info.IP != "10.0.0.1" {
		t.Fatalf("expected 10.0.0.1, got %s", info.IP)
	}
	if info.Tag != "worker-1" {
		t.Fatalf("expected tag worker-1, got %s", info.Tag)
	}
	if info.Pid != 4242 {
		t.Fatalf("expected pid 4242, got %d", info.Pid)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{"", "onlyonefield", "notanumber:tag:123", "1:tag:notanumber"}
	for _, c := range cases {
		if _, err := decode(c); err == nil {
			t.Fatalf("expected error decoding %q", c)
		}
	}
}

func TestDecodeTagContainingColon(t *testing.T) {
	// Splitting at the first and last colon preserves a colon inside the
	// tag field itself, matching
	// the "<ip>:-<pid>" tag format sessions are given.
	info, err := decode("167772161:10.0.0.1:-99:99")
	if err != nil {
		t.Fatal(err)
	}
	if info.Tag != "10.0.0.1:-99" {
		t.Fatalf("expected tag to retain its embedded colon, got %q", info.Tag)
	}
}
