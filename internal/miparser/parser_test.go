package miparser

import (
	"reflect"
	"testing"
)

func TestParseResultRecord(t *testing.T) {
	var p Parser
	recs := p.Feed([]byte("1^done,bkpt={number=\"1\",addr=\"0x400\"}\n"))
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.Token != "1" || r.Class != ClassResult || r.Message != "done" {
		t.Fatalf("unexpected record: %+v", r)
	}
	bkpt, ok := r.Payload["bkpt"].(map[string]any)
	if !ok {
		t.Fatalf("bkpt not a tuple: %#v", r.Payload["bkpt"])
	}
	if bkpt["number"] != "1" || bkpt["addr"] != "0x400" {
		t.Fatalf("unexpected bkpt tuple: %#v", bkpt)
	}
}

func TestParseNotifyThreadCreated(t *testing.T) {
	var p Parser
	recs := p.Feed([]byte(`=thread-created,id="2",group-id="i1"` + "\n"))
	r := recs[0]
	if r.Class != ClassNotify || r.Message != "thread-created" {
		t.Fatalf("unexpected record: %+v", r)
	}
	if r.String("id") != "2" || r.String("group-id") != "i1" {
		t.Fatalf("unexpected payload: %#v", r.Payload)
	}
}

func TestParseStoppedWithList(t *testing.T) {
	var p Parser
	recs := p.Feed([]byte(`*stopped,reason="breakpoint-hit",thread-id="2",stopped-threads=["2","3"]` + "\n"))
	r := recs[0]
	lst, ok := r.Payload["stopped-threads"].([]any)
	if !ok || len(lst) != 2 || lst[0] != "2" || lst[1] != "3" {
		t.Fatalf("unexpected stopped-threads: %#v", r.Payload["stopped-threads"])
	}
}

func TestParseConsoleStreamAggregatesNothingItself(t *testing.T) {
	var p Parser
	recs := p.Feed([]byte(`~"Breakpoint 1 at 0x400: file a.c, line 3.\n"` + "\n"))
	if len(recs) != 1 || recs[0].Class != ClassConsole {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if recs[0].Raw != "Breakpoint 1 at 0x400: file a.c, line 3.\n" {
		t.Fatalf("unexpected raw: %q", recs[0].Raw)
	}
}

func TestParsePrompt(t *testing.T) {
	var p Parser
	recs := p.Feed([]byte("(gdb)\n"))
	if len(recs) != 1 || recs[0].Class != ClassPrompt {
		t.Fatalf("unexpected prompt record: %+v", recs)
	}
}

// TestFeedSplitInvariant is the invariant from the testable-properties list:
// splitting a byte stream at arbitrary boundaries and re-feeding it yields
// the same record sequence as feeding it whole.
func TestFeedSplitInvariant(t *testing.T) {
	stream := []byte("1^done,bkpt={number=\"1\"}\n=thread-created,id=\"1\",group-id=\"i1\"\n*stopped,reason=\"breakpoint-hit\",thread-id=\"1\"\n(gdb)\n")

	var whole Parser
	want := whole.Feed(stream)

	for chunkSize := 1; chunkSize <= len(stream); chunkSize++ {
		var p Parser
		var got []Record
		for i := 0; i < len(stream); i += chunkSize {
			end := i + chunkSize
			if end > len(stream) {
				end = len(stream)
			}
			got = append(got, p.Feed(stream[i:end])...)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("chunk size %d: got %+v, want %+v", chunkSize, got, want)
		}
	}
}

func TestFeedKeepsPartialLineAcrossCalls(t *testing.T) {
	var p Parser
	if recs := p.Feed([]byte("1^do")); len(recs) != 0 {
		t.Fatalf("expected no records from partial line, got %+v", recs)
	}
	recs := p.Feed([]byte("ne\n"))
	if len(recs) != 1 || recs[0].Message != "done" {
		t.Fatalf("unexpected records after completing line: %+v", recs)
	}
}
