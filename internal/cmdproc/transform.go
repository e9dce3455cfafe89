package cmdproc

import (
	"strconv"

	"github.com/usc-nsl/ddb/internal/protocol"
	"github.com/usc-nsl/ddb/internal/state"
)

// ThreadInfoTransformer merges each session's "-thread-info" reply into one
// global thread list, rewriting every local tid to its gtid.
type ThreadInfoTransformer struct {
	State *state.Manager
}

func (t *ThreadInfoTransformer) Transform(responses []protocol.SessionResponse) []protocol.SessionResponse {
	merged := make([]any, 0)
	for _, r := range responses {
		raw, ok := r.Value("threads")
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			continue
		}
		for _, th := range list {
			thread, ok := th.(map[string]any)
			if !ok {
				continue
			}
			tid, err := strconv.Atoi(toString(thread["id"]))
			if err != nil {
				continue
			}
			gtid, err := t.State.GetGtid(r.Sid, tid)
			if err != nil {
				continue
			}
			thread["id"] = strconv.FormatUint(gtid, 10)
			if display, err := t.State.DisplayID(gtid); err == nil {
				thread["display-id"] = display
			}
			merged = append(merged, thread)
		}
	}
	return []protocol.SessionResponse{{Type: "result", Message: "done", Payload: map[string]any{"threads": merged}}}
}

// ProcessGroupTransformer merges each session's "-list-thread-groups" reply
// into one global inferior list, rewriting every local tgid to its giid.
type ProcessGroupTransformer struct {
	State *state.Manager
}

func (t *ProcessGroupTransformer) Transform(responses []protocol.SessionResponse) []protocol.SessionResponse {
	merged := make([]any, 0)
	for _, r := range responses {
		raw, ok := r.Value("groups")
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			continue
		}
		for _, g := range list {
			group, ok := g.(map[string]any)
			if !ok {
				continue
			}
			tgid := toString(group["id"])
			giid, err := t.State.GetGiid(r.Sid, tgid)
			if err != nil {
				continue
			}
			group["id"] = strconv.FormatUint(giid, 10)
			merged = append(merged, group)
		}
	}
	return []protocol.SessionResponse{{Type: "result", Message: "done", Payload: map[string]any{"groups": merged}}}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		return ""
	}
}
