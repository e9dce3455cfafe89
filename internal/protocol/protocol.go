// Package protocol holds the wire-level types shared across the session,
// tracker, router, response-processor, and command-processor packages:
// the command envelope sent to a session and the response envelope
// received back from one.
package protocol

import "fmt"

// SessionResponse is a parsed MI record enriched with the session it came
// from, per spec.md §3.
type SessionResponse struct {
	Sid     int
	Tag     string
	Token   string
	Stream  string // "stdout" | "stderr"
	Type    string // "console" | "output" | "notify" | "result" | ...
	Message string // e.g. "done", "running", "stopped", "thread-created"
	Payload map[string]any
}

// Value returns the raw payload value for key, if present.
func (r SessionResponse) Value(key string) (any, bool) {
	if r.Payload == nil {
		return nil, false
	}
	v, ok := r.Payload[key]
	return v, ok
}

// String returns the payload value for key as a string, or "" if absent or
// not a string — the common case for MI fields like id/thread-id/reason.
func (r SessionResponse) String(key string) string {
	v, ok := r.Value(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// BroadcastThread is the sentinel ThreadID meaning "target every session",
// per spec.md §3 ("optional thread_id (gtid; -1 ⇒ broadcast)").
const BroadcastThread int64 = -1

// SingleCommand is immutable after parse: the resolved token, the
// original user-supplied token (if any), the MI payload with the token
// stripped, and the resolved routing target.
type SingleCommand struct {
	Token          string
	OriginToken    string
	CommandNoToken string
	ThreadID       int64 // gtid; BroadcastThread ⇒ --all; 0 ⇒ unset
	SessionID      int   // 0 ⇒ unset
	Transformer    Transformer
}

// Wire returns the effective bytes to write to a session's transport.
func (c SingleCommand) Wire() string {
	return fmt.Sprintf("%s%s\n", c.Token, c.CommandNoToken)
}

// Transformer turns a completed set of per-session responses into the
// merged output the user sees. Implementations may rewrite ids from local
// to global and may re-group multiple responses into one.
type Transformer interface {
	Transform(responses []SessionResponse) []SessionResponse
}

// NullTransformer passes responses through unchanged.
type NullTransformer struct{}

func (NullTransformer) Transform(responses []SessionResponse) []SessionResponse { return responses }

// GroupedMessageBanner is the exact framing original_source/ddb/ddb/utils.py's
// wrap_grouped_message uses around a merged multi-session reply.
const GroupedMessageBanner = "=== merged response (%d sessions) ==="

// PlainTransformer wraps the response set in a banner naming how many
// sessions replied, for commands whose output doesn't need field-level
// merging (e.g. broadcast breakpoints — each session's own bkpt payload is
// kept distinct, just framed together).
type PlainTransformer struct{}

func (PlainTransformer) Transform(responses []SessionResponse) []SessionResponse {
	if len(responses) <= 1 {
		return responses
	}
	banner := protocolBanner(len(responses))
	out := make([]SessionResponse, 0, len(responses)+1)
	out = append(out, SessionResponse{Type: "console", Stream: "stdout", Message: "banner", Payload: map[string]any{"text": banner}})
	out = append(out, responses...)
	return out
}

func protocolBanner(n int) string {
	return fmt.Sprintf(GroupedMessageBanner, n)
}
