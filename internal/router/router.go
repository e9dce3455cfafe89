// Package router resolves a user command's routing flags (--all,
// --thread, --session) and fans it out to the right session(s), wiring
// each send through the command tracker so the caller can await the
// merged reply. Grounded on original_source/ddb/ddb/cmd_router.py.
package router

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/usc-nsl/ddb/internal/ddberr"
	"github.com/usc-nsl/ddb/internal/protocol"
	"github.com/usc-nsl/ddb/internal/state"
	"github.com/usc-nsl/ddb/internal/tracker"
)

// Session is the subset of *session.Session the router needs — narrowed to
// an interface so it can be addressed by fakes in other packages' tests.
type Session interface {
	Write(cmd protocol.SingleCommand) error
	WriteRaw(line string) error
	IsOpen() bool
}

var originTokenPattern = regexp.MustCompile(`^(\d+)-.+$`)

// splitToken extracts a user-supplied leading numeric token from cmd, per
// original_source's get_token_and_command. Returns ("", cmd) if cmd carries
// no token of its own.
func splitToken(cmd string) (token, rest string) {
	m := originTokenPattern.FindStringSubmatchIndex(cmd)
	if m == nil {
		return "", cmd
	}
	token = cmd[m[2]:m[3]]
	return token, cmd[m[3]:]
}

// Target describes where a dispatched command should go, decoded from its
// leading --all / --thread <gtid> / --session <sid> flags. Exactly one of
// All, ThreadSet, SessionSet should be true; none set means "current
// thread".
type Target struct {
	All        bool
	ThreadSet  bool
	Gtid       uint64
	SessionSet bool
	Sid        int
}

var (
	threadFlag  = regexp.MustCompile(`^--thread\s+(\d+)\s*`)
	sessionFlag = regexp.MustCompile(`^--session\s+(\d+)\s*`)
	allFlag     = regexp.MustCompile(`^--all\s*`)
)

// ParseTarget strips a leading routing flag off cmd and returns the
// remaining command text alongside the decoded target. Flags are checked
// in the order the original router checks them: --all, then --thread,
// then --session.
func ParseTarget(cmd string) (string, Target) {
	if loc := allFlag.FindStringIndex(cmd); loc != nil {
		return cmd[loc[1]:], Target{All: true}
	}
	if m := threadFlag.FindStringSubmatchIndex(cmd); m != nil {
		gtid, _ := strconv.ParseUint(cmd[m[2]:m[3]], 10, 64)
		return cmd[m[1]:], Target{ThreadSet: true, Gtid: gtid}
	}
	if m := sessionFlag.FindStringSubmatchIndex(cmd); m != nil {
		sid, _ := strconv.Atoi(cmd[m[2]:m[3]])
		return cmd[m[1]:], Target{SessionSet: true, Sid: sid}
	}
	return cmd, Target{}
}

// Router owns the live session set and fans commands out to them.
type Router struct {
	mu       sync.RWMutex
	sessions map[int]Session

	state   *state.Manager
	tracker *tracker.Tracker
	gen     tracker.TokenGenerator // mints a token when the user supplies none
}

// New returns an empty router bound to mgr and trk.
func New(mgr *state.Manager, trk *tracker.Tracker) *Router {
	return &Router{sessions: make(map[int]Session), state: mgr, tracker: trk}
}

// AddSession registers s so it can be addressed by sid.
func (r *Router) AddSession(sid int, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = s
}

// RemoveSession drops sid from the routing table.
func (r *Router) RemoveSession(sid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
}

// Sids returns every session id currently registered, ascending.
func (r *Router) Sids() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.sessions))
	for sid := range r.sessions {
		ids = append(ids, sid)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// PrependToken resolves the effective wire token for a raw user command:
// if the user supplied one, it's deduped against outstanding commands;
// otherwise the router's own generator mints a fresh one, which is then
// deduped the same way. Returns the command with its
// token stripped, the token to send on the wire, and the origin token the
// reply should be echoed back under.
func (r *Router) PrependToken(raw string) (cmd, sentToken, originToken string) {
	origin, rest := splitToken(raw)
	if origin == "" {
		minted := r.gen.Next()
		sent := r.tracker.DedupToken(minted)
		return rest, sent, minted
	}
	sent := r.tracker.DedupToken(origin)
	return rest, sent, origin
}

// Broadcast sends cmd to every session, registering the merged reply under
// token with transformer applied at Wait time.
func (r *Router) Broadcast(token, cmd string, transformer protocol.Transformer) *tracker.CmdMeta {
	r.mu.RLock()
	targets := make([]int, 0, len(r.sessions))
	for sid := range r.sessions {
		targets = append(targets, sid)
	}
	r.mu.RUnlock()

	meta := r.tracker.CreateCmd(token, targets, transformer)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		_ = s.Write(protocol.SingleCommand{Token: token, CommandNoToken: cmd})
	}
	return meta
}

// SendToThread resolves gtid to its owning session and local tid, then
// writes a "-thread-select <tid>" housekeeping line followed by cmd.
func (r *Router) SendToThread(token string, gtid uint64, cmd string, transformer protocol.Transformer) (*tracker.CmdMeta, error) {
	sid, tid, err := r.state.GetSidTidByGtid(gtid)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	s, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return nil, &ddberr.UnknownID{Kind: "sid", ID: fmt.Sprint(sid)}
	}

	meta := r.tracker.CreateCmd(token, []int{sid}, transformer)
	if err := s.WriteRaw(fmt.Sprintf("-thread-select %d\n", tid)); err != nil {
		return meta, err
	}
	return meta, s.Write(protocol.SingleCommand{Token: token, CommandNoToken: cmd})
}

// SendToCurrentThread routes to the aggregator-wide selected gthread, per
// spec.md's "unset flags default to the currently selected thread" rule.
func (r *Router) SendToCurrentThread(token, cmd string, transformer protocol.Transformer) (*tracker.CmdMeta, error) {
	gtid, ok := r.state.GetCurrentGthread()
	if !ok {
		return nil, &ddberr.Usage{Reason: "no thread selected; use -thread-select <gtid> first"}
	}
	return r.SendToThread(token, gtid, cmd, transformer)
}

// SendToSession writes cmd directly to sid, bypassing thread selection.
func (r *Router) SendToSession(token string, sid int, cmd string, transformer protocol.Transformer) (*tracker.CmdMeta, error) {
	r.mu.RLock()
	s, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return nil, &ddberr.UnknownID{Kind: "sid", ID: fmt.Sprint(sid)}
	}
	meta := r.tracker.CreateCmd(token, []int{sid}, transformer)
	return meta, s.Write(protocol.SingleCommand{Token: token, CommandNoToken: cmd})
}

// SendToFirst routes to the lowest-numbered registered session — the
// command processor's fallback for a command that names no session or
// thread while no thread is selected.
func (r *Router) SendToFirst(token, cmd string, transformer protocol.Transformer) (*tracker.CmdMeta, error) {
	sids := r.Sids()
	if len(sids) == 0 {
		return nil, &ddberr.Usage{Reason: "no sessions registered"}
	}
	return r.SendToSession(token, sids[0], cmd, transformer)
}

// AllReady reports whether every registered session has finished its
// handshake and is accepting commands — the command processor polls this
// before sending anything.
func (r *Router) AllReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if !s.IsOpen() {
			return false
		}
	}
	return true
}

// State exposes the bound state manager for handlers that need direct
// gtid/giid translation beyond what routing alone provides.
func (r *Router) State() *state.Manager { return r.state }

// Tracker exposes the bound command tracker for handlers that need to
// await a CmdMeta they didn't create through a Send* helper.
func (r *Router) Tracker() *tracker.Tracker { return r.tracker }

// Dispatch parses raw's leading routing flag and token, then sends it to
// the resolved target. The REPL does not use it: user commands go through
// cmdproc.Processor.SendCommand, which does its own flag parsing.
func (r *Router) Dispatch(raw string, transformer protocol.Transformer) (*tracker.CmdMeta, error) {
	cmd, target := ParseTarget(strings.TrimSpace(raw))
	cmd, token, _ := r.PrependToken(cmd)

	switch {
	case target.All:
		return r.Broadcast(token, cmd, transformer), nil
	case target.ThreadSet:
		return r.SendToThread(token, target.Gtid, cmd, transformer)
	case target.SessionSet:
		return r.SendToSession(token, target.Sid, cmd, transformer)
	default:
		return r.SendToCurrentThread(token, cmd, transformer)
	}
}
